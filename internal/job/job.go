package job

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// IsActive reports whether a job in this status holds an admission slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrStaleRun          = errors.New("job is owned by another run")
)

const (
	LevelInfo  = "info"
	LevelError = "error"
)

type LogEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Message        string    `json:"message"`
	CompletedCount int       `json:"completed_count"`
	Level          string    `json:"level"`
}

type Job struct {
	ID             string     `json:"id"`
	Target         string     `json:"target"`
	TargetCount    int        `json:"target_count"`
	CompletedCount int        `json:"completed_count"`
	Status         Status     `json:"status"`
	Profile        string     `json:"profile"`
	Actions        []string   `json:"actions"`
	Error          string     `json:"error,omitempty"`
	Note           string     `json:"note,omitempty"`
	Log            []LogEntry `json:"log"`
	RunID          string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func New(target string, targetCount int, profile string, actions []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Target:      target,
		TargetCount: targetCount,
		Status:      StatusPending,
		Profile:     profile,
		Actions:     append([]string{}, actions...),
		Log:         []LogEntry{},
		RunID:       uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so callers never alias a store's record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Actions = append([]string{}, j.Actions...)
	c.Log = append([]LogEntry{}, j.Log...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Stats is the aggregate view returned by Stats queries.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	Active         int            `json:"active"`
	TodayCreated   int            `json:"today_created"`
	TodayCompleted int            `json:"today_completed"`
}
