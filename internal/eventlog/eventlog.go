// Package eventlog keeps a persisted, queryable log of job lifecycle
// events: creation, status changes, retries, deletions and rejections.
package eventlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"

	// LevelAll matches every entry in List.
	LevelAll Level = "ALL"
)

// ParseLevel accepts level names in any case. An empty string is LevelAll.
func ParseLevel(s string) (Level, bool) {
	if s == "" {
		return LevelAll, true
	}
	switch l := Level(strings.ToUpper(s)); l {
	case LevelInfo, LevelWarning, LevelError, LevelAll:
		return l, true
	}
	return "", false
}

type Entry struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry stamps an entry with a fresh ID and the current time.
func NewEntry(level Level, jobID, message string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		JobID:     jobID,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists entries. List returns the newest entries first.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, level Level, limit int) ([]Entry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry // append order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, level Level, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if matches(s.entries[i], level) {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	n := len(s.entries) - len(kept)
	s.entries = kept
	return n, nil
}

func matches(e Entry, level Level) bool {
	return level == "" || level == LevelAll || e.Level == level
}
