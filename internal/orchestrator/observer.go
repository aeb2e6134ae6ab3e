package orchestrator

import (
	"time"

	"github.com/steprun/orchestrator/internal/job"
)

type EventType string

const (
	EventCreated    EventType = "job_created"
	EventStatus     EventType = "job_status"
	EventProgress   EventType = "job_progress"
	EventStepFailed EventType = "step_failed"
	EventDeleted    EventType = "job_deleted"
	EventRejected   EventType = "job_rejected"
)

// Event describes one committed change. Job is a private snapshot and is nil
// for rejected submissions.
type Event struct {
	Type   EventType
	JobID  string
	Job    *job.Job
	Step   int
	Err    string
	Reason string
	Time   time.Time
}

// Observer receives events synchronously from runners and control calls.
// Implementations must not block.
type Observer interface {
	JobEvent(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) JobEvent(ev Event) { f(ev) }

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	if ev.Job != nil && ev.JobID == "" {
		ev.JobID = ev.Job.ID
	}
	for _, obs := range o.observers {
		obs.JobEvent(ev)
	}
}
