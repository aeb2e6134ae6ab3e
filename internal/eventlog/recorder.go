package eventlog

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/orchestrator"
)

// Recorder is an orchestrator.Observer that writes lifecycle events to a
// Store. Step progress is not recorded; it lives in each job's own log.
type Recorder struct {
	store  Store
	logger hclog.Logger
}

func NewRecorder(store Store, logger hclog.Logger) *Recorder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Recorder{store: store, logger: logger.Named("eventlog")}
}

func (r *Recorder) JobEvent(ev orchestrator.Event) {
	e, ok := entryFor(ev)
	if !ok {
		return
	}
	if err := r.store.Append(context.Background(), e); err != nil {
		r.logger.Warn("could not record event", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}

func entryFor(ev orchestrator.Event) (Entry, bool) {
	level, msg := LevelInfo, ""
	switch ev.Type {
	case orchestrator.EventCreated:
		if ev.Job == nil {
			return Entry{}, false
		}
		msg = fmt.Sprintf("job created: target=%s target_count=%d profile=%s", ev.Job.Target, ev.Job.TargetCount, ev.Job.Profile)
	case orchestrator.EventStatus:
		if ev.Job == nil {
			return Entry{}, false
		}
		switch ev.Job.Status {
		case job.StatusPending:
			msg = "job reset for retry"
		case job.StatusFailed:
			level = LevelError
			msg = fmt.Sprintf("job status changed to failed: %s", ev.Job.Error)
		default:
			msg = fmt.Sprintf("job status changed to %s", ev.Job.Status)
			if ev.Job.Note != "" {
				msg += ": " + ev.Job.Note
			}
		}
	case orchestrator.EventDeleted:
		msg = "job deleted"
		if ev.Job != nil {
			msg = fmt.Sprintf("job deleted: target=%s", ev.Job.Target)
		}
	case orchestrator.EventRejected:
		level = LevelWarning
		msg = fmt.Sprintf("submission rejected (%s): %s", ev.Reason, ev.Err)
	default:
		return Entry{}, false
	}

	e := NewEntry(level, ev.JobID, msg)
	if !ev.Time.IsZero() {
		e.CreatedAt = ev.Time.UTC()
	}
	return e, true
}
