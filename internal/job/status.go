package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		// forced stop of a runner that never started
		StatusStopped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusStopped: {
		StatusPending: true,
	},
	StatusCompleted: {},
}

func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves j to status `to` and applies the timestamp rules tied to
// each state. errMsg is recorded only when entering failed.
func Transition(j *Job, to Status, errMsg, note string, now time.Time) error {
	from := j.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q (job_id=%s)", ErrInvalidTransition, from, to, j.ID)
	}
	j.Status = to
	j.UpdatedAt = now

	switch {
	case to == StatusRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case to.IsTerminal():
		t := now
		j.CompletedAt = &t
		j.Note = note
		if to == StatusFailed {
			j.Error = errMsg
			j.Log = append(j.Log, LogEntry{
				Timestamp:      now,
				Message:        errMsg,
				CompletedCount: j.CompletedCount,
				Level:          LevelError,
			})
		}
	}
	return nil
}

// RecordProgress sets the completed count and appends a progress entry.
// Callers must hold the run that owns j.
func RecordProgress(j *Job, completed int, message string, now time.Time) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: progress on %q job (job_id=%s)", ErrInvalidTransition, j.Status, j.ID)
	}
	if completed < j.CompletedCount || completed > j.TargetCount {
		return fmt.Errorf("completed count %d out of range [%d, %d] (job_id=%s)", completed, j.CompletedCount, j.TargetCount, j.ID)
	}
	j.CompletedCount = completed
	j.UpdatedAt = now
	j.Log = append(j.Log, LogEntry{
		Timestamp:      now,
		Message:        message,
		CompletedCount: completed,
		Level:          LevelInfo,
	})
	return nil
}

// ResetForRetry puts a failed or stopped job back in pending under a fresh
// run token. Error-level log entries survive the reset.
func ResetForRetry(j *Job, now time.Time) error {
	if err := Transition(j, StatusPending, "", "", now); err != nil {
		return err
	}
	j.CompletedCount = 0
	j.Error = ""
	j.Note = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.RunID = uuid.NewString()

	kept := make([]LogEntry, 0, len(j.Log))
	for _, e := range j.Log {
		if e.Level == LevelError {
			kept = append(kept, e)
		}
	}
	j.Log = kept
	return nil
}

func checkRun(j *Job, runID string) error {
	if runID != "" && j.RunID != runID {
		return fmt.Errorf("%w: job_id=%s", ErrStaleRun, j.ID)
	}
	return nil
}
