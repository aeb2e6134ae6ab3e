package job

import (
	"context"
	"time"
)

// JobStore defines the interface for job storage (both in-memory and persistent).
// Every mutation is committed before it returns and hands back a copy of the
// updated record. A non-empty runID guards the write: it fails with
// ErrStaleRun unless it matches the job's current run token.
type JobStore interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id, runID string, status Status, errMsg, note string) (*Job, error)
	AppendProgress(ctx context.Context, id, runID string, completed int, message string) (*Job, error)
	ResetForRetry(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ListByStatusPaged returns jobs newest first; an empty status matches all.
	ListByStatusPaged(ctx context.Context, status Status, limit, offset int) ([]*Job, int, error)
	Stats(ctx context.Context, dayStart time.Time) (Stats, error)
	// SweepNonTerminal moves every pending/running job to stopped with the
	// given note and returns their IDs.
	SweepNonTerminal(ctx context.Context, note string) ([]string, error)
	// DeleteTerminalBefore removes terminal jobs created before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// mutate applies the shared guard + state rules both stores use for status writes.
func applyStatus(j *Job, runID string, status Status, errMsg, note string, now time.Time) error {
	if err := checkRun(j, runID); err != nil {
		return err
	}
	return Transition(j, status, errMsg, note, now)
}

func applyProgress(j *Job, runID string, completed int, message string, now time.Time) error {
	if err := checkRun(j, runID); err != nil {
		return err
	}
	return RecordProgress(j, completed, message, now)
}

func computeStats(jobs []*Job, dayStart time.Time) Stats {
	st := Stats{ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, j := range jobs {
		st.Total++
		st.ByStatus[j.Status]++
		if j.Status.IsActive() {
			st.Active++
		}
		if !j.CreatedAt.Before(dayStart) {
			st.TodayCreated++
		}
		if j.Status == StatusCompleted && j.CompletedAt != nil && !j.CompletedAt.Before(dayStart) {
			st.TodayCompleted++
		}
	}
	return st
}

func page(all []*Job, limit, offset int) []*Job {
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*Job{}
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end]
}
