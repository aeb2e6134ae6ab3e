// Package retention deletes old terminal jobs and old event log entries.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/eventlog"
	"github.com/steprun/orchestrator/internal/job"
)

// eventWindowFactor makes event log entries outlive the jobs they describe.
const eventWindowFactor = 2

// Result counts what one sweep deleted.
type Result struct {
	Jobs   int `json:"deleted_jobs"`
	Events int `json:"deleted_logs"`
}

// Sweeper removes terminal jobs created more than window ago, and event log
// entries older than twice that. Active jobs are never touched.
type Sweeper struct {
	store    job.JobStore
	events   eventlog.Store
	window   time.Duration
	interval time.Duration
	logger   hclog.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper; events may be nil.
func NewSweeper(store job.JobStore, events eventlog.Store, window, interval time.Duration, logger hclog.Logger) *Sweeper {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Sweeper{
		store:    store,
		events:   events,
		window:   window,
		interval: interval,
		logger:   logger.Named("retention"),
		now:      time.Now,
	}
}

// Sweep runs one pass with the configured window.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	return s.SweepOlderThan(ctx, s.window)
}

// SweepOlderThan runs one pass with the given window.
func (s *Sweeper) SweepOlderThan(ctx context.Context, window time.Duration) (Result, error) {
	var res Result
	if window <= 0 {
		return res, fmt.Errorf("retention sweep: window must be positive, got %s", window)
	}
	now := s.now()
	cutoff := now.Add(-window)

	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("retention sweep: %w", err)
	}
	res.Jobs = n

	if s.events != nil {
		n, err := s.events.DeleteBefore(ctx, now.Add(-eventWindowFactor*window))
		if err != nil {
			return res, fmt.Errorf("retention sweep events: %w", err)
		}
		res.Events = n
		if res.Jobs > 0 {
			msg := fmt.Sprintf("deleted %d jobs older than %s", res.Jobs, window)
			if err := s.events.Append(ctx, eventlog.NewEntry(eventlog.LevelInfo, "", msg)); err != nil {
				s.logger.Warn("could not record sweep", "error", err)
			}
		}
	}

	if res.Jobs > 0 || res.Events > 0 {
		s.logger.Info("deleted old records", "jobs", res.Jobs, "events", res.Events, "cutoff", cutoff.Format(time.RFC3339))
	}
	return res, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// A zero window or interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.window <= 0 || s.interval <= 0 {
		s.logger.Info("retention disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
