package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	ua "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/workunit"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	noteStopRequested   = "stopped by request"
	noteGraceElapsed    = "stop grace period elapsed"
	noteRestartRecovery = "interrupted by orchestrator restart"
	noteUnrecorded      = "runner exited without recording a final status"
)

// Spec is a job submission.
type Spec struct {
	Target      string
	TargetCount int
	Profile     string
	Actions     []string
}

// Filter narrows List; an empty Status matches every job.
type Filter struct {
	Status job.Status
	Limit  int
	Offset int
}

// Page is one slice of a List result.
type Page struct {
	Jobs   []*job.Job
	Total  int
	Limit  int
	Offset int
}

type runHandle struct {
	jobID  string
	target string
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// orphaned is set when the runner exited but its record is still
	// pending or running. The handle then keeps its slot and target until
	// Stop records a terminal status.
	orphaned ua.Bool
}

// Orchestrator admits jobs, runs each on its own goroutine, and is the only
// writer of job state besides those runners.
type Orchestrator struct {
	store    job.JobStore
	units    workunit.Factory
	profiles *profile.Set
	sampler  *profile.Sampler
	logger   hclog.Logger

	observers       []Observer
	capacity        int
	maxTargetCount  int
	gracePeriod     time.Duration
	teardownTimeout time.Duration
	writeRetry      time.Duration
	now             func() time.Time

	// mu serialises admission: the capacity and duplicate-target checks and
	// the registration that follows them happen as one step.
	mu      sync.Mutex
	active  map[string]*runHandle
	targets map[string]string
	closed  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

func New(store job.JobStore, units workunit.Factory, opt ...Option) (*Orchestrator, error) {
	const op = "orchestrator.New"
	if store == nil {
		return nil, fmt.Errorf("%s: missing job store", op)
	}
	if units == nil {
		return nil, fmt.Errorf("%s: missing work unit factory", op)
	}
	opts := getOpts(opt...)

	logger := opts.withLogger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	profiles := opts.withProfiles
	if profiles == nil {
		profiles = profile.Defaults()
	}
	sampler := opts.withSampler
	if sampler == nil {
		sampler = profile.NewSampler(uint64(time.Now().UnixNano()))
	}
	now := opts.withClock
	if now == nil {
		now = time.Now
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:           store,
		units:           units,
		profiles:        profiles,
		sampler:         sampler,
		logger:          logger.Named("orchestrator"),
		observers:       opts.withObservers,
		capacity:        opts.withCapacity,
		maxTargetCount:  opts.withMaxTargetCount,
		gracePeriod:     opts.withGracePeriod,
		teardownTimeout: opts.withTeardownTimeout,
		writeRetry:      opts.withWriteRetry,
		now:             now,
		active:          make(map[string]*runHandle),
		targets:         make(map[string]string),
		baseCtx:         baseCtx,
		cancelBase:      cancel,
	}, nil
}

// Capacity is the configured maximum number of active jobs.
func (o *Orchestrator) Capacity() int { return o.capacity }

func (o *Orchestrator) MaxTargetCount() int { return o.maxTargetCount }

func (o *Orchestrator) Profiles() *profile.Set { return o.profiles }

// Active returns the number of registered runners.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Submit validates and admits a job, persists it as pending and starts its
// runner. It returns once the job is durably recorded.
func (o *Orchestrator) Submit(ctx context.Context, spec Spec) (string, error) {
	const op = "orchestrator.(Orchestrator).Submit"
	spec.Target = strings.TrimSpace(spec.Target)
	if err := o.validate(spec); err != nil {
		return "", o.reject(spec.Target, err)
	}
	if _, known := o.profiles.Resolve(spec.Profile); !known && spec.Profile != "" {
		o.logger.Warn("unknown profile, using fallback", "profile", spec.Profile, "target", spec.Target)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.admitLocked(spec.Target); err != nil {
		return "", o.reject(spec.Target, err)
	}

	j := job.New(spec.Target, spec.TargetCount, spec.Profile, uniqueActions(spec.Actions))
	if err := o.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	o.logger.Info("job submitted", "job_id", j.ID, "target", j.Target, "target_count", j.TargetCount, "profile", j.Profile)
	o.emit(Event{Type: EventCreated, Job: j.Clone()})
	o.startLocked(j)
	return j.ID, nil
}

func (o *Orchestrator) validate(spec Spec) error {
	if spec.Target == "" {
		return invalidSpec("target is required")
	}
	if spec.TargetCount < 1 || spec.TargetCount > o.maxTargetCount {
		return invalidSpec("target_count must be between 1 and %d, got %d", o.maxTargetCount, spec.TargetCount)
	}
	return nil
}

// admitLocked must be called with mu held.
func (o *Orchestrator) admitLocked(target string) error {
	if o.closed {
		return &AdmissionError{Reason: ReasonShuttingDown, Err: ErrShuttingDown}
	}
	if id, ok := o.targets[target]; ok {
		return &AdmissionError{Reason: ReasonDuplicate, Detail: fmt.Sprintf("job %s is active for %q", id, target), Err: ErrDuplicateTarget}
	}
	if len(o.active) >= o.capacity {
		return &AdmissionError{Reason: ReasonCapacity, Detail: fmt.Sprintf("%d of %d slots in use", len(o.active), o.capacity), Err: ErrCapacityExceeded}
	}
	return nil
}

func (o *Orchestrator) reject(target string, err error) error {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		o.logger.Debug("submission rejected", "target", target, "reason", ae.Reason, "error", err)
		o.emit(Event{Type: EventRejected, Reason: ae.Reason, Err: err.Error()})
	}
	return err
}

// startLocked registers a runner for j and launches it. mu must be held.
func (o *Orchestrator) startLocked(j *job.Job) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	h := &runHandle{
		jobID:  j.ID,
		target: j.Target,
		runID:  j.RunID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active[j.ID] = h
	o.targets[j.Target] = j.ID

	r := o.newRunner(h, j.Clone())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(h.done)
		defer func() {
			if !h.orphaned.Load() {
				o.deregister(h)
			}
		}()
		defer cancel()
		if orphaned := r.run(ctx); orphaned {
			h.orphaned.Store(true)
		}
	}()
}

// deregister releases the handle's slot and target exactly once. A newer
// handle registered under the same job ID is left alone.
func (o *Orchestrator) deregister(h *runHandle) {
	h.once.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.active[h.jobID] == h {
			delete(o.active, h.jobID)
		}
		if o.targets[h.target] == h.jobID {
			delete(o.targets, h.target)
		}
	})
}

// Stop requests cancellation of an active job and waits up to the grace
// period for its runner. If the runner does not finish in time, or exits
// without recording a final status, the job is forced to stopped. It
// reports false if the job had no active runner.
func (o *Orchestrator) Stop(ctx context.Context, id string) bool {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if err := o.stop(ctx, h); err != nil {
		o.logger.Error("stop failed, job keeps its slot", "job_id", id, "error", err)
	}
	return true
}

func (o *Orchestrator) stop(ctx context.Context, h *runHandle) error {
	h.cancel()
	timer := time.NewTimer(o.gracePeriod)
	defer timer.Stop()
	select {
	case <-h.done:
		if !h.orphaned.Load() {
			return nil
		}
		return o.forceStop(h, noteUnrecorded)
	case <-timer.C:
	case <-ctx.Done():
	}
	return o.forceStop(h, noteGraceElapsed)
}

// forceStop writes stopped under the handle's run token and releases the
// handle. When the write fails the handle stays registered so the target
// cannot be admitted twice.
func (o *Orchestrator) forceStop(h *runHandle, note string) error {
	j, err := o.writeStatus(func() (*job.Job, error) {
		return o.store.UpdateStatus(context.Background(), h.jobID, h.runID, job.StatusStopped, "", note)
	})
	switch {
	case err == nil:
		o.logger.Warn("job forced to stopped", "job_id", h.jobID, "note", note)
		o.emit(Event{Type: EventStatus, Job: j})
	case ownershipLost(err), errors.Is(err, job.ErrNotFound):
		// The runner reached a terminal status first; that status stands.
		o.logger.Debug("forced stop skipped", "job_id", h.jobID, "error", err)
	default:
		return fmt.Errorf("force stop job %s: %w", h.jobID, err)
	}
	o.deregister(h)
	return nil
}

// writeStatus retries a lifecycle write on store errors. Losing the run
// token or the record is final.
func (o *Orchestrator) writeStatus(write func() (*job.Job, error)) (*job.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = o.writeRetry

	var j *job.Job
	err := backoff.RetryNotify(func() error {
		var err error
		j, err = write()
		if err != nil && (ownershipLost(err) || errors.Is(err, job.ErrNotFound)) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		o.logger.Warn("status write failed, retrying", "error", err, "backoff", next)
	})
	return j, err
}

// Retry resets a failed or stopped job to pending and starts a new run
// under the same admission rules as Submit.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	const op = "orchestrator.(Orchestrator).Retry"
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.active[id]; ok {
		return fmt.Errorf("%s: job %s is active: %w", op, id, ErrInvalidTransition)
	}
	current, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if current.Status != job.StatusFailed && current.Status != job.StatusStopped {
		return fmt.Errorf("%s: job %s is %s: %w", op, id, current.Status, ErrInvalidTransition)
	}
	if err := o.admitLocked(current.Target); err != nil {
		return o.reject(current.Target, err)
	}

	j, err := o.store.ResetForRetry(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	o.logger.Info("job retried", "job_id", id, "target", j.Target)
	o.emit(Event{Type: EventStatus, Job: j.Clone()})
	o.startLocked(j)
	return nil
}

// Delete removes a terminal job. Active jobs must be stopped first.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	const op = "orchestrator.(Orchestrator).Delete"
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.active[id]; ok {
		return fmt.Errorf("%s: job %s is active: %w", op, id, ErrInvalidTransition)
	}
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if j.Status.IsActive() {
		return fmt.Errorf("%s: job %s is %s: %w", op, id, j.Status, ErrInvalidTransition)
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	o.logger.Info("job deleted", "job_id", id)
	o.emit(Event{Type: EventDeleted, JobID: id, Job: j})
	return nil
}

// Query returns a snapshot of one job.
func (o *Orchestrator) Query(ctx context.Context, id string) (*job.Job, error) {
	return o.store.Get(ctx, id)
}

// List returns jobs newest first.
func (o *Orchestrator) List(ctx context.Context, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	jobs, total, err := o.store.ListByStatusPaged(ctx, f.Status, f.Limit, f.Offset)
	if err != nil {
		return Page{}, fmt.Errorf("orchestrator.(Orchestrator).List: %w", err)
	}
	return Page{Jobs: jobs, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Stats aggregates job counts; "today" starts at local midnight.
func (o *Orchestrator) Stats(ctx context.Context) (job.Stats, error) {
	now := o.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return o.store.Stats(ctx, dayStart)
}

// Reconcile moves jobs left pending or running by a previous process to
// stopped. It must run before the first submission.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]string, error) {
	const op = "orchestrator.(Orchestrator).Reconcile"
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.active) > 0 {
		return nil, fmt.Errorf("%s: runners already registered", op)
	}
	ids, err := o.store.SweepNonTerminal(ctx, noteRestartRecovery)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, id := range ids {
		o.logger.Info("recovered interrupted job", "job_id", id)
		if j, err := o.store.Get(ctx, id); err == nil {
			o.emit(Event{Type: EventStatus, Job: j})
		}
	}
	return ids, nil
}

// Shutdown stops admitting jobs, stops every active job and waits for all
// runners to exit or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	const op = "orchestrator.(Orchestrator).Shutdown"
	o.mu.Lock()
	o.closed = true
	handles := make([]*runHandle, 0, len(o.active))
	for _, h := range o.active {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	o.logger.Info("shutting down", "active_jobs", len(handles))
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			return o.stop(ctx, h)
		})
	}
	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
	}
	o.cancelBase()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("%s: waiting for runners: %w", op, ctx.Err()))
	}
	return result.ErrorOrNil()
}

func uniqueActions(actions []string) []string {
	if len(actions) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
