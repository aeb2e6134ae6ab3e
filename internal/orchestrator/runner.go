package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/workunit"
)

// runner drives one job run. It is the only writer of the job while its run
// token is current.
type runner struct {
	o      *Orchestrator
	h      *runHandle
	job    *job.Job
	logger hclog.Logger
}

type outcome struct {
	status job.Status
	err    error
	note   string
	// lost is set when the run token no longer owns the job; nothing more
	// may be written.
	lost bool
	// orphaned is set when no write succeeded and the record is still active.
	orphaned bool
}

func (o *Orchestrator) newRunner(h *runHandle, j *job.Job) *runner {
	return &runner{
		o:      o,
		h:      h,
		job:    j,
		logger: o.logger.Named("runner").With("job_id", j.ID, "target", j.Target),
	}
}

// run executes the job and records its final status. It reports true when
// the record was left pending or running.
func (r *runner) run(ctx context.Context) bool {
	out := r.execute(ctx)
	if out.orphaned {
		return true
	}
	return r.finalize(ctx, out)
}

func (r *runner) recoverPanic(out *outcome) {
	if p := recover(); p != nil {
		r.logger.Error("runner panic", "panic", p, "stack", string(debug.Stack()))
		*out = outcome{status: job.StatusFailed, err: fmt.Errorf("runner panic: %v", p)}
	}
}

func (r *runner) execute(ctx context.Context) (out outcome) {
	defer r.recoverPanic(&out)

	storeCtx := context.WithoutCancel(ctx)
	j, err := r.o.writeStatus(func() (*job.Job, error) {
		return r.o.store.UpdateStatus(storeCtx, r.h.jobID, r.h.runID, job.StatusRunning, "", "")
	})
	if err != nil {
		if ownershipLost(err) || errors.Is(err, job.ErrNotFound) {
			return outcome{lost: true}
		}
		r.logger.Error("could not mark job running", "error", err)
		return outcome{lost: true, orphaned: true}
	}
	r.job = j
	r.o.emit(Event{Type: EventStatus, Job: j.Clone()})

	prof, known := r.o.profiles.Resolve(j.Profile)
	if !known && j.Profile != "" {
		r.logger.Warn("unknown profile, using fallback", "profile", j.Profile, "fallback", prof.Name)
	}

	unit, err := r.o.units.New(workunit.Request{
		JobID:   j.ID,
		Target:  j.Target,
		Profile: prof,
		Actions: j.Actions,
		Sampler: r.o.sampler,
		Logger:  r.logger,
	})
	if err != nil {
		return outcome{status: job.StatusFailed, err: fmt.Errorf("create work unit: %w", err)}
	}

	defer func() {
		terr := r.teardown(ctx, unit)
		if terr == nil {
			return
		}
		if out.status == job.StatusFailed {
			out.err = multierror.Append(out.err, terr)
			return
		}
		r.logger.Warn("teardown failed", "error", terr)
	}()

	return r.safeDrive(ctx, unit, prof)
}

// safeDrive settles a panic into the outcome before teardown runs.
func (r *runner) safeDrive(ctx context.Context, unit workunit.Unit, prof profile.Profile) (out outcome) {
	defer r.recoverPanic(&out)
	return r.drive(ctx, unit, prof)
}

func (r *runner) drive(ctx context.Context, unit workunit.Unit, prof profile.Profile) outcome {
	if err := unit.Setup(ctx); err != nil {
		if ctx.Err() != nil {
			return outcome{status: job.StatusStopped, note: noteStopRequested}
		}
		return outcome{status: job.StatusFailed, err: fmt.Errorf("setup: %w", err)}
	}

	storeCtx := context.WithoutCancel(ctx)
	target := r.job.TargetCount
	completed, cancelled := 0, false

	for n := 1; n <= target; n++ {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		err := unit.Step(ctx, n)
		switch {
		case err == nil:
			completed++
			j, perr := r.o.store.AppendProgress(storeCtx, r.h.jobID, r.h.runID, completed,
				fmt.Sprintf("completed step %d of %d", n, target))
			if perr != nil {
				if ownershipLost(perr) {
					r.logger.Debug("run superseded, exiting", "error", perr)
					return outcome{lost: true}
				}
				return outcome{status: job.StatusFailed, err: fmt.Errorf("record progress: %w", perr)}
			}
			r.job = j
			r.o.emit(Event{Type: EventProgress, Job: j.Clone(), Step: n})
		case ctx.Err() != nil:
			cancelled = true
		default:
			r.logger.Warn("step failed", "step", n, "error", err)
			r.o.emit(Event{Type: EventStepFailed, Job: r.job.Clone(), Step: n, Err: err.Error()})
		}
		if cancelled {
			break
		}

		if n < target {
			if err := profile.Sleep(ctx, r.o.sampler.InterStepDelay(prof)); err != nil {
				cancelled = true
				break
			}
		}
	}

	switch {
	case cancelled:
		return outcome{status: job.StatusStopped, note: noteStopRequested}
	case completed == target:
		return outcome{status: job.StatusCompleted}
	default:
		return outcome{
			status: job.StatusStopped,
			note:   fmt.Sprintf("finished %d of %d steps, %d failed", completed, target, target-completed),
		}
	}
}

func (r *runner) teardown(ctx context.Context, unit workunit.Unit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("teardown panic: %v", p)
		}
	}()
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.teardownTimeout)
	defer cancel()
	if err := unit.Teardown(tctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

// finalize writes the terminal status. It reports true when the write
// failed for a reason other than lost ownership.
func (r *runner) finalize(ctx context.Context, out outcome) bool {
	if out.lost {
		return false
	}
	var errMsg string
	if out.status == job.StatusFailed && out.err != nil {
		errMsg = flattenError(out.err)
	}
	storeCtx := context.WithoutCancel(ctx)
	j, err := r.o.writeStatus(func() (*job.Job, error) {
		return r.o.store.UpdateStatus(storeCtx, r.h.jobID, r.h.runID, out.status, errMsg, out.note)
	})
	if err != nil {
		if ownershipLost(err) || errors.Is(err, job.ErrNotFound) {
			r.logger.Debug("final status not written, run superseded", "status", out.status, "error", err)
			return false
		}
		r.logger.Error("could not record final status, job keeps its slot until stopped", "status", out.status, "error", err)
		return true
	}

	switch out.status {
	case job.StatusFailed:
		r.logger.Error("job failed", "error", errMsg)
	default:
		r.logger.Info("job finished", "status", out.status, "completed", j.CompletedCount, "target_count", j.TargetCount, "note", out.note)
	}
	r.o.emit(Event{Type: EventStatus, Job: j.Clone(), Err: errMsg})
	return false
}

// flattenError renders multierror results on a single line.
func flattenError(err error) string {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		merr.ErrorFormat = func(es []error) string {
			msg := ""
			for i, e := range es {
				if i > 0 {
					msg += "; "
				}
				msg += e.Error()
			}
			return msg
		}
		return merr.Error()
	}
	return err.Error()
}
