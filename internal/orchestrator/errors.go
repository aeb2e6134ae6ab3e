package orchestrator

import (
	"errors"
	"fmt"

	"github.com/steprun/orchestrator/internal/job"
)

var (
	ErrInvalidSpec      = errors.New("invalid job spec")
	ErrDuplicateTarget  = errors.New("target already has an active job")
	ErrCapacityExceeded = errors.New("concurrent job capacity reached")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")

	// Re-exported so control-surface callers need only this package.
	ErrNotFound          = job.ErrNotFound
	ErrInvalidTransition = job.ErrInvalidTransition
)

const (
	ReasonInvalidSpec  = "invalid_spec"
	ReasonDuplicate    = "duplicate_target"
	ReasonCapacity     = "capacity_exceeded"
	ReasonShuttingDown = "shutting_down"
)

// AdmissionError is returned synchronously when a submission or retry is
// rejected. Nothing is persisted for a rejected submission.
type AdmissionError struct {
	Reason string
	Detail string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func invalidSpec(format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: ReasonInvalidSpec, Detail: fmt.Sprintf(format, args...), Err: ErrInvalidSpec}
}

// ownershipLost reports whether a store write failed because this run no
// longer owns the job (forced stop, or a newer run after retry).
func ownershipLost(err error) bool {
	return errors.Is(err, job.ErrStaleRun) || errors.Is(err, job.ErrInvalidTransition)
}
