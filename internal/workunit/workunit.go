// Package workunit defines the contract between a job runner and the thing
// that performs one step of a job.
//
// A Unit is created per job run. The runner calls Setup once, Step for each
// repetition, and Teardown exactly once on every exit path. Step must return
// promptly once ctx is done.
package workunit

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/profile"
)

type Unit interface {
	Setup(ctx context.Context) error
	Step(ctx context.Context, n int) error
	Teardown(ctx context.Context) error
}

// Request carries everything a factory knows about the run it serves.
type Request struct {
	JobID   string
	Target  string
	Profile profile.Profile
	Actions []string
	Sampler *profile.Sampler
	Logger  hclog.Logger
}

// ActionList renders the actions for environment variables and script globals.
func (r Request) ActionList() string {
	return strings.Join(r.Actions, ",")
}

type Factory interface {
	New(req Request) (Unit, error)
}

type FactoryFunc func(req Request) (Unit, error)

func (f FactoryFunc) New(req Request) (Unit, error) {
	return f(req)
}

// StepError is a per-step failure. The runner logs it and moves on.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
