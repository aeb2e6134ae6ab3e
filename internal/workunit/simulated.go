package workunit

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	ua "go.uber.org/atomic"

	"github.com/steprun/orchestrator/internal/profile"
)

var ErrSimulatedFailure = errors.New("simulated step failure")

// SimulatedFactory builds units that perform no external action: each step
// only dwells for the profile's step duration.
type SimulatedFactory struct {
	// FailureRate is the probability in [0, 1] that a step fails.
	FailureRate float64
}

func (f SimulatedFactory) New(req Request) (Unit, error) {
	sampler := req.Sampler
	if sampler == nil {
		sampler = profile.NewSampler(0)
	}
	logger := req.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Simulated{
		req:         req,
		sampler:     sampler,
		failureRate: f.FailureRate,
		logger:      logger.Named("simulated"),
	}, nil
}

type Simulated struct {
	req         Request
	sampler     *profile.Sampler
	failureRate float64
	logger      hclog.Logger

	steps ua.Int64
}

func (s *Simulated) Setup(ctx context.Context) error {
	s.logger.Debug("session opened", "job_id", s.req.JobID, "actions", s.req.ActionList())
	return ctx.Err()
}

func (s *Simulated) Step(ctx context.Context, n int) error {
	s.steps.Inc()
	if err := profile.Sleep(ctx, s.sampler.StepDuration(s.req.Profile)); err != nil {
		return err
	}
	if s.failureRate > 0 && s.sampler.Float64() < s.failureRate {
		return &StepError{Step: n, Err: ErrSimulatedFailure}
	}
	return nil
}

func (s *Simulated) Teardown(context.Context) error {
	s.logger.Debug("session closed", "job_id", s.req.JobID, "steps", s.steps.Load())
	return nil
}

// Steps reports how many steps were attempted.
func (s *Simulated) Steps() int64 {
	return s.steps.Load()
}
