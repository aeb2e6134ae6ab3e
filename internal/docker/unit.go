package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/workunit"
)

const (
	DefaultStepTimeout = 60 * time.Second
	daemonWait         = 15 * time.Second
	outputTail         = 512
)

// UnitFactory runs every step of a job as a short-lived container. The
// container receives the job through JOB_ID, TARGET, STEP, ACTIONS and
// PROFILE environment variables; a non-zero exit fails the step.
type UnitFactory struct {
	Image       string
	Command     []string
	StepTimeout time.Duration

	// connect is replaced in tests.
	connect func() (*Runtime, error)
}

func NewUnitFactory(image string, command []string, stepTimeout time.Duration) (*UnitFactory, error) {
	if image == "" {
		return nil, errors.New("container image is required")
	}
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &UnitFactory{
		Image:       image,
		Command:     command,
		StepTimeout: stepTimeout,
		connect:     NewRuntime,
	}, nil
}

func (f *UnitFactory) New(req workunit.Request) (workunit.Unit, error) {
	logger := req.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Unit{
		factory: f,
		req:     req,
		logger:  logger.Named("container"),
	}, nil
}

type Unit struct {
	factory *UnitFactory
	req     workunit.Request
	logger  hclog.Logger
	rt      *Runtime
}

func (u *Unit) Setup(ctx context.Context) error {
	rt, err := u.factory.connect()
	if err != nil {
		return err
	}
	u.rt = rt
	if err := rt.WaitReady(ctx, daemonWait); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	ok, err := rt.HasImage(ctx, u.factory.Image)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("image %q not found locally", u.factory.Image)
	}
	return nil
}

func (u *Unit) Step(ctx context.Context, n int) error {
	res, err := u.rt.RunContainer(ctx, u.factory.Image, u.factory.Command, u.env(n), u.factory.StepTimeout)
	if err != nil {
		return &workunit.StepError{Step: n, Err: err}
	}
	if res.ExitCode != 0 {
		u.logger.Debug("step container failed", "job_id", u.req.JobID, "step", n, "exit_code", res.ExitCode, "output", tail(res.Output, outputTail))
		return &workunit.StepError{Step: n, Err: errors.New(res.Error)}
	}
	return nil
}

func (u *Unit) Teardown(context.Context) error {
	if u.rt == nil {
		return nil
	}
	return u.rt.Close()
}

func (u *Unit) env(step int) map[string]string {
	return map[string]string{
		"JOB_ID":  u.req.JobID,
		"TARGET":  u.req.Target,
		"STEP":    strconv.Itoa(step),
		"ACTIONS": u.req.ActionList(),
		"PROFILE": u.req.Profile.Name,
	}
}
