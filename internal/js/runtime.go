package js

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/workunit"
)

// UnitFactory runs a JavaScript program as the work unit of every job.
// The program must define step(n) and may define setup() and teardown().
// A step fails when it throws or returns false or a string.
//
// Globals: JOB_ID, TARGET, ACTIONS, PROFILE {name, minMs, maxMs},
// console.log, sleep(ms) and dwell().
type UnitFactory struct {
	program *goja.Program
}

func NewUnitFactory(name, code string) (*UnitFactory, error) {
	prog, err := goja.Compile(name, code, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &UnitFactory{program: prog}, nil
}

func (f *UnitFactory) New(req workunit.Request) (workunit.Unit, error) {
	logger := req.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	sampler := req.Sampler
	if sampler == nil {
		sampler = profile.NewSampler(uint64(time.Now().UnixNano()))
	}
	return &Unit{
		factory: f,
		req:     req,
		sampler: sampler,
		logger:  logger.Named("js"),
	}, nil
}

type Unit struct {
	factory *UnitFactory
	req     workunit.Request
	sampler *profile.Sampler
	logger  hclog.Logger
	vm      *goja.Runtime

	// ctx is the context of the call in progress; host functions read it.
	ctx context.Context
}

func (u *Unit) Setup(ctx context.Context) error {
	u.vm = goja.New()
	u.injectGlobals()

	if err := u.guard(ctx, func() error {
		_, err := u.vm.RunProgram(u.factory.program)
		return err
	}); err != nil {
		return fmt.Errorf("load program: %w", err)
	}
	if _, ok := goja.AssertFunction(u.vm.Get("step")); !ok {
		return errors.New("program does not define step(n)")
	}
	_, err := u.call(ctx, "setup")
	return err
}

func (u *Unit) Step(ctx context.Context, n int) error {
	ret, err := u.call(ctx, "step", u.vm.ToValue(n))
	if err != nil {
		return &workunit.StepError{Step: n, Err: err}
	}
	if ret == nil {
		return nil
	}
	switch v := ret.Export().(type) {
	case bool:
		if !v {
			return &workunit.StepError{Step: n, Err: errors.New("step returned false")}
		}
	case string:
		return &workunit.StepError{Step: n, Err: errors.New(v)}
	}
	return nil
}

func (u *Unit) Teardown(ctx context.Context) error {
	if u.vm == nil {
		return nil
	}
	_, err := u.call(ctx, "teardown")
	return err
}

func (u *Unit) call(ctx context.Context, name string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(u.vm.Get(name))
	if !ok {
		return nil, nil
	}
	var ret goja.Value
	err := u.guard(ctx, func() error {
		var err error
		ret, err = fn(goja.Undefined(), args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return ret, nil
}

// guard runs fn with the VM interrupted as soon as ctx is done.
func (u *Unit) guard(ctx context.Context, fn func() error) error {
	u.ctx = ctx
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			u.vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	err := fn()
	close(done)
	u.vm.ClearInterrupt()

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (u *Unit) injectGlobals() {
	vm := u.vm
	vm.Set("JOB_ID", u.req.JobID)
	vm.Set("TARGET", u.req.Target)
	vm.Set("ACTIONS", append([]string{}, u.req.Actions...))
	vm.Set("PROFILE", map[string]any{
		"name":  u.req.Profile.Name,
		"minMs": u.req.Profile.Min.Milliseconds(),
		"maxMs": u.req.Profile.Max.Milliseconds(),
	})

	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		u.logger.Info(strings.Join(args, " "), "job_id", u.req.JobID)
		return goja.Undefined()
	})
	vm.Set("console", console)

	vm.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToFloat()
		u.sleep(time.Duration(ms * float64(time.Millisecond)))
		return goja.Undefined()
	})
	vm.Set("dwell", func(goja.FunctionCall) goja.Value {
		u.sleep(u.sampler.StepDuration(u.req.Profile))
		return goja.Undefined()
	})
}

func (u *Unit) sleep(d time.Duration) {
	ctx := u.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := profile.Sleep(ctx, d); err != nil {
		panic(u.vm.NewGoError(err))
	}
}
