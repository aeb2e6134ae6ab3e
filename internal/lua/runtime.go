package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/workunit"
)

// UnitFactory runs a Lua script as the work unit of every job. The script
// must define step(n) and may define setup() and teardown(). A step fails
// when step raises an error or returns false or a string.
//
// Globals available to the script: JOB_ID, TARGET, ACTIONS (array),
// PROFILE (table with name, min_ms, max_ms), log(...), sleep(ms) and
// dwell(), which waits one randomized step duration.
type UnitFactory struct {
	name  string
	proto *lua.FunctionProto
}

// NewUnitFactory compiles code once; every unit gets its own interpreter.
func NewUnitFactory(name, code string) (*UnitFactory, error) {
	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &UnitFactory{name: name, proto: proto}, nil
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
		logger:  logger.Named("lua"),
	}, nil
}

type Unit struct {
	factory *UnitFactory
	req     workunit.Request
	sampler *profile.Sampler
	logger  hclog.Logger
	L       *lua.LState
}

func (u *Unit) Setup(ctx context.Context) error {
	L := lua.NewState()
	u.L = L
	u.injectGlobals()

	L.SetContext(ctx)
	L.Push(L.NewFunctionFromProto(u.factory.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("load %s: %w", u.factory.name, err)
	}
	if _, ok := L.GetGlobal("step").(*lua.LFunction); !ok {
		return errors.New("script does not define step(n)")
	}
	_, err := u.call(ctx, "setup")
	return err
}

func (u *Unit) Step(ctx context.Context, n int) error {
	ret, err := u.call(ctx, "step", lua.LNumber(n))
	if err != nil {
		return &workunit.StepError{Step: n, Err: err}
	}
	switch v := ret.(type) {
	case lua.LBool:
		if !bool(v) {
			return &workunit.StepError{Step: n, Err: errors.New("step returned false")}
		}
	case lua.LString:
		return &workunit.StepError{Step: n, Err: errors.New(string(v))}
	}
	return nil
}

func (u *Unit) Teardown(ctx context.Context) error {
	if u.L == nil {
		return nil
	}
	defer u.L.Close()
	_, err := u.call(ctx, "teardown")
	return err
}

// call invokes a global function if it is defined. Undefined optional hooks
// are a no-op.
func (u *Unit) call(ctx context.Context, name string, args ...lua.LValue) (lua.LValue, error) {
	fn, ok := u.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return lua.LNil, nil
	}
	u.L.SetContext(ctx)
	defer u.L.RemoveContext()
	if err := u.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return lua.LNil, ctx.Err()
		}
		return lua.LNil, fmt.Errorf("%s: %w", name, err)
	}
	ret := u.L.Get(-1)
	u.L.Pop(1)
	return ret, nil
}

func (u *Unit) injectGlobals() {
	L := u.L
	L.SetGlobal("JOB_ID", lua.LString(u.req.JobID))
	L.SetGlobal("TARGET", lua.LString(u.req.Target))

	actions := L.NewTable()
	for i, a := range u.req.Actions {
		L.SetTable(actions, lua.LNumber(i+1), lua.LString(a))
	}
	L.SetGlobal("ACTIONS", actions)

	prof := L.NewTable()
	L.SetField(prof, "name", lua.LString(u.req.Profile.Name))
	L.SetField(prof, "min_ms", lua.LNumber(u.req.Profile.Min.Milliseconds()))
	L.SetField(prof, "max_ms", lua.LNumber(u.req.Profile.Max.Milliseconds()))
	L.SetGlobal("PROFILE", prof)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		u.logger.Info(strings.Join(parts, "\t"), "job_id", u.req.JobID)
		return 0
	}))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckNumber(1)
		u.sleep(L, time.Duration(float64(ms)*float64(time.Millisecond)))
		return 0
	}))
	L.SetGlobal("dwell", L.NewFunction(func(L *lua.LState) int {
		u.sleep(L, u.sampler.StepDuration(u.req.Profile))
		return 0
	}))
}

func (u *Unit) sleep(L *lua.LState, d time.Duration) {
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := profile.Sleep(ctx, d); err != nil {
		L.RaiseError("interrupted: %v", err)
	}
}
