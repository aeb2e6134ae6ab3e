package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/workunit"
)

// UnitFactory runs a WebAssembly module as the work unit of every job.
// The module must export step(i32) -> i32; a non-zero result fails the
// step. It may export setup() -> i32 and teardown(). The host module "env"
// provides dwell(), which waits one randomized step duration.
type UnitFactory struct {
	wasmBytes []byte
	cache     wazero.CompilationCache
}

// NewUnitFactory validates the module once. Compiled code is cached and
// shared between units.
func NewUnitFactory(ctx context.Context, wasmBytes []byte) (*UnitFactory, error) {
	cache := wazero.NewCompilationCache()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(cache))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		cache.Close(ctx)
		return nil, fmt.Errorf("compile: %w", err)
	}
	step, ok := compiled.ExportedFunctions()["step"]
	if !ok {
		cache.Close(ctx)
		return nil, errors.New("module does not export step")
	}
	if !isI32s(step.ParamTypes(), 1) || !isI32s(step.ResultTypes(), 1) {
		cache.Close(ctx)
		return nil, fmt.Errorf("step must have type (i32) -> i32, got %v -> %v", step.ParamTypes(), step.ResultTypes())
	}
	return &UnitFactory{wasmBytes: wasmBytes, cache: cache}, nil
}

func isI32s(types []api.ValueType, n int) bool {
	if len(types) != n {
		return false
	}
	for _, t := range types {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}

func (f *UnitFactory) Close(ctx context.Context) error {
	return f.cache.Close(ctx)
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
		logger:  logger.Named("wasm"),
	}, nil
}

type Unit struct {
	factory *UnitFactory
	req     workunit.Request
	sampler *profile.Sampler
	logger  hclog.Logger

	rt  wazero.Runtime
	mod api.Module
}

func (u *Unit) Setup(ctx context.Context) error {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(u.factory.cache).
		WithCloseOnContextDone(true)
	// The runtime outlives ctx; each call passes its own context.
	u.rt = wazero.NewRuntimeWithConfig(context.WithoutCancel(ctx), cfg)

	wasi_snapshot_preview1.MustInstantiate(ctx, u.rt)
	_, err := u.rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) {
			_ = profile.Sleep(ctx, u.sampler.StepDuration(u.req.Profile))
		}).
		Export("dwell").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("host module: %w", err)
	}

	compiled, err := u.rt.CompileModule(ctx, u.factory.wasmBytes)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	u.mod, err = u.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(u.req.JobID).
		WithArgs("unit", u.req.Target).
		WithEnv("TARGET", u.req.Target).
		WithEnv("ACTIONS", u.req.ActionList()).
		WithEnv("PROFILE", u.req.Profile.Name).
		WithStdout(io.Discard).
		WithStderr(io.Discard))
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}

	if setup := u.mod.ExportedFunction("setup"); setup != nil {
		res, err := setup.Call(ctx)
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		if len(res) > 0 && api.DecodeI32(res[0]) != 0 {
			return fmt.Errorf("setup returned %d", api.DecodeI32(res[0]))
		}
	}
	return nil
}

func (u *Unit) Step(ctx context.Context, n int) error {
	step := u.mod.ExportedFunction("step")
	res, err := step.Call(ctx, api.EncodeI32(int32(n)))
	if err != nil {
		if ctx.Err() != nil {
			return &workunit.StepError{Step: n, Err: ctx.Err()}
		}
		return &workunit.StepError{Step: n, Err: err}
	}
	if code := api.DecodeI32(res[0]); code != 0 {
		return &workunit.StepError{Step: n, Err: fmt.Errorf("step returned %d", code)}
	}
	return nil
}

func (u *Unit) Teardown(ctx context.Context) error {
	if u.rt == nil {
		return nil
	}
	var err error
	if u.mod != nil {
		if teardown := u.mod.ExportedFunction("teardown"); teardown != nil {
			if _, terr := teardown.Call(ctx); terr != nil {
				err = fmt.Errorf("teardown: %w", terr)
			}
		}
	}
	if cerr := u.rt.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// FetchModule downloads a module from a URL.
func FetchModule(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
