package wasm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/orchestrator/internal/workunit"
)

// Built from:
//
//	(module (func (export "step") (param i32) (result i32)
//	  (i32.le_u (local.get 0) (i32.const 3))))
//
// Steps 1 to 3 fail, later steps succeed.
var stepWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f, // type section: (i32) -> i32
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x08, 0x01, 0x04, 0x73, 0x74, 0x65, 0x70, 0x00, 0x00, // export "step"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x41, 0x03, 0x4d, 0x0b, // code
}

// (module (func (export "run")))
var runWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// (module (func (export "step") (param i32)))
var noResultWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x01, 0x7f, 0x00, // type section: (i32) -> ()
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 0x73, 0x74, 0x65, 0x70, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestNewUnitFactory_Invalid(t *testing.T) {
	ctx := context.Background()
	_, err := NewUnitFactory(ctx, []byte("not wasm"))
	assert.Error(t, err)

	_, err = NewUnitFactory(ctx, runWasm)
	assert.ErrorContains(t, err, "step")

	_, err = NewUnitFactory(ctx, noResultWasm)
	assert.ErrorContains(t, err, "(i32) -> i32")
}

func TestUnit_Steps(t *testing.T) {
	ctx := context.Background()
	f, err := NewUnitFactory(ctx, stepWasm)
	require.NoError(t, err)
	defer f.Close(ctx)

	u, err := f.New(workunit.Request{JobID: "job-1", Target: "alpha"})
	require.NoError(t, err)
	require.NoError(t, u.Setup(ctx))

	for n := 1; n <= 5; n++ {
		err := u.Step(ctx, n)
		if n <= 3 {
			var stepErr *workunit.StepError
			require.True(t, errors.As(err, &stepErr), "step %d", n)
			assert.Equal(t, n, stepErr.Step)
			continue
		}
		assert.NoError(t, err, "step %d", n)
	}
	assert.NoError(t, u.Teardown(ctx))
}

func TestUnit_TwoUnitsShareCache(t *testing.T) {
	ctx := context.Background()
	f, err := NewUnitFactory(ctx, stepWasm)
	require.NoError(t, err)
	defer f.Close(ctx)

	for _, id := range []string{"job-1", "job-2"} {
		u, err := f.New(workunit.Request{JobID: id})
		require.NoError(t, err)
		require.NoError(t, u.Setup(ctx))
		assert.NoError(t, u.Step(ctx, 9))
		assert.NoError(t, u.Teardown(ctx))
	}
}

func TestFetchModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/step.wasm" {
			http.NotFound(w, r)
			return
		}
		w.Write(stepWasm)
	}))
	defer srv.Close()

	b, err := FetchModule(context.Background(), srv.URL+"/step.wasm")
	require.NoError(t, err)
	assert.Equal(t, stepWasm, b)

	_, err = FetchModule(context.Background(), srv.URL+"/missing.wasm")
	assert.ErrorContains(t, err, "404")
}
