package workunit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/orchestrator/internal/profile"
)

func testRequest() Request {
	return Request{
		JobID:   "job-1",
		Target:  "target",
		Profile: profile.Profile{Name: "test", Min: time.Millisecond, Max: 2 * time.Millisecond},
		Actions: []string{"scroll", "pause"},
		Sampler: profile.NewSampler(1),
	}
}

func TestSimulated_Steps(t *testing.T) {
	u, err := SimulatedFactory{}.New(testRequest())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, u.Setup(ctx))
	for i := 1; i <= 3; i++ {
		assert.NoError(t, u.Step(ctx, i))
	}
	assert.NoError(t, u.Teardown(ctx))
	assert.EqualValues(t, 3, u.(*Simulated).Steps())
}

func TestSimulated_AlwaysFails(t *testing.T) {
	u, err := SimulatedFactory{FailureRate: 1}.New(testRequest())
	require.NoError(t, err)

	err = u.Step(context.Background(), 4)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 4, stepErr.Step)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
}

func TestSimulated_StepHonoursCancel(t *testing.T) {
	req := testRequest()
	req.Profile = profile.Profile{Name: "slow", Min: time.Hour, Max: time.Hour}
	u, err := SimulatedFactory{}.New(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, u.Step(ctx, 1), context.DeadlineExceeded)
}

func TestRequest_ActionList(t *testing.T) {
	assert.Equal(t, "scroll,pause", testRequest().ActionList())
	assert.Equal(t, "", Request{}.ActionList())
}
