package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	j := New("target-a", 5, "fast", []string{"scroll"})

	assert.NotEmpty(t, j.ID)
	assert.NotEmpty(t, j.RunID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 5, j.TargetCount)
	assert.Equal(t, 0, j.CompletedCount)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Nil(t, j.StartedAt)
	assert.NotNil(t, j.Log)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusStopped, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusStopped, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusStopped, false},
		{StatusStopped, StatusStopped, false},
		{Status("bogus"), StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_Timestamps(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	j := New("t", 2, "normal", nil)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(Transition(j, StatusRunning, "", "", t0))
	require.NotNil(j.StartedAt)
	assert.Equal(t0, *j.StartedAt)
	assert.Nil(j.CompletedAt)

	t1 := t0.Add(time.Minute)
	require.NoError(Transition(j, StatusFailed, "setup exploded", "", t1))
	assert.Equal("setup exploded", j.Error)
	require.NotNil(j.CompletedAt)
	assert.Equal(t1, *j.CompletedAt)
	assert.Equal(t1, j.UpdatedAt)
	require.Len(j.Log, 1)
	assert.Equal(LevelError, j.Log[0].Level)

	err := Transition(j, StatusCompleted, "", "", t1)
	assert.ErrorIs(err, ErrInvalidTransition)
}

func TestTransition_ErrorOnlyOnFailed(t *testing.T) {
	j := New("t", 2, "normal", nil)
	now := time.Now()
	require.NoError(t, Transition(j, StatusRunning, "", "", now))
	require.NoError(t, Transition(j, StatusStopped, "ignored", "stopped early", now))
	assert.Empty(t, j.Error)
	assert.Equal(t, "stopped early", j.Note)
}

func TestRecordProgress_Bounds(t *testing.T) {
	j := New("t", 2, "normal", nil)
	now := time.Now()

	assert.ErrorIs(t, RecordProgress(j, 1, "x", now), ErrInvalidTransition)

	require.NoError(t, Transition(j, StatusRunning, "", "", now))
	require.NoError(t, RecordProgress(j, 1, "step 1", now))
	require.NoError(t, RecordProgress(j, 2, "step 2", now))
	assert.Error(t, RecordProgress(j, 3, "step 3", now))
	assert.Error(t, RecordProgress(j, 1, "backwards", now))
	assert.Equal(t, 2, j.CompletedCount)
	assert.Len(t, j.Log, 2)
}

func TestResetForRetry(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	j := New("t", 3, "normal", nil)
	now := time.Now()
	oldRun := j.RunID

	require.NoError(Transition(j, StatusRunning, "", "", now))
	require.NoError(RecordProgress(j, 1, "step 1", now))
	require.NoError(Transition(j, StatusFailed, "boom", "", now))

	require.NoError(ResetForRetry(j, now))
	assert.Equal(StatusPending, j.Status)
	assert.Equal(0, j.CompletedCount)
	assert.Empty(j.Error)
	assert.Nil(j.StartedAt)
	assert.Nil(j.CompletedAt)
	assert.NotEqual(oldRun, j.RunID)
	require.Len(j.Log, 1)
	assert.Equal(LevelError, j.Log[0].Level)

	assert.ErrorIs(ResetForRetry(j, now), ErrInvalidTransition)
}

func TestClone_NoAliasing(t *testing.T) {
	j := New("t", 3, "normal", []string{"a"})
	now := time.Now()
	require.NoError(t, Transition(j, StatusRunning, "", "", now))

	c := j.Clone()
	c.Actions[0] = "b"
	c.Log = append(c.Log, LogEntry{Message: "x"})
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "a", j.Actions[0])
	assert.Empty(t, j.Log)
	assert.Equal(t, now, *j.StartedAt)

	a, _ := json.Marshal(j)
	b, _ := json.Marshal(j.Clone())
	assert.Equal(t, a, b)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("stopped")
	assert.True(t, ok)
	assert.Equal(t, StatusStopped, s)

	_, ok = ParseStatus("cancelled")
	assert.False(t, ok)
}

func TestJSON_OmitsRunToken(t *testing.T) {
	j := New("target-a", 1, "fast", nil)
	b, err := json.Marshal(j)
	require.NoError(t, err)
	assert.NotContains(t, string(b), j.RunID)
	assert.NotContains(t, string(b), "run_id")
}
