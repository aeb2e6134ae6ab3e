package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/orchestrator"
)

func waitStatus(t *testing.T, o *orchestrator.Orchestrator, id string, want job.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := o.Query(context.Background(), id)
		return err == nil && j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmitJob(t *testing.T) {
	router, o := newTestRouter(t, instant())

	w := do(t, router, "POST", "/api/jobs", `{"target":"alpha","target_count":2,"profile":"instant","actions":["open"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[job.Job](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alpha", created.Target)
	assert.Equal(t, 2, created.TargetCount)

	waitStatus(t, o, created.ID, job.StatusCompleted)
	w = do(t, router, "GET", "/api/jobs/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[job.Job](t, w)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedCount)
	assert.Len(t, got.Log, 2)
	assert.NotContains(t, w.Body.String(), "run_id")
}

func TestSubmitJob_Rejections(t *testing.T) {
	router, _ := newTestRouter(t, slow(), orchestrator.WithCapacity(1))

	w := do(t, router, "POST", "/api/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/jobs", `{"target":"","target_count":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, orchestrator.ReasonInvalidSpec, decode[map[string]string](t, w)["reason"])

	w = do(t, router, "POST", "/api/jobs", `{"target":"alpha","target_count":1}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, "POST", "/api/jobs", `{"target":"alpha","target_count":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, orchestrator.ReasonDuplicate, decode[map[string]string](t, w)["reason"])

	w = do(t, router, "POST", "/api/jobs", `{"target":"beta","target_count":1}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, orchestrator.ReasonCapacity, decode[map[string]string](t, w)["reason"])
}

func TestGetJob_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, instant())

	w := do(t, router, "GET", "/api/jobs/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job not found", decode[map[string]string](t, w)["error"])
}

func TestListJobs(t *testing.T) {
	router, o := newTestRouter(t, instant())

	var ids []string
	for i := range 3 {
		w := do(t, router, "POST", "/api/jobs", fmt.Sprintf(`{"target":"t%d","target_count":1}`, i))
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, decode[job.Job](t, w).ID)
	}
	for _, id := range ids {
		waitStatus(t, o, id, job.StatusCompleted)
	}

	w := do(t, router, "GET", "/api/jobs?status=completed&limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Jobs   []job.Job `json:"jobs"`
		Total  int       `json:"total"`
		Limit  int       `json:"limit"`
		Offset int       `json:"offset"`
	}](t, w)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Equal(t, 1, resp.Offset)
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, ids[1], resp.Jobs[0].ID)

	w = do(t, router, "GET", "/api/jobs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, router, "GET", "/api/jobs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopRetryDelete(t *testing.T) {
	router, o := newTestRouter(t, slow())

	w := do(t, router, "POST", "/api/jobs", `{"target":"alpha","target_count":3}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[job.Job](t, w).ID

	w = do(t, router, "DELETE", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/jobs/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.StatusStopped, decode[job.Job](t, w).Status)

	w = do(t, router, "POST", "/api/jobs/"+id+"/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, router, "POST", "/api/jobs/missing/stop", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/jobs/"+id+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	waitStatus(t, o, id, job.StatusRunning)

	w = do(t, router, "POST", "/api/jobs/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, router, "POST", "/api/jobs/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.True(t, o.Stop(context.Background(), id))
	w = do(t, router, "DELETE", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, "DELETE", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
