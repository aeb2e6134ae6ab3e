package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/orchestrator/internal/eventlog"
	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/metrics"
	"github.com/steprun/orchestrator/internal/orchestrator"
	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/retention"
	"github.com/steprun/orchestrator/internal/workunit"
	"github.com/steprun/orchestrator/internal/ws"
)

func newTestRouter(t *testing.T, profiles []profile.Profile, opt ...orchestrator.Option) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	set, err := profile.NewSet(profiles, profiles[0].Name)
	require.NoError(t, err)

	col := metrics.New()
	store := job.NewMemoryStore()
	events := eventlog.NewMemoryStore()
	opts := append([]orchestrator.Option{
		orchestrator.WithProfiles(set),
		orchestrator.WithGracePeriod(time.Second),
		orchestrator.WithObserver(col),
		orchestrator.WithObserver(eventlog.NewRecorder(events, nil)),
	}, opt...)
	o, err := orchestrator.New(store, workunit.SimulatedFactory{}, opts...)
	require.NoError(t, err)
	col.WatchActive(o.Active)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	return NewRouter(Deps{
		NodeID:       "test-node",
		WorkUnit:     "simulated",
		Orchestrator: o,
		Hub:          ws.NewHub(nil),
		Metrics:      col,
		Events:       events,
		Sweeper:      retention.NewSweeper(store, events, 24*time.Hour, time.Hour, nil),
	}), o
}

func instant() []profile.Profile {
	return []profile.Profile{{Name: "instant"}}
}

func slow() []profile.Profile {
	return []profile.Profile{{Name: "slow", Min: time.Hour, Max: time.Hour}}
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, instant())

	w := do(t, router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])
}

func TestInfo(t *testing.T) {
	router, _ := newTestRouter(t, instant(), orchestrator.WithCapacity(4))

	w := do(t, router, "GET", "/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "test-node", resp["node_id"])
	assert.Equal(t, "simulated", resp["work_unit"])
	assert.EqualValues(t, 4, resp["capacity"])
}

func TestStats(t *testing.T) {
	router, _ := newTestRouter(t, instant())

	w := do(t, router, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)

	jobs := resp["jobs"].(map[string]any)
	assert.EqualValues(t, 0, jobs["total"])
	byStatus := jobs["by_status"].(map[string]any)
	assert.EqualValues(t, 0, byStatus["completed"])
	runners := resp["runners"].(map[string]any)
	assert.EqualValues(t, 3, runners["capacity"])
	assert.EqualValues(t, 0, resp["ws_clients"])
}

func TestProfiles(t *testing.T) {
	router, _ := newTestRouter(t, []profile.Profile{
		{Name: "quick", Min: time.Millisecond, Max: 2 * time.Millisecond},
		{Name: "steady", Min: time.Second, Max: 2 * time.Second},
	})

	w := do(t, router, "GET", "/api/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string][]map[string]any](t, w)
	require.Len(t, resp["profiles"], 2)
	assert.Equal(t, "steady", resp["profiles"][1]["name"])
	assert.EqualValues(t, 2000, resp["profiles"][1]["max_ms"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, instant())

	w := do(t, router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steprun_jobs_active 0")
}
