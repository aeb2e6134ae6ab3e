package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/eventlog"
	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/orchestrator"
)

const (
	version = "0.1.0"

	defaultLogLimit    = 100
	maxLogLimit        = 1000
	defaultCleanupDays = 7
)

var startTime = time.Now()

type Handlers struct {
	deps   Deps
	orch   *orchestrator.Orchestrator
	logger hclog.Logger
}

func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handlers{deps: deps, orch: deps.Orchestrator, logger: logger.Named("api")}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":          h.deps.NodeID,
		"version":          version,
		"uptime_seconds":   int(time.Since(startTime).Seconds()),
		"work_unit":        h.deps.WorkUnit,
		"capacity":         h.orch.Capacity(),
		"max_target_count": h.orch.MaxTargetCount(),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	byStatus := make(map[string]int, len(st.ByStatus))
	for s, n := range st.ByStatus {
		byStatus[string(s)] = n
	}
	resp := map[string]any{
		"node_id":        h.deps.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs": map[string]any{
			"total":           st.Total,
			"by_status":       byStatus,
			"active":          st.Active,
			"today_created":   st.TodayCreated,
			"today_completed": st.TodayCompleted,
		},
		"runners": map[string]int{
			"active":   h.orch.Active(),
			"capacity": h.orch.Capacity(),
		},
	}
	if h.deps.Hub != nil {
		resp["ws_clients"] = h.deps.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

type JobRequest struct {
	Target      string   `json:"target"`
	TargetCount int      `json:"target_count"`
	Profile     string   `json:"profile,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := h.orch.Submit(r.Context(), orchestrator.Spec{
		Target:      req.Target,
		TargetCount: req.TargetCount,
		Profile:     req.Profile,
		Actions:     req.Actions,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	j, err := h.orch.Query(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.orch.Query(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f orchestrator.Filter

	if s := q.Get("status"); s != "" {
		status, ok := job.ParseStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + strconv.Quote(s)})
			return
		}
		f.Status = status
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
			return
		}
		*dst = n
	}

	page, err := h.orch.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   page.Jobs,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.orch.Stop(r.Context(), id) {
		if _, err := h.orch.Query(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is not active"})
		return
	}
	j, err := h.orch.Query(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Retry(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	j, err := h.orch.Query(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	set := h.orch.Profiles()
	out := make([]map[string]any, 0)
	for _, name := range set.Names() {
		p, _ := set.Resolve(name)
		out = append(out, map[string]any{
			"name":   p.Name,
			"min_ms": p.Min.Milliseconds(),
			"max_ms": p.Max.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

// SystemLogs lists event log entries, newest first. The level defaults to
// INFO; "all" returns every level.
func (h *Handlers) SystemLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level := eventlog.LevelInfo
	if s := q.Get("level"); s != "" {
		l, ok := eventlog.ParseLevel(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown level " + strconv.Quote(s)})
			return
		}
		level = l
	}
	limit := defaultLogLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := h.deps.Events.List(r.Context(), level, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"total": len(entries),
	})
}

// Cleanup deletes terminal jobs older than ?days= (default 7) and event log
// entries older than twice that.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := defaultCleanupDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	res, err := h.deps.Sweeper.SweepOlderThan(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("cleanup requested", "days", days, "jobs", res.Jobs, "events", res.Events)
	writeJSON(w, http.StatusOK, map[string]any{
		"days":         days,
		"deleted_jobs": res.Jobs,
		"deleted_logs": res.Events,
	})
}

// writeError maps orchestrator errors onto status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	var ae *orchestrator.AdmissionError
	if errors.As(err, &ae) {
		body["reason"] = ae.Reason
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSpec):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateTarget):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "job not found"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		h.logger.Error("request failed", "error", err)
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
