package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/service"
)

const defaultHistoryLimit = 20

// Handlers bundles the HTTP handlers for the orchestrator API.
type Handlers struct {
	registry *service.Registry
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(registry *service.Registry, logger *slog.Logger) *Handlers {
	return &Handlers{registry: registry, logger: logger}
}

// Health reports service liveness and the number of active runs.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"live_runs": h.registry.LiveRuns(),
	})
}

// ListAgents returns the persona catalog for client display.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": h.registry.Personas(),
	})
}

// StartTest starts a new test run.
func (h *Handlers) StartTest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[testrun.StartRequest](w, r)
	if !ok {
		return
	}

	run, err := h.registry.StartRun(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "could not start test run")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetTest returns the current state of a run, live or stored.
func (h *Handlers) GetTest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	run, err := h.registry.GetResult(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "test run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelTest requests cooperative cancellation of a run.
func (h *Handlers) CancelTest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.registry.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "test run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// ListTests returns a user's run history, newest first.
func (h *Handlers) ListTests(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	runs, err := h.registry.ListRuns(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err, "could not list test runs")
		return
	}
	if runs == nil {
		runs = []testrun.TestRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tests": runs})
}

// ListTestBugs returns the run's bugs across all personas, sorted by
// severity, optionally filtered to one severity.
func (h *Handlers) ListTestBugs(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	run, err := h.registry.GetResult(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "test run not found")
		return
	}

	results := make([]*testrun.AgentResult, 0, len(run.Results))
	for _, p := range run.Personas {
		if res, ok := run.Results[p]; ok {
			results = append(results, res)
		}
	}
	bugs := testrun.AllBugs(results)
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev := testrun.Severity(raw)
		if !sev.Valid() {
			writeError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(raw))
			return
		}
		filtered := bugs[:0]
		for _, b := range bugs {
			if b.Severity == sev {
				filtered = append(filtered, b)
			}
		}
		bugs = filtered
	}
	if bugs == nil {
		bugs = []testrun.Bug{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "bugs": bugs})
}

// GetUsage reports the user's quota standing.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := urlParam(r, "userID")
	rec, err := h.registry.CheckUsage(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "could not read usage")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
