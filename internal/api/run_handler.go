package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/repo"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?dag_id=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.RunFilter{
		DAGID: query.Get("dag_id"),
	}

	if s := query.Get("status"); s != "" {
		status, ok := domain.ParseRunStatus(s)
		if !ok {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	limit, ok := parseIntParam(query.Get("limit"), defaultListLimit)
	if !ok || limit <= 0 {
		BadRequest(w, "invalid limit")
		return
	}
	filter.Limit = min(limit, maxListLimit)

	offset, ok := parseIntParam(query.Get("offset"), 0)
	if !ok || offset < 0 {
		BadRequest(w, "invalid offset")
		return
	}
	filter.Offset = offset

	runs, err := h.runRepo.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	run.MarkCancelled()

	if err := h.runRepo.Update(r.Context(), run); err != nil {
		HandleRepoError(w, h.logger, err, "run not found")
		return
	}

	h.logger.Info("run cancelled", "run_id", run.ID, "dag_id", run.DAGID)

	Success(w, RunFromDomain(*run))
}

// ListRunTasks возвращает задачи run.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	// Проверяем, что run существует
	if _, err := h.runRepo.GetByID(r.Context(), id); HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	tasks, err := h.taskRepo.ListByRunID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// parseIntParam парсит query-параметр; пустая строка — defaultVal.
func parseIntParam(s string, defaultVal int) (int, bool) {
	if s == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
