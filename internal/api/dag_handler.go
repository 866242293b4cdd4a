package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/engine"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// ListDAGs возвращает объявленные DAG с их состоянием.
// GET /api/v1/dags?tag=...
func (h *Handler) ListDAGs(w http.ResponseWriter, r *http.Request) {
	states, err := h.stateRepo.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	byID := make(map[string]*domain.DAGState, len(states))
	for i := range states {
		byID[states[i].DAGID] = &states[i]
	}

	tag := r.URL.Query().Get("tag")
	result := make([]DAGResponse, 0)
	for _, spec := range h.dags.List() {
		if tag != "" && !slices.Contains(spec.Tags, tag) {
			continue
		}
		result = append(result, DAGFromDomain(spec, byID[spec.ID]))
	}

	List(w, result, len(result))
}

// GetDAG возвращает DAG с задачами и рёбрами.
// GET /api/v1/dags/{id}
func (h *Handler) GetDAG(w http.ResponseWriter, r *http.Request) {
	spec, err := h.dags.Spec(r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "dag not found") {
		return
	}

	state, err := h.dagState(r, spec.ID)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	graph, err := engine.BuildDAG(&spec)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Success(w, DAGDetailResponse{
		DAGResponse: DAGFromDomain(spec, state),
		Tasks:       spec.Tasks,
		Edges:       graph.Edges(),
	})
}

// TriggerDAG создаёт ручной run DAG.
// POST /api/v1/dags/{id}/runs
func (h *Handler) TriggerDAG(w http.ResponseWriter, r *http.Request) {
	spec, err := h.dags.Spec(r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "dag not found") {
		return
	}

	// Пустое тело — запуск без conf
	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	if req.IdempotencyKey != "" {
		existing, err := h.runRepo.GetByIdempotencyKey(r.Context(), spec.ID, req.IdempotencyKey)
		if err == nil {
			Success(w, RunFromDomain(*existing))
			return
		}
		if !errors.Is(err, repo.ErrNotFound) {
			InternalError(w, h.logger, err)
			return
		}
	}

	now := h.now().UTC()
	logicalDate := now
	if req.LogicalDate != nil {
		logicalDate = req.LogicalDate.UTC()
	}

	run := &domain.Run{
		ID:              uuid.New(),
		DAGID:           spec.ID,
		Status:          domain.RunStatusPending,
		LogicalDate:     logicalDate,
		Conf:            req.Conf,
		IdempotencyKey:  req.IdempotencyKey,
		ExternalTrigger: true,
		CreatedAt:       now,
	}

	if err := h.runRepo.Create(r.Context(), run); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
			// Параллельный запрос с тем же ключом успел раньше
			existing, getErr := h.runRepo.GetByIdempotencyKey(r.Context(), spec.ID, req.IdempotencyKey)
			if HandleRepoError(w, h.logger, getErr, "run not found") {
				return
			}
			Success(w, RunFromDomain(*existing))
			return
		}
		HandleRepoError(w, h.logger, err, "")
		return
	}
	telemetry.RunsCreated.WithLabelValues(spec.ID, "manual").Inc()

	h.logger.Info("run triggered",
		"run_id", run.ID,
		"dag_id", spec.ID,
		"logical_date", run.LogicalDate,
	)

	if h.publisher != nil {
		if err := h.publisher.PublishRunPending(r.Context(), run.ID, spec.ID); err != nil {
			h.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
		}
	}

	Created(w, RunFromDomain(*run))
}

// SetDAGPaused ставит DAG на паузу или снимает с паузы.
// PUT /api/v1/dags/{id}/paused
func (h *Handler) SetDAGPaused(w http.ResponseWriter, r *http.Request) {
	spec, err := h.dags.Spec(r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "dag not found") {
		return
	}

	var req SetPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.stateRepo.SetPaused(r.Context(), spec.ID, req.IsPaused); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("dag paused state changed", "dag_id", spec.ID, "is_paused", req.IsPaused)

	// Возвращаем обновлённое состояние
	state, err := h.dagState(r, spec.ID)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Success(w, DAGFromDomain(spec, state))
}

// dagState возвращает состояние DAG или nil, если scheduler его ещё не видел.
func (h *Handler) dagState(r *http.Request, dagID string) (*domain.DAGState, error) {
	state, err := h.stateRepo.Get(r.Context(), dagID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return state, err
}
