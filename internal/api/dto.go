package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/scheduler"
)

// DAG DTOs

// DAGResponse — DAG в списке: объявление из кода и состояние планирования.
type DAGResponse struct {
	ID               string     `json:"id"`
	Description      string     `json:"description,omitempty"`
	ScheduleInterval string     `json:"schedule_interval"`
	ScheduleValid    bool       `json:"schedule_valid"`
	Tags             []string   `json:"tags,omitempty"`
	TaskCount        int        `json:"task_count"`
	IsPaused         bool       `json:"is_paused"`
	NextDueAt        *time.Time `json:"next_due_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunID        *uuid.UUID `json:"last_run_id,omitempty"`
}

// DAGDetailResponse — DAG с задачами и рёбрами графа.
type DAGDetailResponse struct {
	DAGResponse
	Tasks []domain.TaskDef `json:"tasks"`
	Edges []domain.Edge    `json:"edges"`
}

// DAGFromDomain собирает DAGResponse. state может быть nil:
// scheduler ещё не видел этот DAG.
func DAGFromDomain(spec domain.DAGSpec, state *domain.DAGState) DAGResponse {
	resp := DAGResponse{
		ID:               spec.ID,
		Description:      spec.Description,
		ScheduleInterval: spec.ScheduleInterval,
		ScheduleValid:    scheduler.ValidateSchedule(spec.ScheduleInterval) == nil,
		Tags:             spec.Tags,
		TaskCount:        len(spec.Tasks),
	}
	if state != nil {
		resp.IsPaused = state.IsPaused
		resp.NextDueAt = state.NextDueAt
		resp.LastRunAt = state.LastRunAt
		resp.LastRunID = state.LastRunID
	}
	return resp
}

// TriggerRunRequest — запрос на ручной запуск DAG.
type TriggerRunRequest struct {
	Conf           map[string]any `json:"conf,omitempty"`
	LogicalDate    *time.Time     `json:"logical_date,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// SetPausedRequest — запрос на паузу/снятие паузы.
type SetPausedRequest struct {
	IsPaused bool `json:"is_paused"`
}

// Run DTOs

// RunResponse — ответ с run.
type RunResponse struct {
	ID              uuid.UUID      `json:"id"`
	DAGID           string         `json:"dag_id"`
	Status          string         `json:"status"`
	LogicalDate     time.Time      `json:"logical_date"`
	Conf            map[string]any `json:"conf,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Error           string         `json:"error,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	ExternalTrigger bool           `json:"external_trigger"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:              r.ID,
		DAGID:           r.DAGID,
		Status:          string(r.Status),
		LogicalDate:     r.LogicalDate,
		Conf:            r.Conf,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Error:           r.Error,
		IdempotencyKey:  r.IdempotencyKey,
		ExternalTrigger: r.ExternalTrigger,
		CreatedAt:       r.CreatedAt,
	}
}

// Task DTOs

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Notebook   string         `json:"notebook"`
	Type       string         `json:"type"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:         t.ID,
		RunID:      t.RunID,
		TaskID:     t.TaskID,
		Notebook:   t.Notebook,
		Type:       t.Type,
		Attempt:    t.Attempt,
		Status:     string(t.Status),
		Payload:    t.Payload,
		Outputs:    t.Outputs,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
	}
}
