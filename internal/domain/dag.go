package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskTypeNotebook — единственный поддерживаемый тип задачи: запуск notebook.
const TaskTypeNotebook = "notebook"

// DAGSpec — снимок объявления DAG.
//
// DAGSpec строится пакетом dags из Go-кода пайплайна и является
// "программой" для orchestrator: какие notebooks запускать и в каком порядке.
type DAGSpec struct {
	// ID — уникальный идентификатор DAG
	// (например, "Data_Science_PeerScout_Recommend_Reviewing_Editors").
	ID string `json:"id"`

	// Description — описание назначения DAG.
	Description string `json:"description,omitempty"`

	// ScheduleInterval — cron-выражение или дескриптор ("@hourly", "@every 15m").
	// Строка не валидируется при объявлении: невалидное расписание
	// отклоняет scheduler.
	ScheduleInterval string `json:"schedule_interval"`

	// Tags — произвольные метки для фильтрации.
	Tags []string `json:"tags,omitempty"`

	// Tasks — задачи в порядке объявления.
	Tasks []TaskDef `json:"tasks"`
}

// TaskDef — определение одной задачи DAG.
type TaskDef struct {
	// ID — уникальный в пределах DAG идентификатор задачи.
	ID string `json:"id"`

	// Type — тип задачи: "notebook".
	Type string `json:"type"`

	// Owner — владелец задачи (из default args DAG).
	Owner string `json:"owner,omitempty"`

	// Notebook — путь к notebook относительно каталога notebooks.
	Notebook string `json:"notebook"`

	// Parameters — параметры notebook (значения могут быть Go templates).
	Parameters map[string]any `json:"parameters,omitempty"`

	// DependsOn — ID задач, которые должны завершиться до этой.
	DependsOn []string `json:"depends_on,omitempty"`

	// Retry — политика повторов.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут выполнения в секундах (0 — без таймаута).
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток, включая первую.
	MaxAttempts int `json:"max_attempts"`

	// Backoff — "fixed" или "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs — задержка перед первой повторной попыткой.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — верхняя граница задержки.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}

// Edge — ребро графа: From должен завершиться до To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FindTask возвращает определение задачи по ID или nil.
func (s *DAGSpec) FindTask(taskID string) *TaskDef {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}

// DAGState — состояние планирования DAG, которое хранит scheduler.
//
// Объявление DAG живёт в коде, а всё, что меняется во времени
// (пауза, следующий запуск, последний run), — в таблице dag_states.
type DAGState struct {
	// DAGID — идентификатор DAG.
	DAGID string `json:"dag_id"`

	// ScheduleInterval — расписание, по которому вычислен NextDueAt.
	// Если расписание в коде (или env) изменилось, NextDueAt пересчитывается.
	ScheduleInterval string `json:"schedule_interval"`

	// IsPaused — приостановленные DAG не запускаются по расписанию.
	IsPaused bool `json:"is_paused"`

	// NextDueAt — время следующего запуска (nil — запусков больше не будет).
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего созданного run.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastRunID — ID последнего созданного run.
	LastRunID *uuid.UUID `json:"last_run_id,omitempty"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue проверяет, пора ли запускать.
func (s *DAGState) IsDue(now time.Time) bool {
	if s.IsPaused || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
// nextDue == nil означает, что расписание исчерпано (@once).
func (s *DAGState) RecordRun(runID uuid.UUID, nextDue *time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastRunID = &runID
	s.NextDueAt = nextDue
	s.UpdatedAt = now
}
