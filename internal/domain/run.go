package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения DAG.
//
// Run создаётся когда:
// - Scheduler обнаружил, что подошло время по расписанию DAG
// - Пользователь запустил DAG вручную (через API/CLI)
//
// Каждый run выполняет объявление DAG, актуальное на момент старта,
// и имеет свой набор tasks.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// DAGID — идентификатор DAG, который выполняется.
	DAGID string `json:"dag_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// LogicalDate — момент расписания, за который выполняется run.
	// Для ручных запусков — время создания.
	LogicalDate time.Time `json:"logical_date"`

	// Conf — параметры, переданные при ручном запуске.
	// Доступны в шаблонах параметров notebook как {{ .Run.Conf.x }}.
	Conf map[string]any `json:"conf,omitempty"`

	// StartedAt — время начала выполнения (когда статус стал RUNNING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения (успешного или с ошибкой).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности для предотвращения дубликатов.
	// Для scheduled runs: "{dag_id}_{unix(logical_date)}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// ExternalTrigger — true, если run запущен вручную, а не scheduler'ом.
	ExternalTrigger bool `json:"external_trigger,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
}
