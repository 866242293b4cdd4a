package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidDAG — объявление DAG не прошло валидацию.
	ErrInvalidDAG = errors.New("invalid dag")

	// ErrRunAlreadyActive — run уже обрабатывается.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotPending — run не в статусе PENDING.
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrRunFailedEarly — run завершён с FAILED до запуска задач
	// (DAG не найден или невалиден).
	ErrRunFailedEarly = errors.New("run failed before dispatch")

	// ErrTaskNotFound — task не найден.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotInDAG — задача отсутствует в объявлении DAG.
	ErrTaskNotInDAG = errors.New("task not found in dag")
)
