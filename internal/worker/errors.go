package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — task не найден в БД.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotQueued — task не в статусе QUEUED.
	ErrTaskNotQueued = errors.New("task is not in QUEUED status")

	// ErrUnknownTaskType — нет executor'а для данного типа задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrExecutionTimeout — выполнение task превысило таймаут.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrExecutionFailed — выполнение task завершилось ошибкой.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrEmptyRunner — команда запуска notebook не задана.
	ErrEmptyRunner = errors.New("notebook runner command is empty")

	// ErrMissingNotebook — в payload нет пути к notebook.
	ErrMissingNotebook = errors.New("payload has no notebook")
)
