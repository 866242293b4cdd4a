package engine

import "errors"

// Ошибки валидации DAGSpec.
var (
	// ErrEmptyDAGID — DAG не имеет ID.
	ErrEmptyDAGID = errors.New("dag has empty ID")

	// ErrEmptyTasks — DAG не содержит задач.
	ErrEmptyTasks = errors.New("dag has no tasks")

	// ErrEmptyTaskID — задача не имеет ID.
	ErrEmptyTaskID = errors.New("task has empty ID")

	// ErrDuplicateTaskID — несколько задач с одинаковым ID.
	ErrDuplicateTaskID = errors.New("duplicate task ID")

	// ErrUnknownTaskType — неизвестный тип задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrEmptyNotebook — notebook-задача без пути к notebook.
	ErrEmptyNotebook = errors.New("task has empty notebook path")

	// ErrMissingDependency — задача зависит от несуществующей задачи.
	ErrMissingDependency = errors.New("task depends on unknown task")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — задача зависит от самой себя.
	ErrSelfDependency = errors.New("task depends on itself")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	TaskID  string // ID задачи, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return "task " + e.TaskID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(taskID, field, message string, err error) *ValidationError {
	return &ValidationError{
		TaskID:  taskID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
