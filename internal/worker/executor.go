package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/nbflow/internal/domain"
)

// Executor выполняет задачу определённого типа.
//
// task.Payload содержит отрендеренную конфигурацию задачи.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (*ExecutionResult, error)
}

// ExecutionResult — результат выполнения task.
type ExecutionResult struct {
	// Outputs — выходные данные выполнения.
	Outputs map[string]any

	// Error — логическая ошибка выполнения (notebook упал).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по типу задачи.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// NewNotebookRegistry создаёт реестр с NotebookExecutor для типа "notebook".
func NewNotebookRegistry(notebooks *NotebookExecutor) *Registry {
	r := NewRegistry()
	r.Register(domain.TaskTypeNotebook, notebooks)
	return r
}

// Register добавляет executor для типа задачи.
func (r *Registry) Register(taskType string, executor Executor) {
	r.executors[taskType] = executor
}

// Get возвращает executor для типа задачи.
func (r *Registry) Get(taskType string) (Executor, error) {
	executor, ok := r.executors[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return executor, nil
}
