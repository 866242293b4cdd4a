package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/engine"
)

// RunState — состояние выполнения одного run в памяти.
//
// RunState создаётся когда Orchestrator начинает обработку run
// и удаляется когда run завершается (SUCCEEDED/FAILED/CANCELLED).
type RunState struct {
	// Run — данные run из БД.
	Run *domain.Run

	// Spec — объявление DAG на момент старта run.
	Spec domain.DAGSpec

	// DAG — граф зависимостей задач.
	DAG *engine.DAG

	// Context — контекст для рендеринга параметров notebook.
	Context *engine.Context

	completed map[string]bool
	running   map[string]bool
	failed    map[string]string // taskID → ошибка

	// tasks — созданные task rows (taskID → Task).
	tasks map[string]*domain.Task

	mu sync.RWMutex

	// advance сериализует обработку событий одного run.
	advance sync.Mutex
}

// NewRunState создаёт новый RunState.
func NewRunState(run *domain.Run, spec domain.DAGSpec) *RunState {
	return &RunState{
		Run:       run,
		Spec:      spec,
		completed: make(map[string]bool),
		running:   make(map[string]bool),
		failed:    make(map[string]string),
		tasks:     make(map[string]*domain.Task),
	}
}

// Initialize валидирует DAG, строит граф и создаёт контекст шаблонов.
// env попадает в шаблоны как {{ .Env.KEY }}.
func (s *RunState) Initialize(env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := engine.Validate(&s.Spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDAG, err)
	}

	dag, err := engine.BuildDAG(&s.Spec)
	if err != nil {
		return fmt.Errorf("build dag: %w", err)
	}
	s.DAG = dag

	s.Context = engine.NewContext(s.Spec.ID, s.Run.ID.String(), s.Run.LogicalDate, s.Run.Conf)
	for k, v := range env {
		s.Context.SetEnv(k, v)
	}
	return nil
}

// GetReadyTasks возвращает узлы, готовые к запуску.
func (s *RunState) GetReadyTasks() []*engine.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Упавшие задачи не должны запускаться повторно
	done := maps.Clone(s.completed)
	for id := range s.failed {
		done[id] = true
	}
	return s.DAG.GetReadyNodes(done, s.running)
}

// MarkTaskRunning помечает задачу как запущенную.
func (s *RunState) MarkTaskRunning(taskID string, task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running[taskID] = true
	if task != nil {
		s.tasks[taskID] = task
	}
}

// MarkTaskCompleted помечает задачу как успешно завершённую
// и делает её outputs доступными downstream задачам.
func (s *RunState) MarkTaskCompleted(taskID string, outputs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, taskID)
	s.completed[taskID] = true
	s.Context.AddTaskResult(taskID, outputs, string(domain.TaskStatusSucceeded))
}

// MarkTaskFailed помечает задачу как упавшую.
func (s *RunState) MarkTaskFailed(taskID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, taskID)
	s.failed[taskID] = errMsg
	s.Context.AddTaskResult(taskID, nil, string(domain.TaskStatusFailed))
}

// IsTaskRunning проверяет, запущена ли задача.
func (s *RunState) IsTaskRunning(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[taskID]
}

// IsTaskFinished проверяет, известен ли итог задачи.
func (s *RunState) IsTaskFinished(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, failed := s.failed[taskID]
	return s.completed[taskID] || failed
}

// GetTask возвращает task row задачи.
func (s *RunState) GetTask(taskID string) *domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID]
}

// IsComplete проверяет, все ли задачи завершены (успешно или с ошибкой).
func (s *RunState) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := range s.DAG.Nodes {
		if _, failed := s.failed[id]; !s.completed[id] && !failed {
			return false
		}
	}
	return true
}

// HasFailed проверяет, есть ли упавшие задачи.
func (s *RunState) HasFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failed) > 0
}

// GetFailedTasks возвращает отсортированный список упавших задач.
func (s *RunState) GetFailedTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.failed))
}

// FailureMessage возвращает текст ошибки run по упавшим задачам.
func (s *RunState) FailureMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.failed))
	if len(ids) == 1 {
		return fmt.Sprintf("task %s failed: %s", ids[0], s.failed[ids[0]])
	}
	return fmt.Sprintf("tasks failed: %v", ids)
}

// RunID возвращает ID run.
func (s *RunState) RunID() uuid.UUID {
	return s.Run.ID
}

// DAGID возвращает ID DAG.
func (s *RunState) DAGID() string {
	return s.Run.DAGID
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.DAG.Size()
	return RunStats{
		TotalTasks:     total,
		CompletedTasks: len(s.completed),
		RunningTasks:   len(s.running),
		FailedTasks:    len(s.failed),
		PendingTasks:   total - len(s.completed) - len(s.running) - len(s.failed),
	}
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalTasks     int
	CompletedTasks int
	RunningTasks   int
	FailedTasks    int
	PendingTasks   int
}

// RestoreFromTasks восстанавливает состояние из task rows (после рестарта).
func (s *RunState) RestoreFromTasks(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tasks {
		task := &tasks[i]
		s.tasks[task.TaskID] = task

		switch task.Status {
		case domain.TaskStatusSucceeded:
			s.completed[task.TaskID] = true
			s.Context.AddTaskResult(task.TaskID, task.Outputs, string(domain.TaskStatusSucceeded))

		case domain.TaskStatusFailed:
			s.failed[task.TaskID] = task.Error
			s.Context.AddTaskResult(task.TaskID, nil, string(domain.TaskStatusFailed))

		case domain.TaskStatusRunning, domain.TaskStatusQueued:
			// Task уже создан — его выполнит worker
			s.running[task.TaskID] = true
		}
	}
}
