package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/nbflow/internal/domain"
)

// Допустимые типы задач.
var validTaskTypes = map[string]bool{
	domain.TaskTypeNotebook: true,
}

// Validate выполняет полную валидацию DAGSpec.
//
// Проверяет:
// - Наличие ID и задач
// - Уникальность ID задач
// - Корректность типов задач и наличие notebook
// - Валидность зависимостей (depends_on)
// - Отсутствие циклов (делегируется BuildDAG)
//
// ScheduleInterval здесь не проверяется: расписание валидирует scheduler.
func Validate(spec *domain.DAGSpec) error {
	if spec == nil {
		return ErrEmptyTasks
	}

	if spec.ID == "" {
		return NewValidationError("", "id", "dag has empty ID", ErrEmptyDAGID)
	}

	if len(spec.Tasks) == 0 {
		return ErrEmptyTasks
	}

	taskIDs := make(map[string]bool, len(spec.Tasks))
	for i := range spec.Tasks {
		if err := ValidateTask(&spec.Tasks[i], taskIDs); err != nil {
			return err
		}
	}

	if err := validateDependencies(spec.Tasks, taskIDs); err != nil {
		return err
	}

	// Циклы обнаруживаются топологической сортировкой
	if _, err := BuildDAG(spec); err != nil {
		return err
	}

	return nil
}

// ValidateTask валидирует одну задачу.
// taskIDs — уже встреченные ID задач (для проверки уникальности).
func ValidateTask(task *domain.TaskDef, taskIDs map[string]bool) error {
	if task.ID == "" {
		return NewValidationError("", "id", "task has empty ID", ErrEmptyTaskID)
	}

	if taskIDs[task.ID] {
		return NewValidationError(task.ID, "id",
			fmt.Sprintf("duplicate task ID: %s", task.ID), ErrDuplicateTaskID)
	}
	taskIDs[task.ID] = true

	if task.Type == "" {
		return NewValidationError(task.ID, "type", "task has empty type", ErrUnknownTaskType)
	}
	if !validTaskTypes[task.Type] {
		return NewValidationError(task.ID, "type",
			fmt.Sprintf("unknown task type: %s", task.Type), ErrUnknownTaskType)
	}

	if task.Type == domain.TaskTypeNotebook && task.Notebook == "" {
		return NewValidationError(task.ID, "notebook", "task has empty notebook path", ErrEmptyNotebook)
	}

	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return NewValidationError(task.ID, "depends_on",
				"task depends on itself", ErrSelfDependency)
		}
	}

	return nil
}

// validateDependencies проверяет, что все depends_on ссылаются на существующие задачи.
func validateDependencies(tasks []domain.TaskDef, taskIDs map[string]bool) error {
	for i := range tasks {
		task := &tasks[i]
		for _, dep := range task.DependsOn {
			if !taskIDs[dep] {
				return NewValidationError(task.ID, "depends_on",
					fmt.Sprintf("depends on unknown task: %s", dep), ErrMissingDependency)
			}
		}
	}
	return nil
}

// IsValidTaskType проверяет, является ли тип задачи допустимым.
func IsValidTaskType(taskType string) bool {
	return validTaskTypes[taskType]
}

// GetValidTaskTypes возвращает отсортированный список допустимых типов задач.
func GetValidTaskTypes() []string {
	types := make([]string, 0, len(validTaskTypes))
	for t := range validTaskTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
