package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/engine"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// handleRunPending обрабатывает событие о новом pending run.
func (o *Orchestrator) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID, "dag_id", payload.DAGID)

	if o.isRunActive(payload.RunID) {
		o.logger.Debug("run already active, skipping", "run_id", payload.RunID)
		return nil
	}

	if err := o.processRun(ctx, payload.RunID); err != nil {
		switch {
		case errors.Is(err, ErrRunNotPending), errors.Is(err, ErrRunAlreadyActive),
			errors.Is(err, ErrRunFailedEarly), errors.Is(err, ErrRunNotFound):
			o.logger.Debug("run not processed", "run_id", payload.RunID, "reason", err)
			return nil
		}
		o.logger.Error("failed to process run", "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}

// handleTaskCompleted обрабатывает событие о завершённом task.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskCompletedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse task.completed payload", "error", err)
		return err
	}

	o.logger.Debug("received task.completed event",
		"id", payload.TaskID,
		"run_id", payload.RunID,
		"task_id", payload.DAGTaskID,
		"status", payload.Status,
	)

	if err := o.processTaskCompleted(ctx, payload); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			o.logger.Warn("completed task not found", "id", payload.TaskID)
			return nil
		}
		o.logger.Error("failed to process task completion",
			"id", payload.TaskID,
			"run_id", payload.RunID,
			"error", err,
		)
		return err
	}
	return nil
}

// processRun запускает pending run.
func (o *Orchestrator) processRun(ctx context.Context, runID uuid.UUID) error {
	run, err := o.runRepo.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("get run: %w", err)
	}

	if run.Status != domain.RunStatusPending {
		return ErrRunNotPending
	}

	// DAG берётся из кода: run выполняет объявление, актуальное на момент старта
	spec, err := o.dags.Spec(run.DAGID)
	if err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("dag not found: %s", run.DAGID))
	}

	state := NewRunState(run, spec)
	if err := state.Initialize(o.env); err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("initialization failed: %v", err))
	}

	if err := o.addActiveRun(state); err != nil {
		return err
	}

	run.MarkRunning()
	if err := o.runRepo.Update(ctx, run); err != nil {
		o.removeActiveRun(runID)
		return fmt.Errorf("update run to running: %w", err)
	}

	o.logger.Info("run started",
		"run_id", runID,
		"dag_id", run.DAGID,
		"logical_date", run.LogicalDate,
		"tasks", state.DAG.Size(),
	)

	state.advance.Lock()
	defer state.advance.Unlock()
	return o.advance(ctx, state)
}

// processTaskCompleted обрабатывает завершение task.
func (o *Orchestrator) processTaskCompleted(ctx context.Context, payload mq.TaskCompletedPayload) error {
	state, err := o.loadRunState(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if state == nil {
		o.logger.Debug("run not active and cannot restore", "run_id", payload.RunID)
		return nil
	}

	state.advance.Lock()
	defer state.advance.Unlock()

	if finished, err := o.dropIfFinished(ctx, state); err != nil || finished {
		return err
	}

	// Статус берём из БД: событие может быть устаревшим
	task, err := o.taskRepo.GetByID(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, payload.TaskID)
		}
		return fmt.Errorf("get task: %w", err)
	}

	o.applyTask(state, task)
	return o.advance(ctx, state)
}

// syncRun сверяет состояние running run с task rows.
func (o *Orchestrator) syncRun(ctx context.Context, runID uuid.UUID) error {
	state, err := o.loadRunState(ctx, runID)
	if err != nil || state == nil {
		return err
	}

	state.advance.Lock()
	defer state.advance.Unlock()

	if finished, err := o.dropIfFinished(ctx, state); err != nil || finished {
		return err
	}

	tasks, err := o.taskRepo.ListByRunID(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for i := range tasks {
		o.applyTask(state, &tasks[i])
	}
	return o.advance(ctx, state)
}

// loadRunState возвращает активный RunState или восстанавливает его из БД.
// nil без ошибки — run завершён или не существует.
func (o *Orchestrator) loadRunState(ctx context.Context, runID uuid.UUID) (*RunState, error) {
	if state := o.getActiveRun(runID); state != nil {
		return state, nil
	}

	state, err := o.restoreRunState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("restore run state: %w", err)
	}
	return state, nil
}

// dropIfFinished удаляет из памяти run, завершённый вне оркестратора
// (например, отменённый через API).
func (o *Orchestrator) dropIfFinished(ctx context.Context, state *RunState) (bool, error) {
	run, err := o.runRepo.GetByID(ctx, state.RunID())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.removeActiveRun(state.RunID())
			return true, nil
		}
		return false, fmt.Errorf("get run: %w", err)
	}

	if !run.IsFinished() {
		return false, nil
	}

	o.removeActiveRun(state.RunID())
	if run.Status == domain.RunStatusCancelled {
		o.logger.Info("run cancelled, dropping state",
			"run_id", run.ID,
			"dag_id", run.DAGID,
		)
	}
	return true, nil
}

// applyTask переносит итог task row в состояние run.
func (o *Orchestrator) applyTask(state *RunState, task *domain.Task) {
	if !task.IsFinished() || state.IsTaskFinished(task.TaskID) {
		return
	}
	if state.Spec.FindTask(task.TaskID) == nil {
		o.logger.Warn("task is not declared in dag",
			"run_id", state.RunID(),
			"task_id", task.TaskID,
			"error", ErrTaskNotInDAG,
		)
		return
	}

	if task.Status == domain.TaskStatusSucceeded {
		state.MarkTaskCompleted(task.TaskID, task.Outputs)
		o.logger.Debug("task completed",
			"run_id", state.RunID(),
			"task_id", task.TaskID,
		)
		return
	}

	state.MarkTaskFailed(task.TaskID, task.Error)
	o.logger.Warn("task failed",
		"run_id", state.RunID(),
		"task_id", task.TaskID,
		"attempt", task.Attempt,
		"error", task.Error,
	)
}

// advance запускает готовые задачи и финализирует run, если это возможно.
// Вызывается под state.advance.
func (o *Orchestrator) advance(ctx context.Context, state *RunState) error {
	if !state.HasFailed() && !state.IsComplete() {
		o.dispatchReadyTasks(ctx, state)
	}

	switch {
	case state.HasFailed():
		// Упавшая задача завершает run, не дожидаясь остальных
		return o.completeRun(ctx, state, false)
	case state.IsComplete():
		return o.completeRun(ctx, state, true)
	}
	return nil
}

// dispatchReadyTasks создаёт tasks для готовых задач и публикует их.
func (o *Orchestrator) dispatchReadyTasks(ctx context.Context, state *RunState) {
	ready := state.GetReadyTasks()
	if len(ready) == 0 {
		return
	}

	o.logger.Debug("dispatching ready tasks",
		"run_id", state.RunID(),
		"count", len(ready),
	)

	for _, node := range ready {
		err := o.dispatchTask(ctx, state, node)
		if err == nil {
			continue
		}

		// Ошибка шаблона не исправится повтором
		if errors.Is(err, engine.ErrTemplateParse) || errors.Is(err, engine.ErrTemplateRender) {
			state.MarkTaskFailed(node.ID, err.Error())
		}
		o.logger.Error("failed to dispatch task",
			"run_id", state.RunID(),
			"task_id", node.ID,
			"error", err,
		)
	}
}

// dispatchTask рендерит параметры, создаёт task row и публикует task.ready.
func (o *Orchestrator) dispatchTask(ctx context.Context, state *RunState, node *engine.Node) error {
	def := node.Task
	if def == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotInDAG, node.ID)
	}

	params, err := engine.RenderParameters(def.Parameters, state.Context)
	if err != nil {
		return fmt.Errorf("render parameters for %s: %w", node.ID, err)
	}

	payload := map[string]any{
		"dag_id":     state.DAGID(),
		"notebook":   def.Notebook,
		"parameters": params,
	}
	if def.TimeoutSec > 0 {
		payload["timeout_sec"] = def.TimeoutSec
	}

	task := &domain.Task{
		ID:        uuid.New(),
		RunID:     state.RunID(),
		TaskID:    def.ID,
		Notebook:  def.Notebook,
		Type:      def.Type,
		Attempt:   0,
		Status:    domain.TaskStatusQueued,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	if err := o.taskRepo.Create(ctx, task); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Task уже создан другим обработчиком — ждём его завершения
			state.MarkTaskRunning(def.ID, nil)
			return nil
		}
		return fmt.Errorf("create task: %w", err)
	}

	state.MarkTaskRunning(def.ID, task)

	if o.publisher != nil {
		if err := o.publisher.PublishTaskReady(ctx, task.ID, task.RunID); err != nil {
			// Task создан в БД — worker заберёт его через polling
			o.logger.Warn("failed to publish task.ready",
				"id", task.ID,
				"run_id", state.RunID(),
				"error", err,
			)
		}
	}

	o.logger.Debug("task dispatched",
		"id", task.ID,
		"run_id", state.RunID(),
		"task_id", def.ID,
		"notebook", def.Notebook,
	)
	return nil
}

// completeRun завершает run (успешно или с ошибкой).
func (o *Orchestrator) completeRun(ctx context.Context, state *RunState, success bool) error {
	run := state.Run

	if success {
		run.MarkSucceeded()
		o.logger.Info("run succeeded",
			"run_id", run.ID,
			"dag_id", run.DAGID,
			"duration", run.Duration(),
		)
	} else {
		run.MarkFailed(state.FailureMessage())
		o.logger.Warn("run failed",
			"run_id", run.ID,
			"dag_id", run.DAGID,
			"failed_tasks", state.GetFailedTasks(),
			"duration", run.Duration(),
		)
	}

	if err := o.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	telemetry.RunsFinished.WithLabelValues(run.DAGID, string(run.Status)).Inc()

	o.removeActiveRun(run.ID)
	return nil
}

// failRun переводит run в статус FAILED до запуска задач.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.Run, errMsg string) error {
	run.MarkFailed(errMsg)

	if err := o.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("update run to failed: %w", err)
	}
	telemetry.RunsFinished.WithLabelValues(run.DAGID, string(run.Status)).Inc()

	o.logger.Warn("run failed early",
		"run_id", run.ID,
		"dag_id", run.DAGID,
		"error", errMsg,
	)
	return fmt.Errorf("%w: %s", ErrRunFailedEarly, errMsg)
}

// restoreRunState восстанавливает RunState из БД.
// Используется когда событие приходит для run, которого нет в памяти
// (после рестарта Orchestrator).
func (o *Orchestrator) restoreRunState(ctx context.Context, runID uuid.UUID) (*RunState, error) {
	run, err := o.runRepo.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	// PENDING запускает processRun, завершённые не восстанавливаем
	if run.Status != domain.RunStatusRunning {
		return nil, nil
	}

	spec, err := o.dags.Spec(run.DAGID)
	if err != nil {
		return nil, o.ignoreEarlyFailure(o.failRun(ctx, run, fmt.Sprintf("dag not found: %s", run.DAGID)))
	}

	state := NewRunState(run, spec)
	if err := state.Initialize(o.env); err != nil {
		return nil, o.ignoreEarlyFailure(o.failRun(ctx, run, fmt.Sprintf("initialization failed: %v", err)))
	}

	tasks, err := o.taskRepo.ListByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	state.RestoreFromTasks(tasks)

	if err := o.addActiveRun(state); err != nil {
		if errors.Is(err, ErrRunAlreadyActive) {
			// Кто-то уже восстановил — возвращаем его
			return o.getActiveRun(runID), nil
		}
		return nil, err
	}

	o.logger.Info("run state restored",
		"run_id", runID,
		"dag_id", run.DAGID,
		"stats", state.Stats(),
	)
	return state, nil
}

// ignoreEarlyFailure скрывает ErrRunFailedEarly: run уже переведён в FAILED.
func (o *Orchestrator) ignoreEarlyFailure(err error) error {
	if errors.Is(err, ErrRunFailedEarly) {
		return nil
	}
	return err
}
