package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// Значения политики повторов по умолчанию.
const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = time.Hour
)

// handleTaskReady обрабатывает событие из tasks.ready.
func (w *Worker) handleTaskReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse task.ready payload", "error", err)
		return err
	}

	if err := w.processTask(ctx, payload.TaskID); err != nil {
		// Задачу уже взял другой воркер или она удалена — ack
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTaskNotQueued) {
			w.logger.Debug("task not processed", "id", payload.TaskID, "reason", err)
			return nil
		}
		return err
	}
	return nil
}

// processTask загружает task, выполняет его и публикует результат.
func (w *Worker) processTask(ctx context.Context, id uuid.UUID) error {
	task, err := w.taskRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return fmt.Errorf("get task: %w", err)
	}

	if task.Status != domain.TaskStatusQueued {
		return ErrTaskNotQueued
	}

	task.MarkRunning()
	if err := w.taskRepo.Update(ctx, task); err != nil {
		return fmt.Errorf("update task to running: %w", err)
	}

	logger := telemetry.WithTaskID(telemetry.WithRunID(w.logger, task.RunID.String()), task.TaskID)
	logger.Info("task started",
		"notebook", task.Notebook,
		"attempt", task.Attempt,
	)

	policy := w.getRetryPolicy(ctx, task)

	start := time.Now()
	result, execErr := w.executeWithRetry(ctx, task, policy)
	telemetry.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	// Воркер остановлен посреди выполнения: задача вернётся в очередь
	if execErr != nil && ctx.Err() != nil {
		task.ResetForRetry()
		if err := w.taskRepo.Update(context.WithoutCancel(ctx), task); err != nil {
			return fmt.Errorf("requeue interrupted task: %w", err)
		}
		return ctx.Err()
	}

	if execErr == nil && result != nil && result.Error == "" {
		task.MarkSucceeded(result.Outputs)
		if err := w.taskRepo.Update(ctx, task); err != nil {
			return fmt.Errorf("update task to succeeded: %w", err)
		}
		telemetry.TasksExecuted.WithLabelValues(task.Type, string(task.Status)).Inc()

		logger.Info("task succeeded", "attempt", task.Attempt)
		return w.publishCompletion(ctx, task, "")
	}

	errMsg := result.errorText(execErr)
	task.MarkFailed(errMsg)
	if result != nil && result.Outputs != nil {
		task.Outputs = result.Outputs
	}
	if err := w.taskRepo.Update(ctx, task); err != nil {
		return fmt.Errorf("update task to failed: %w", err)
	}
	telemetry.TasksExecuted.WithLabelValues(task.Type, string(task.Status)).Inc()

	logger.Warn("task failed",
		"attempt", task.Attempt,
		"error", errMsg,
	)
	return w.publishCompletion(ctx, task, errMsg)
}

// errorText возвращает текст ошибки выполнения.
func (r *ExecutionResult) errorText(execErr error) string {
	if execErr != nil {
		return execErr.Error()
	}
	if r == nil {
		return "executor returned no result"
	}
	return r.Error
}

// publishCompletion публикует task.completed.
// Ошибка публикации не фатальна: orchestrator подхватит задачу polling'ом.
func (w *Worker) publishCompletion(ctx context.Context, task *domain.Task, errMsg string) error {
	if w.publisher == nil {
		return nil
	}

	payload := mq.TaskCompletedPayload{
		TaskID:    task.ID,
		RunID:     task.RunID,
		DAGTaskID: task.TaskID,
		Status:    string(task.Status),
		Error:     errMsg,
		Attempt:   task.Attempt,
	}

	if err := w.publisher.PublishTaskCompleted(ctx, payload); err != nil {
		w.logger.Warn("failed to publish task.completed",
			"id", task.ID,
			"error", err,
		)
	}
	return nil
}

// errLogicalFailure — сигнал go-retry о логической ошибке попытки.
var errLogicalFailure = errors.New("logical failure")

// executeWithRetry выполняет task, повторяя неудачные попытки по policy.
// Возвращает результат и ошибку последней попытки.
func (w *Worker) executeWithRetry(ctx context.Context, task *domain.Task, policy *domain.RetryPolicy) (*ExecutionResult, error) {
	executor, err := w.registry.Get(task.Type)
	if err != nil {
		return nil, err
	}

	var lastResult *ExecutionResult
	var lastErr, updateErr error
	first := true

	err = retry.Do(ctx, NewBackoff(policy), func(ctx context.Context) error {
		if !first {
			task.ResetForRetry()
			task.MarkRunning()
			if err := w.taskRepo.Update(ctx, task); err != nil {
				// Без записи попытки повторять нельзя
				updateErr = fmt.Errorf("update task for retry: %w", err)
				return updateErr
			}
			w.logger.Info("retrying task",
				"run_id", task.RunID,
				"task_id", task.TaskID,
				"attempt", task.Attempt,
			)
		}
		first = false

		lastResult, lastErr = executor.Execute(ctx, task)
		if lastErr != nil {
			return retry.RetryableError(lastErr)
		}
		if lastResult == nil || lastResult.Error != "" {
			return retry.RetryableError(errLogicalFailure)
		}
		return nil
	})

	switch {
	case updateErr != nil:
		return lastResult, updateErr
	case err != nil && ctx.Err() != nil:
		return lastResult, ctx.Err()
	default:
		return lastResult, lastErr
	}
}

// NewBackoff строит backoff go-retry из политики задачи.
//
// MaxAttempts включает первую попытку; InitialDelayMs и MaxDelayMs
// по умолчанию 1s и 1h. Без политики — одна попытка.
func NewBackoff(policy *domain.RetryPolicy) retry.Backoff {
	if policy == nil || policy.MaxAttempts <= 1 {
		return retry.WithMaxRetries(0, retry.NewConstant(defaultRetryDelay))
	}

	initial := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initial <= 0 {
		initial = defaultRetryDelay
	}
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}

	var b retry.Backoff
	switch policy.Backoff {
	case "exponential":
		b = retry.WithCappedDuration(maxDelay, retry.NewExponential(initial))
	default:
		b = retry.NewConstant(initial)
	}
	return retry.WithMaxRetries(uint64(policy.MaxAttempts-1), b)
}

// getRetryPolicy находит политику повторов задачи в объявлении DAG.
func (w *Worker) getRetryPolicy(ctx context.Context, task *domain.Task) *domain.RetryPolicy {
	if w.dags == nil || w.runRepo == nil {
		return nil
	}

	run, err := w.runRepo.GetByID(ctx, task.RunID)
	if err != nil {
		w.logger.Debug("failed to load run for retry policy", "run_id", task.RunID, "error", err)
		return nil
	}

	spec, err := w.dags.Spec(run.DAGID)
	if err != nil {
		w.logger.Warn("dag not found for retry policy", "dag_id", run.DAGID, "error", err)
		return nil
	}

	if def := spec.FindTask(task.TaskID); def != nil {
		return def.Retry
	}
	return nil
}
