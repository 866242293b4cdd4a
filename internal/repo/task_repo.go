package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/nbflow/internal/domain"
)

const taskColumns = `id, run_id, task_id, notebook, type, attempt, status, payload, outputs,
		       started_at, finished_at, error, created_at`

// TaskRepo — репозиторий для работы с tasks.
type TaskRepo struct {
	db DBTX
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(db DBTX) *TaskRepo {
	return &TaskRepo{db: db}
}

// Create создаёт новый task.
// Повторное создание задачи с тем же task_id в run — ErrAlreadyExists.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	payloadJSON, err := marshalJSON(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO tasks (id, run_id, task_id, notebook, type, attempt, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		task.ID,
		task.RunID,
		task.TaskID,
		task.Notebook,
		task.Type,
		task.Attempt,
		task.Status,
		payloadJSON,
		task.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s in run %s", ErrAlreadyExists, task.TaskID, task.RunID)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// ListByRunID возвращает все tasks run в порядке создания.
func (r *TaskRepo) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE run_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by run_id: %w", err)
	}
	return collectTasks(rows)
}

// ListQueued возвращает tasks в статусе QUEUED, старые первыми.
func (r *TaskRepo) ListQueued(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'QUEUED'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	return collectTasks(rows)
}

// Update обновляет состояние task.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	outputsJSON, err := marshalJSON(task.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	query := `
		UPDATE tasks
		SET attempt = $2, status = $3, outputs = $4,
		    started_at = $5, finished_at = $6, error = $7
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		task.ID,
		task.Attempt,
		task.Status,
		outputsJSON,
		task.StartedAt,
		task.FinishedAt,
		nullString(task.Error),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var payloadJSON, outputsJSON []byte
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.TaskID,
		&task.Notebook,
		&task.Type,
		&task.Attempt,
		&task.Status,
		&payloadJSON,
		&outputsJSON,
		&task.StartedAt,
		&task.FinishedAt,
		&taskError,
		&task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if task.Payload, err = unmarshalJSON(payloadJSON, "payload"); err != nil {
		return nil, err
	}
	if task.Outputs, err = unmarshalJSON(outputsJSON, "outputs"); err != nil {
		return nil, err
	}
	task.Error = derefString(taskError)

	return &task, nil
}
