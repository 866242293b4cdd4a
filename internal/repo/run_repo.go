package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/nbflow/internal/domain"
)

const runColumns = `id, dag_id, status, logical_date, conf, started_at, finished_at,
		       error, idempotency_key, external_trigger, created_at`

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	db DBTX
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(db DBTX) *RunRepo {
	return &RunRepo{db: db}
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	DAGID  string
	Status domain.RunStatus
	Limit  int
	Offset int
}

// Create создаёт новый run.
// Повтор ключа идемпотентности для того же DAG — ErrAlreadyExists.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	confJSON, err := marshalJSON(run.Conf)
	if err != nil {
		return fmt.Errorf("marshal conf: %w", err)
	}

	query := `
		INSERT INTO runs (id, dag_id, status, logical_date, conf, idempotency_key, external_trigger, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Exec(ctx, query,
		run.ID,
		run.DAGID,
		run.Status,
		run.LogicalDate,
		confJSON,
		nullString(run.IdempotencyKey),
		run.ExternalTrigger,
		run.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.db.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run DAG по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, dagID, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE dag_id = $1 AND idempotency_key = $2`
	return scanRun(r.db.QueryRow(ctx, query, dagID, key))
}

// List возвращает runs с фильтрацией, новые первыми.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM runs
		WHERE ($1::text IS NULL OR dag_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query,
		nullString(filter.DAGID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListPending возвращает runs в статусе PENDING, старые первыми.
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	return collectRuns(rows)
}

// Update обновляет статус и временные метки run.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs
		SET status = $2, started_at = $3, finished_at = $4, error = $5
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		run.ID,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanRun сканирует одну строку в Run.
// pgx.Row и pgx.Rows оба удовлетворяют pgx.Row.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var confJSON []byte
	var idempotencyKey, runError *string

	err := row.Scan(
		&run.ID,
		&run.DAGID,
		&run.Status,
		&run.LogicalDate,
		&confJSON,
		&run.StartedAt,
		&run.FinishedAt,
		&runError,
		&idempotencyKey,
		&run.ExternalTrigger,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.Conf, err = unmarshalJSON(confJSON, "conf"); err != nil {
		return nil, err
	}
	run.IdempotencyKey = derefString(idempotencyKey)
	run.Error = derefString(runError)

	return &run, nil
}
