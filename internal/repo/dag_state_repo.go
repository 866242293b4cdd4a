package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shaiso/nbflow/internal/domain"
)

const dagStateColumns = `dag_id, schedule_interval, is_paused, next_due_at, last_run_at, last_run_id, updated_at`

// DAGStateRepo — репозиторий состояния планирования DAG.
type DAGStateRepo struct {
	db DBTX
}

// NewDAGStateRepo создаёт новый DAGStateRepo.
func NewDAGStateRepo(db DBTX) *DAGStateRepo {
	return &DAGStateRepo{db: db}
}

// Get возвращает состояние DAG.
func (r *DAGStateRepo) Get(ctx context.Context, dagID string) (*domain.DAGState, error) {
	query := `SELECT ` + dagStateColumns + ` FROM dag_states WHERE dag_id = $1`
	return scanDAGState(r.db.QueryRow(ctx, query, dagID))
}

// List возвращает состояния всех DAG.
func (r *DAGStateRepo) List(ctx context.Context) ([]domain.DAGState, error) {
	query := `SELECT ` + dagStateColumns + ` FROM dag_states ORDER BY dag_id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dag states: %w", err)
	}
	defer rows.Close()

	var states []domain.DAGState
	for rows.Next() {
		state, err := scanDAGState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// Upsert создаёт или полностью перезаписывает состояние DAG.
func (r *DAGStateRepo) Upsert(ctx context.Context, state *domain.DAGState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO dag_states (dag_id, schedule_interval, is_paused, next_due_at, last_run_at, last_run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dag_id) DO UPDATE
		SET schedule_interval = EXCLUDED.schedule_interval,
		    is_paused = EXCLUDED.is_paused,
		    next_due_at = EXCLUDED.next_due_at,
		    last_run_at = EXCLUDED.last_run_at,
		    last_run_id = EXCLUDED.last_run_id,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query,
		state.DAGID,
		state.ScheduleInterval,
		state.IsPaused,
		state.NextDueAt,
		state.LastRunAt,
		state.LastRunID,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert dag state: %w", err)
	}
	return nil
}

// SetPaused ставит DAG на паузу или снимает с неё.
// Если состояния ещё нет, оно создаётся: пауза до первого тика scheduler
// не должна теряться.
func (r *DAGStateRepo) SetPaused(ctx context.Context, dagID string, paused bool) error {
	query := `
		INSERT INTO dag_states (dag_id, is_paused, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (dag_id) DO UPDATE
		SET is_paused = EXCLUDED.is_paused, updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, dagID, paused); err != nil {
		return fmt.Errorf("set dag paused: %w", err)
	}
	return nil
}

func scanDAGState(row pgx.Row) (*domain.DAGState, error) {
	var state domain.DAGState

	err := row.Scan(
		&state.DAGID,
		&state.ScheduleInterval,
		&state.IsPaused,
		&state.NextDueAt,
		&state.LastRunAt,
		&state.LastRunID,
		&state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dag state: %w", err)
	}
	return &state, nil
}
