package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// DAGSource — источник объявлений DAG (dags.Bag).
type DAGSource interface {
	List() []domain.DAGSpec
}

// StateStore хранит состояние планирования DAG.
type StateStore interface {
	Get(ctx context.Context, dagID string) (*domain.DAGState, error)
	Upsert(ctx context.Context, state *domain.DAGState) error
}

// RunStore создаёт runs.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByIdempotencyKey(ctx context.Context, dagID, key string) (*domain.Run, error)
}

// RunPublisher уведомляет orchestrator о новом run.
type RunPublisher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID, dagID string) error
}

// Scheduler создаёт runs по расписаниям DAG.
type Scheduler struct {
	dags      DAGSource
	states    StateStore
	runs      RunStore
	publisher RunPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	DAGs      DAGSource
	States    StateStore
	Runs      RunStore
	Publisher RunPublisher // опционально: без него orchestrator заберёт run polling'ом
	Logger    *slog.Logger
	Now       func() time.Time // для тестов; по умолчанию time.Now
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		dags:      cfg.DAGs,
		states:    cfg.States,
		runs:      cfg.Runs,
		publisher: cfg.Publisher,
		logger:    logger,
		now:       now,
	}
}

// Tick выполняет один тик планировщика.
//
// Для каждого DAG:
//  1. Проверяет расписание (невалидное — лог, метрика, пропуск)
//  2. Загружает состояние; пауза — пропуск
//  3. Пересчитывает next_due_at, если расписание изменилось
//  4. Если пора — создаёт run (идемпотентно), сдвигает next_due_at,
//     публикует run.pending
//
// Ошибка одного DAG не блокирует обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	telemetry.SchedulerTicks.Inc()
	now := s.now().UTC()

	var created int
	for _, spec := range s.dags.List() {
		if err := ctx.Err(); err != nil {
			return err
		}

		runCreated, err := s.processDAG(ctx, spec, now)
		if err != nil {
			s.logger.Error("failed to process dag",
				"dag_id", spec.ID,
				"error", err,
			)
			continue
		}
		if runCreated {
			created++
		}
	}

	if created > 0 {
		s.logger.Info("scheduler tick completed", "runs_created", created)
	}
	return nil
}

// processDAG обрабатывает один DAG.
// Возвращает true, если run был создан (а не найден по ключу идемпотентности).
func (s *Scheduler) processDAG(ctx context.Context, spec domain.DAGSpec, now time.Time) (bool, error) {
	logger := telemetry.WithDAGID(s.logger, spec.ID)

	if err := ValidateSchedule(spec.ScheduleInterval); err != nil {
		telemetry.InvalidSchedules.WithLabelValues(spec.ID).Inc()
		logger.Error("dag has invalid schedule, skipping",
			"schedule_interval", spec.ScheduleInterval,
			"error", err,
		)
		return false, nil
	}

	state, err := s.states.Get(ctx, spec.ID)
	if errors.Is(err, repo.ErrNotFound) {
		state = &domain.DAGState{DAGID: spec.ID}
	} else if err != nil {
		return false, fmt.Errorf("get dag state: %w", err)
	}

	if state.IsPaused {
		return false, nil
	}

	// Новый DAG или изменённое расписание: отсчёт заново от now
	if state.ScheduleInterval != spec.ScheduleInterval {
		next, err := CalculateNextDue(spec.ScheduleInterval, now, false)
		if err != nil {
			return false, fmt.Errorf("calculate next due: %w", err)
		}
		logger.Info("schedule updated",
			"previous", state.ScheduleInterval,
			"schedule_interval", spec.ScheduleInterval,
			"next_due_at", next,
		)
		state.ScheduleInterval = spec.ScheduleInterval
		state.NextDueAt = next
		state.UpdatedAt = now
		if err := s.states.Upsert(ctx, state); err != nil {
			return false, fmt.Errorf("upsert dag state: %w", err)
		}
	}

	if !state.IsDue(now) {
		return false, nil
	}

	run, created, err := s.ensureRun(ctx, spec.ID, *state.NextDueAt, now)
	if err != nil {
		return false, err
	}
	logger = telemetry.WithRunID(logger, run.ID.String())

	// Пропущенные интервалы не догоняются: следующий запуск считается от now
	next, err := CalculateNextDue(spec.ScheduleInterval, now, true)
	if err != nil {
		return created, fmt.Errorf("calculate next due: %w", err)
	}
	state.RecordRun(run.ID, next)
	if err := s.states.Upsert(ctx, state); err != nil {
		return created, fmt.Errorf("upsert dag state: %w", err)
	}

	if !created {
		logger.Debug("run already exists (idempotency)", "idempotency_key", run.IdempotencyKey)
		return false, nil
	}

	telemetry.RunsCreated.WithLabelValues(spec.ID, "schedule").Inc()
	logger.Info("created scheduled run",
		"logical_date", run.LogicalDate,
		"next_due_at", next,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishRunPending(ctx, run.ID, spec.ID); err != nil {
			// Run уже в БД: orchestrator заберёт его через polling
			logger.Warn("failed to publish run.pending", "error", err)
		}
	}
	return true, nil
}

// ensureRun создаёт run за logicalDate или возвращает уже существующий.
func (s *Scheduler) ensureRun(ctx context.Context, dagID string, logicalDate, now time.Time) (*domain.Run, bool, error) {
	key := IdempotencyKey(dagID, logicalDate)

	existing, err := s.runs.GetByIdempotencyKey(ctx, dagID, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	run := &domain.Run{
		ID:             uuid.New(),
		DAGID:          dagID,
		Status:         domain.RunStatusPending,
		LogicalDate:    logicalDate,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Гонка со вторым экземпляром: run уже создан
			existing, getErr := s.runs.GetByIdempotencyKey(ctx, dagID, key)
			if getErr != nil {
				return nil, false, fmt.Errorf("get existing run: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return run, true, nil
}

// IdempotencyKey — ключ scheduled run: "{dag_id}_{unix(logical_date)}".
func IdempotencyKey(dagID string, logicalDate time.Time) string {
	return fmt.Sprintf("%s_%d", dagID, logicalDate.Unix())
}
