package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/repo"
)

// DAGRegistry — объявления DAG (dags.Bag).
type DAGRegistry interface {
	List() []domain.DAGSpec
	Spec(dagID string) (domain.DAGSpec, error)
}

// RunStore — хранилище runs.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, dagID, key string) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	Update(ctx context.Context, run *domain.Run) error
}

// TaskStore — чтение tasks.
type TaskStore interface {
	ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)
}

// DAGStateStore — состояние планирования DAG.
type DAGStateStore interface {
	Get(ctx context.Context, dagID string) (*domain.DAGState, error)
	List(ctx context.Context) ([]domain.DAGState, error)
	SetPaused(ctx context.Context, dagID string, paused bool) error
}

// RunPublisher публикует run.pending.
type RunPublisher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID, dagID string) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	dags      DAGRegistry
	runRepo   RunStore
	taskRepo  TaskStore
	stateRepo DAGStateStore
	publisher RunPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	DAGs      DAGRegistry
	RunRepo   RunStore
	TaskRepo  TaskStore
	StateRepo DAGStateStore

	// Publisher опционален: без него orchestrator подхватит run polling'ом.
	Publisher RunPublisher

	Logger *slog.Logger

	// Now — источник времени (для тестов). По умолчанию time.Now.
	Now func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Handler{
		dags:      cfg.DAGs,
		runRepo:   cfg.RunRepo,
		taskRepo:  cfg.TaskRepo,
		stateRepo: cfg.StateRepo,
		publisher: cfg.Publisher,
		logger:    logger,
		now:       now,
	}
}
