package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
)

// TaskStore — хранилище tasks, которое нужно воркеру.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListQueued(ctx context.Context, limit int) ([]domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
}

// RunStore — чтение runs (для DAG ID задачи).
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// DAGSource — объявления DAG (dags.Bag).
type DAGSource interface {
	Spec(dagID string) (domain.DAGSpec, error)
}

// CompletionPublisher публикует task.completed.
type CompletionPublisher interface {
	PublishTaskCompleted(ctx context.Context, payload mq.TaskCompletedPayload) error
}

// Worker выполняет notebook-задачи.
//
// Worker — stateless компонент, который:
//   - Получает tasks из очереди tasks.ready (event-driven)
//   - Периодически проверяет queued tasks в БД (polling fallback)
//   - Выполняет task executor'ом из Registry
//   - Повторяет неудачные попытки по политике задачи из DAG
//   - Публикует результат в tasks.completed
//
// Несколько экземпляров могут потреблять из одной очереди.
type Worker struct {
	taskRepo TaskStore
	runRepo  RunStore
	dags     DAGSource

	publisher CompletionPublisher
	conn      *mq.Connection

	registry *Registry

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	TaskRepo TaskStore
	RunRepo  RunStore
	DAGs     DAGSource

	// Publisher и Conn опциональны: без них воркер работает только polling'ом.
	Publisher CompletionPublisher
	Conn      *mq.Connection

	// Registry — executor'ы по типу задачи (если nil — пустой реестр).
	Registry *Registry

	PollInterval time.Duration // default: 10s
	BatchSize    int           // default: 50

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Worker{
		taskRepo:     cfg.TaskRepo,
		runRepo:      cfg.RunRepo,
		dags:         cfg.DAGs,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		registry:     registry,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает consumer tasks.ready (если есть соединение) и polling.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
	)

	if w.conn != nil {
		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueTasksReady,
			Handler:  w.handleTaskReady,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("task consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих задач.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем tasks, созданные пока воркер был выключен
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	tasks, err := w.taskRepo.ListQueued(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list queued tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	w.logger.Debug("poll found queued tasks", "count", len(tasks))

	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := w.processTask(ctx, tasks[i].ID); err != nil &&
			!errors.Is(err, ErrTaskNotQueued) && !errors.Is(err, ErrTaskNotFound) {
			w.logger.Error("failed to process task from poll",
				"id", tasks[i].ID,
				"error", err,
			)
		}
	}
}
