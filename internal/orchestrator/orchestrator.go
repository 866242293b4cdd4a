package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultPrefetch     = 10
)

// RunStore — хранилище runs, которое нужно оркестратору.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	ListPending(ctx context.Context, limit int) ([]domain.Run, error)
	Update(ctx context.Context, run *domain.Run) error
}

// TaskStore — хранилище tasks.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)
}

// DAGSource — объявления DAG (dags.Bag).
type DAGSource interface {
	Spec(dagID string) (domain.DAGSpec, error)
}

// TaskPublisher публикует task.ready.
type TaskPublisher interface {
	PublishTaskReady(ctx context.Context, taskID, runID uuid.UUID) error
}

// Orchestrator управляет выполнением runs.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает новые runs из очереди RabbitMQ (event-driven)
//   - Периодически проверяет pending и running runs в БД (polling fallback)
//   - Берёт объявление DAG из Bag и строит граф
//   - Создаёт tasks для готовых задач
//   - Отслеживает завершение tasks
//   - Финализирует runs (SUCCEEDED/FAILED)
type Orchestrator struct {
	runRepo  RunStore
	taskRepo TaskStore
	dags     DAGSource

	publisher TaskPublisher
	conn      *mq.Connection

	// env — переменные, доступные в шаблонах параметров.
	env map[string]string

	// Active runs — runs в процессе выполнения (runID → state)
	activeRuns map[uuid.UUID]*RunState
	mu         sync.RWMutex

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	RunRepo  RunStore
	TaskRepo TaskStore
	DAGs     DAGSource

	// Publisher и Conn опциональны: без них оркестратор работает только polling'ом.
	Publisher TaskPublisher
	Conn      *mq.Connection

	// Env — значения {{ .Env.KEY }} в параметрах notebook.
	Env map[string]string

	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество runs за один poll (default: 100)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
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

	return &Orchestrator{
		runRepo:      cfg.RunRepo,
		taskRepo:     cfg.TaskRepo,
		dags:         cfg.DAGs,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		env:          cfg.Env,
		activeRuns:   make(map[uuid.UUID]*RunState),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для runs.pending
//   - Consumer для tasks.completed
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
	)

	if o.conn != nil {
		o.startConsumer(ctx, mq.QueueRunsPending, o.handleRunPending)
		o.startConsumer(ctx, mq.QueueTasksCompleted, o.handleTaskCompleted)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) startConsumer(ctx context.Context, queue mq.Queue, handler mq.Handler) {
	consumer := mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    queue,
		Handler:  handler,
		Prefetch: defaultPrefetch,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("consumer error", "queue", queue, "error", err)
		}
	}()
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_runs", o.ActiveRunsCount(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs, созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling:
// запускает pending runs и сверяет running runs с task rows.
func (o *Orchestrator) poll(ctx context.Context) {
	o.pollPending(ctx)
	o.pollRunning(ctx)
}

func (o *Orchestrator) pollPending(ctx context.Context) {
	runs, err := o.runRepo.ListPending(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending runs", "error", err)
		return
	}
	if len(runs) > 0 {
		o.logger.Debug("poll found pending runs", "count", len(runs))
	}

	for i := range runs {
		if ctx.Err() != nil {
			return
		}
		if o.isRunActive(runs[i].ID) {
			continue
		}
		if err := o.processRun(ctx, runs[i].ID); err != nil &&
			!errors.Is(err, ErrRunFailedEarly) && !errors.Is(err, ErrRunNotPending) && !errors.Is(err, ErrRunAlreadyActive) {
			o.logger.Error("failed to process run from poll",
				"run_id", runs[i].ID,
				"error", err,
			)
		}
	}
}

// pollRunning подхватывает завершения tasks, для которых не пришёл
// task.completed, и восстанавливает runs после рестарта.
func (o *Orchestrator) pollRunning(ctx context.Context) {
	runs, err := o.runRepo.List(ctx, repo.RunFilter{
		Status: domain.RunStatusRunning,
		Limit:  o.batchSize,
	})
	if err != nil {
		o.logger.Error("failed to list running runs", "error", err)
		return
	}

	for i := range runs {
		if ctx.Err() != nil {
			return
		}
		if err := o.syncRun(ctx, runs[i].ID); err != nil {
			o.logger.Error("failed to sync run",
				"run_id", runs[i].ID,
				"error", err,
			)
		}
	}
}

// isRunActive проверяет, находится ли run в обработке.
func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// getActiveRun возвращает активный RunState.
func (o *Orchestrator) getActiveRun(runID uuid.UUID) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

// addActiveRun добавляет run в активные.
func (o *Orchestrator) addActiveRun(state *RunState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[state.RunID()]; exists {
		return ErrRunAlreadyActive
	}
	o.activeRuns[state.RunID()] = state
	return nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// GetActiveRunStats возвращает статистику по активному run.
func (o *Orchestrator) GetActiveRunStats(runID uuid.UUID) (RunStats, bool) {
	state := o.getActiveRun(runID)
	if state == nil {
		return RunStats{}, false
	}
	return state.Stats(), true
}
