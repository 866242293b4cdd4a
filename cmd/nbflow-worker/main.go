// nbflow-worker — выполняет notebook-задачи.
//
// Worker:
//   - Получает tasks из RabbitMQ (и polling'ом из БД)
//   - Запускает notebook внешним runner'ом (papermill)
//   - Повторяет неудачные попытки по политике задачи
//   - Отправляет task.completed orchestrator'у
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/nbflow/internal/dags"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/pipelines"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
	"github.com/shaiso/nbflow/internal/worker"
)

func main() {
	dotenvErr := godotenv.Load()

	logger := telemetry.SetupLogger("nbflow-worker")
	logger.Info("starting nbflow-worker")
	if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bag := dags.NewBag()
	if err := pipelines.Register(bag); err != nil {
		logger.Error("failed to register pipelines", "error", err)
		os.Exit(1)
	}

	runner := os.Getenv("NBFLOW_NOTEBOOK_RUNNER")
	if runner == "" {
		runner = worker.DefaultNotebookRunner
	}
	notebooks, err := worker.NewNotebookExecutor(
		runner,
		os.Getenv("NBFLOW_NOTEBOOK_DIR"),
		os.Getenv("NBFLOW_OUTPUT_DIR"),
	)
	if err != nil {
		logger.Error("invalid notebook runner", "error", err)
		os.Exit(1)
	}

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	cfg := worker.Config{
		TaskRepo: repo.NewTaskRepo(pool),
		RunRepo:  repo.NewRunRepo(pool),
		DAGs:     bag,
		Registry: worker.NewNotebookRegistry(notebooks),
		Logger:   logger,
	}

	// RabbitMQ
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		cfg.Publisher = mq.NewPublisher(mqConn, logger)
		cfg.Conn = mqConn
	}

	w := worker.New(cfg)

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	w.Stop()
	logger.Info("nbflow-worker stopped")
}
