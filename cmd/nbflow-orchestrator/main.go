// nbflow-orchestrator — управляет выполнением runs.
//
// Orchestrator:
//   - Получает новые runs из RabbitMQ (и polling'ом из БД)
//   - Строит DAG из объявления и рендерит параметры notebook
//   - Создаёт tasks и отправляет их workers
//   - Отслеживает task.completed и финализирует runs
package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/nbflow/internal/dags"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/orchestrator"
	"github.com/shaiso/nbflow/internal/pipelines"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// templateEnvPrefix — переменные окружения, доступные в {{ .Env }}.
const templateEnvPrefix = "NBFLOW_"

func main() {
	dotenvErr := godotenv.Load()

	logger := telemetry.SetupLogger("nbflow-orchestrator")
	logger.Info("starting nbflow-orchestrator")
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

	cfg := orchestrator.Config{
		RunRepo:  repo.NewRunRepo(pool),
		TaskRepo: repo.NewTaskRepo(pool),
		DAGs:     bag,
		Env:      templateEnv(os.Environ()),
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

	orch := orchestrator.New(cfg)

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
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

	orch.Stop()
	logger.Info("nbflow-orchestrator stopped")
}

// templateEnv выбирает из окружения переменные с префиксом NBFLOW_.
func templateEnv(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, templateEnvPrefix) {
			env[key] = value
		}
	}
	return env
}
