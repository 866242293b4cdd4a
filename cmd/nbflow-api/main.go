// nbflow-api — HTTP API для просмотра DAG, ручного запуска и управления runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/nbflow/internal/api"
	"github.com/shaiso/nbflow/internal/dags"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/pipelines"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// .env загружается до чтения окружения
	dotenvErr := godotenv.Load()

	logger := telemetry.SetupLogger("nbflow-api")
	logger.Info("starting nbflow-api")
	if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	// Реестр DAG
	bag := dags.NewBag()
	if err := pipelines.Register(bag); err != nil {
		logger.Error("failed to register pipelines", "error", err)
		os.Exit(1)
	}
	logger.Info("pipelines registered", "dags", bag.Len())

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := repo.EnsureSchema(context.Background(), pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	cfg := api.Config{
		DAGs:      bag,
		RunRepo:   repo.NewRunRepo(pool),
		TaskRepo:  repo.NewTaskRepo(pool),
		StateRepo: repo.NewDAGStateRepo(pool),
		Logger:    logger,
	}

	// RabbitMQ опционален: без него orchestrator заберёт run polling'ом
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, runs will be picked up by polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		cfg.Publisher = mq.NewPublisher(mqConn, logger)
	}

	handler := api.NewHandler(cfg)

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
