// nbflow-scheduler — создаёт runs по расписаниям DAG.
//
// Активен только один экземпляр: лидер держит Postgres advisory lock
// на выделенном соединении. Остальные экземпляры пропускают тики,
// пока lock не освободится.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/nbflow/internal/dags"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/pipelines"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/scheduler"
	"github.com/shaiso/nbflow/internal/telemetry"
)

const defaultTickInterval = 5 * time.Second

func main() {
	dotenvErr := godotenv.Load()

	logger := telemetry.SetupLogger("nbflow-scheduler")
	logger.Info("starting nbflow-scheduler")
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

	cfg := scheduler.Config{
		DAGs:   bag,
		States: repo.NewDAGStateRepo(pool),
		Runs:   repo.NewRunRepo(pool),
		Logger: logger,
	}

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

	sched := scheduler.New(cfg)

	interval := defaultTickInterval
	if v := os.Getenv("SCHED_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Warn("invalid SCHED_TICK_INTERVAL, using default", "value", v, "default", defaultTickInterval)
		} else {
			interval = d
		}
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("SCHED_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	runLoop(ctx, pool, sched, interval, logger)
	logger.Info("nbflow-scheduler stopped")
}

// runLoop выполняет тики, пока процесс держит лидерство.
func runLoop(ctx context.Context, pool *pgxpool.Pool, sched *scheduler.Scheduler, interval time.Duration, logger *slog.Logger) {
	var conn *pgxpool.Conn
	var hasLock bool

	defer func() {
		if conn == nil {
			return
		}
		if hasLock {
			unlockCtx, unlockCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer unlockCancel()
			if err := repo.AdvisoryUnlock(unlockCtx, conn, repo.SchedulerLockKey); err != nil {
				logger.Warn("failed to release scheduler lock", "error", err)
			}
		}
		conn.Release()
	}()

	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		if conn == nil {
			c, err := pool.Acquire(ctx)
			if err != nil {
				logger.Error("failed to acquire lock connection", "error", err)
			} else {
				conn = c
			}
		}

		// пытаемся стать лидером (или подтвердить лидерство)
		if conn != nil && !hasLock {
			ok, err := repo.TryAdvisoryLock(ctx, conn, repo.SchedulerLockKey)
			switch {
			case err != nil:
				logger.Error("failed to take scheduler lock", "error", err)
				// соединение могло умереть вместе с сессией
				conn.Release()
				conn = nil
			case ok:
				hasLock = true
				logger.Info("scheduler leadership acquired")
			}
		}

		// lock живёт вместе с сессией: потеря соединения — потеря лидерства
		if hasLock {
			if err := conn.Ping(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("scheduler lock connection lost", "error", err)
				conn.Release()
				conn = nil
				hasLock = false
			}
		}

		if hasLock {
			if err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler tick failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
	}
}
