// Conveyor Scheduler — публикует scheduled triggers.
//
// Активен один экземпляр: лидер, удерживающий pg advisory lock.
// Остальные экземпляры ждут и перехватывают лидерство при его потере.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const schedLockKey int64 = 424242

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-scheduler")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Store != config.BackendPostgres {
		logger.Error("scheduler requires STORE=postgres", "store", cfg.Store)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// RabbitMQ
	conn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(scheduler.Config{
		Pipelines: repo.NewPipelineRepo(pool),
		Emitter:   mq.NewPublisher(conn, logger),
		Metrics:   telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.SchedPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	lead(ctx, pool, sched, cfg.PollInterval, logger)
	logger.Info("conveyor-scheduler stopped")
}

// lead тикает планировщиком, пока процесс удерживает advisory lock.
//
// Session-level lock привязан к соединению, поэтому лидер держит
// выделенное соединение из пула до выхода.
func lead(ctx context.Context, pool *pgxpool.Pool, sched *scheduler.Scheduler, interval time.Duration, logger *slog.Logger) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("acquire connection", "error", err)
		return
	}
	defer conn.Release()

	var hasLock bool
	defer func() {
		if hasLock {
			_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
		}
	}()

	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case t := <-tk.C:
			// пытаемся стать лидером
			if !hasLock {
				if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&hasLock); err != nil {
					logger.Error("advisory lock failed", "error", err)
					continue
				}
				if hasLock {
					logger.Info("became leader")
				}
			}

			if !hasLock {
				// не лидер — пропускаем тик
				continue
			}

			if err := sched.Tick(ctx, t); err != nil && ctx.Err() == nil {
				logger.Error("tick failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}
