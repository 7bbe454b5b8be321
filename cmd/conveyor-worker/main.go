// Conveyor Worker — выполняет action стадий.
//
// Worker:
//   - Получает action из actions.ready
//   - Выполняет Source, Build или Deploy
//   - Публикует терминальный результат в actions.completed
//   - Отменяет action по сигналу execution.cancelled
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Executors
	executors, err := worker.ExecutorsFromConfig(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to set up executors", "error", err)
		os.Exit(1)
	}

	// RabbitMQ
	conn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		ID:          config.String("WORKER_ID", ""),
		Conn:        conn,
		Publisher:   mq.NewPublisher(conn, logger),
		Registry:    worker.NewDefaultRegistry(executors),
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})

	retention := &artifacts.Retention{Store: executors.Store, MaxAge: cfg.ArtifactRetention, Logger: logger}
	go retention.Run(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() || !conn.IsConnected() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte("unavailable"))
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.WorkerPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Start возвращается после отмены ctx и завершения выполняемых action
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyor-worker stopped")
}
