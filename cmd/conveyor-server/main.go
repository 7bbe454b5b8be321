// Conveyor Server — HTTP API и оркестратор release pipelines.
//
// Server:
//   - Принимает pipelines, ручные запуски, решения approval и webhooks
//   - Ведёт executions по стадиям и отправляет action воркерам
//   - Потребляет trigger.received и action.completed из RabbitMQ
//   - При LOCAL_WORKERS=true выполняет action в процессе, без брокера,
//     и сам запускает scheduled triggers
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memstore"
	"github.com/shaiso/Conveyor/internal/resources"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

// stores — хранилища выбранного бэкенда.
type stores struct {
	executions orchestrator.ExecutionStore
	pipelines  orchestrator.PipelineStore
	approvals  approval.Store
	close      func()
}

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-server")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Хранилища
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.close()

	// Resource Declaration
	outputs, err := loadResources(cfg.ResourcesFile)
	if err != nil {
		logger.Error("failed to load resources", "file", cfg.ResourcesFile, "error", err)
		os.Exit(1)
	}
	logger.Info("resources loaded", "outputs", len(outputs))

	gate := approval.New(approval.Config{
		Store:          st.approvals,
		DefaultTimeout: cfg.ApprovalTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})

	// Dispatcher: локальные воркеры или RabbitMQ
	var (
		dispatcher orchestrator.Dispatcher
		local      *worker.Local
		conn       *mq.Connection
		publisher  *mq.Publisher
		retention  *artifacts.Retention
	)
	if cfg.LocalWorkers {
		executors, err := worker.ExecutorsFromConfig(ctx, cfg, metrics, logger)
		if err != nil {
			logger.Error("failed to set up executors", "error", err)
			os.Exit(1)
		}
		local = worker.NewLocal(worker.LocalConfig{
			Registry:    worker.NewDefaultRegistry(executors),
			Concurrency: cfg.WorkerConcurrency,
			Logger:      logger,
		})
		defer local.Close()
		dispatcher = local
		retention = &artifacts.Retention{Store: executors.Store, MaxAge: cfg.ArtifactRetention, Logger: logger}
		logger.Info("local workers enabled", "concurrency", cfg.WorkerConcurrency)
	} else {
		conn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
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
		publisher = mq.NewPublisher(conn, logger)
		dispatcher = orchestrator.NewMQDispatcher(publisher)
	}

	// Оркестратор
	orch := orchestrator.New(orchestrator.Config{
		Executions:   st.executions,
		Pipelines:    st.pipelines,
		Gate:         gate,
		Dispatcher:   dispatcher,
		Resources:    outputs,
		Metrics:      metrics,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})
	if local != nil {
		local.Bind(orch)
	}

	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("orchestrator stopped", "error", err)
		}
	}()

	if conn != nil {
		for _, c := range orch.Consumers(conn, logger, cfg.WorkerConcurrency) {
			go func() {
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("consumer stopped", "error", err)
				}
			}()
		}
	} else {
		// Без брокера scheduled triggers запускаются напрямую
		sched := scheduler.New(scheduler.Config{
			Pipelines: st.pipelines,
			Emitter: scheduler.EmitterFunc(func(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error {
				_, err := orch.Start(ctx, pipelineID, trigger)
				return err
			}),
			Metrics: metrics,
			Logger:  logger,
		})
		go sched.Run(ctx)
	}
	if retention != nil {
		go retention.Run(ctx)
	}

	// API
	auth, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Error("failed to set up authentication", "error", err)
		os.Exit(1)
	}
	var triggers api.TriggerPublisher
	if publisher != nil {
		triggers = publisher
	}
	handler := api.NewHandler(api.Config{
		Service:       orch,
		Triggers:      triggers,
		Auth:          auth,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("conveyor-server stopped")
}

// openStores открывает хранилища STORE=postgres | memory.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store == config.BackendMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		mem := memstore.New()
		return &stores{
			executions: mem.Executions,
			pipelines:  mem.Pipelines,
			approvals:  mem.Approvals,
			close:      func() {},
		}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database connected")

	return &stores{
		executions: repo.NewExecutionRepo(pool),
		pipelines:  repo.NewPipelineRepo(pool),
		approvals:  repo.NewApprovalRepo(pool),
		close:      pool.Close,
	}, nil
}

// loadResources возвращает выходные идентификаторы Resource Declaration.
// Пустой путь — без ресурсов.
func loadResources(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	g, err := resources.LoadFile(path, resources.AccountConfigFromEnv())
	if err != nil {
		return nil, err
	}
	return g.Outputs(), nil
}

func newAuthenticator(ctx context.Context, cfg config.Config) (api.Authenticator, error) {
	if cfg.AuthMode != config.AuthOIDC {
		return api.DevAuthenticator{}, nil
	}
	return api.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
}
