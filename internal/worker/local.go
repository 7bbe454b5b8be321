package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ResultSink принимает результаты action (Orchestrator.RecordResult).
type ResultSink interface {
	RecordResult(ctx context.Context, res domain.ActionResult) error
}

// LocalConfig — конфигурация Local.
type LocalConfig struct {
	Registry *Registry

	// Concurrency — число параллельных action (default: 4).
	Concurrency int

	Logger *slog.Logger
}

// Local выполняет action в горутинах процесса оркестратора
// (LOCAL_WORKERS=true, тесты). Реализует orchestrator.Dispatcher.
//
// Оркестратор создаётся с Local в качестве Dispatcher, затем
// Bind передаёт Local сам оркестратор как ResultSink.
type Local struct {
	registry *Registry
	jobs     *tracker
	slots    chan struct{}
	logger   *slog.Logger

	mu     sync.RWMutex
	sink   ResultSink
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal создаёт Local.
func NewLocal(cfg LocalConfig) *Local {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		registry: registry,
		jobs:     newTracker(),
		slots:    make(chan struct{}, concurrency),
		logger:   logger.With("worker_id", "local"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind задаёт получателя результатов.
func (l *Local) Bind(sink ResultSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Dispatch запускает action и возвращается сразу.
func (l *Local) Dispatch(_ context.Context, job domain.ActionJob) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrWorkerStopped
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(job)
	}()
	return nil
}

func (l *Local) run(job domain.ActionJob) {
	select {
	case l.slots <- struct{}{}:
	case <-l.ctx.Done():
		return
	}
	defer func() { <-l.slots }()

	jobCtx, release := l.jobs.track(l.ctx, job.ExecutionID)
	res := l.registry.Execute(jobCtx, job, l.logger)
	cancelled := jobCtx.Err() != nil
	release()

	if cancelled && job.Action.Kind != domain.ActionKindDeploy {
		return
	}

	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink == nil {
		l.logger.Error("no result sink bound, result dropped", "execution_id", job.ExecutionID, "action", job.Action.Name)
		return
	}
	if err := sink.RecordResult(l.ctx, res); err != nil {
		l.logger.Error("failed to record action result",
			"execution_id", job.ExecutionID,
			"action", job.Action.Name,
			"error", err,
		)
	}
}

// Cancel останавливает action execution.
func (l *Local) Cancel(_ context.Context, executionID uuid.UUID) error {
	if n := l.jobs.Cancel(executionID); n > 0 {
		l.logger.Info("execution cancelled, actions stopped", "execution_id", executionID, "actions", n)
	}
	return nil
}

// Close останавливает выполняемые action и ждёт их завершения.
// Результаты остановленных action не записываются.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// Wait ждёт завершения всех запущенных action.
func (l *Local) Wait() {
	l.wg.Wait()
}
