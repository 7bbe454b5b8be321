package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/mq"
)

// Default configuration values.
const defaultConcurrency = 4

// Worker выполняет action из очереди actions.ready.
//
// Worker — stateless компонент:
//   - получает отрендеренные action из RabbitMQ
//   - выполняет их executor'ом своего вида
//   - публикует терминальный результат в actions.completed
//   - отменяет action execution по сигналу из conveyor.control
//
// Workers масштабируются горизонтально: несколько экземпляров
// потребляют из одной очереди, сигнал отмены получает каждый.
type Worker struct {
	id        string
	conn      *mq.Connection
	publisher *mq.Publisher
	registry  *Registry

	concurrency int
	jobs        *tracker

	logger    *slog.Logger
	stoppedMu sync.RWMutex
	stopped   bool
}

// Config — конфигурация Worker.
type Config struct {
	// ID — идентификатор экземпляра (имя control очереди). Пусто = случайный.
	ID string

	Conn      *mq.Connection
	Publisher *mq.Publisher
	Registry  *Registry

	// Concurrency — число параллельных action (default: 4).
	Concurrency int

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
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

	return &Worker{
		id:          id,
		conn:        cfg.Conn,
		publisher:   cfg.Publisher,
		registry:    registry,
		concurrency: concurrency,
		jobs:        newTracker(),
		logger:      logger.With("worker_id", id),
	}
}

// Start потребляет actions.ready и control очередь до отмены ctx.
//
// Возвращается после завершения выполняемых action.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting worker", "concurrency", w.concurrency)

	control := mq.ControlQueue(w.id)
	consumers := []*mq.Consumer{
		mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:       mq.QueueActionsReady,
			Handler:     w.handleActionReady,
			Concurrency: w.concurrency,
		}),
		mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:   control,
			Handler: w.handleExecutionCancelled,
			Declare: mq.DeclareControlQueue(control),
		}),
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("consumer error", "error", err)
			}
		}()
	}
	w.logger.Info("worker started")

	wg.Wait()

	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("worker stopped")
	return ctx.Err()
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// Running возвращает число выполняемых action.
func (w *Worker) Running() int {
	return w.jobs.Len()
}
