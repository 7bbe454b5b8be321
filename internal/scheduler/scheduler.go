package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 15 * time.Second
	defaultLookback     = time.Minute
)

// ActorScheduler — actor scheduled trigger.
const ActorScheduler = "scheduler"

// PipelineLister — источник последних версий pipelines.
// Реализации: repo.PipelineRepo, memstore.
type PipelineLister interface {
	List(ctx context.Context) ([]domain.PipelineDefinition, error)
}

// Emitter — получатель trigger. Реализация: mq.Publisher (trigger.received).
type Emitter interface {
	PublishTriggerReceived(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error
}

// EmitterFunc — адаптер функции к Emitter
// (например, Orchestrator.Start при LOCAL_WORKERS без брокера).
type EmitterFunc func(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error

// PublishTriggerReceived вызывает f.
func (f EmitterFunc) PublishTriggerReceived(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error {
	return f(ctx, pipelineID, trigger)
}

// Scheduler — планировщик scheduled triggers.
type Scheduler struct {
	pipelines PipelineLister
	emitter   Emitter
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	pollInterval time.Duration
	lookback     time.Duration

	mu      sync.Mutex
	cursors map[string]time.Time // pipelineID:schedule → момент последнего тика
}

// Config — конфигурация Scheduler.
type Config struct {
	Pipelines PipelineLister
	Emitter   Emitter
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger

	// PollInterval — интервал Tick в Run (default: 15s).
	PollInterval time.Duration

	// Lookback — окно поиска срабатываний для расписания без курсора,
	// то есть после старта или смены лидера (default: 1m).
	Lookback time.Duration

	// Now — источник времени (тесты).
	Now func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		pipelines:    cfg.Pipelines,
		emitter:      cfg.Emitter,
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          now,
		pollInterval: pollInterval,
		lookback:     lookback,
		cursors:      make(map[string]time.Time),
	}
}

// Run выполняет Tick каждые PollInterval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Загружает последние версии pipelines
// 2. Для каждого Source action с trigger = scheduled ищет срабатывание в (cursor, now]
// 3. Публикует trigger с DedupKey {pipeline}:{schedule}:{unix due}
// 4. Удаляет курсоры расписаний, которых больше нет
//
// Ошибки одного pipeline не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	// 1. Загружаем pipelines
	defs, err := s.pipelines.List(ctx)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	// 2-3. Обрабатываем каждое расписание
	seen := make(map[string]bool)
	var emitted int
	for i := range defs {
		def := &defs[i]
		for _, src := range scheduledSources(def) {
			key := cursorKey(def.ID, src.Schedule)
			seen[key] = true

			ok, err := s.processSchedule(ctx, def, src, key, now)
			if err != nil {
				s.logger.Error("failed to process schedule",
					"pipeline_id", def.ID,
					"pipeline", def.Name,
					"schedule", src.Schedule,
					"error", err,
				)
				continue
			}
			if ok {
				emitted++
			}
		}
	}

	// 4. Чистим курсоры
	s.mu.Lock()
	for key := range s.cursors {
		if !seen[key] {
			delete(s.cursors, key)
		}
	}
	s.mu.Unlock()

	if emitted > 0 {
		s.logger.Info("scheduler tick completed", "emitted", emitted)
	}
	return nil
}

// processSchedule публикует trigger, если расписание сработало с прошлого тика.
// Курсор сдвигается только после успешной публикации: следующий тик
// повторит попытку, а DedupKey не даст создать второй execution.
func (s *Scheduler) processSchedule(ctx context.Context, def *domain.PipelineDefinition, src *domain.SourceAction, key string, now time.Time) (bool, error) {
	sched, err := ParseSchedule(src.Schedule)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	from, ok := s.cursors[key]
	s.mu.Unlock()
	if !ok {
		from = now.Add(-s.lookback)
	}

	due, ok := LastDue(sched, from, now)
	if !ok {
		s.advance(key, now)
		return false, nil
	}

	trigger := domain.Trigger{
		Source:     domain.TriggerScheduled,
		Owner:      src.Owner,
		Repository: src.Repository,
		Branch:     src.Branch,
		Actor:      ActorScheduler,
		DedupKey:   domain.ScheduleDedupKey(def.ID, src.Schedule, due),
		ReceivedAt: now,
	}
	if err := s.emitter.PublishTriggerReceived(ctx, def.ID, trigger); err != nil {
		s.metrics.ScheduledTrigger(def.Name, "failed")
		return false, fmt.Errorf("publish trigger: %w", err)
	}

	s.advance(key, now)
	s.metrics.ScheduledTrigger(def.Name, "emitted")
	s.logger.Info("scheduled trigger emitted",
		"pipeline_id", def.ID,
		"pipeline", def.Name,
		"due", due.Format(time.RFC3339),
		"dedup_key", trigger.DedupKey,
	)
	return true, nil
}

func (s *Scheduler) advance(key string, now time.Time) {
	s.mu.Lock()
	s.cursors[key] = now
	s.mu.Unlock()
}

// scheduledSources возвращает Source action первой стадии с trigger = scheduled.
func scheduledSources(def *domain.PipelineDefinition) []*domain.SourceAction {
	if len(def.Stages) == 0 {
		return nil
	}
	var out []*domain.SourceAction
	for _, a := range def.Stages[0].Actions {
		if a.Kind == domain.ActionKindSource && a.Source != nil &&
			a.Source.Trigger == domain.TriggerScheduled && a.Source.Schedule != "" {
			out = append(out, a.Source)
		}
	}
	return out
}

func cursorKey(pipelineID uuid.UUID, schedule string) string {
	return pipelineID.String() + ":" + schedule
}
