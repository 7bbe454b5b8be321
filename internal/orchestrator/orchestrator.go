package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	maxUpdateAttempts   = 5
)

// Orchestrator ведёт executions по стадиям.
type Orchestrator struct {
	executions ExecutionStore
	pipelines  PipelineStore
	gate       *approval.Gate
	dispatcher Dispatcher

	// resources — выходные идентификаторы Resource Declaration для шаблонов.
	resources map[string]string

	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	pollInterval time.Duration
	batchSize    int

	locks *keyedMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Executions ExecutionStore
	Pipelines  PipelineStore
	Gate       *approval.Gate
	Dispatcher Dispatcher

	// Resources — идентификаторы ресурсов (RegistryURI, ServiceID, ClusterName, ...).
	Resources map[string]string

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// PollInterval — интервал Tick в Run (default: 10s).
	PollInterval time.Duration

	// BatchSize — число approvals, истекающих за один Tick (default: 100).
	BatchSize int

	// Now — источник времени (тесты).
	Now func() time.Time
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		executions:   cfg.Executions,
		pipelines:    cfg.Pipelines,
		gate:         cfg.Gate,
		dispatcher:   cfg.Dispatcher,
		resources:    maps.Clone(cfg.Resources),
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          now,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		locks:        newKeyedMutex(),
	}
}

// Run выполняет Tick каждые PollInterval до отмены ctx.
//
// Первый Tick выполняется сразу: подхватываются executions,
// оставшиеся в очереди после рестарта.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "poll_interval", o.pollInterval)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx, o.now()); err != nil && ctx.Err() == nil {
			o.logger.Error("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start создаёт execution последней версии pipeline по trigger.
//
// Повторный trigger с тем же DedupKey возвращает существующий execution.
// Невалидное определение возвращает domain.ErrInvalidDefinition без создания execution.
func (o *Orchestrator) Start(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) (uuid.UUID, error) {
	def, err := o.pipelines.GetLatest(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
		}
		return uuid.Nil, fmt.Errorf("get pipeline: %w", err)
	}
	return o.StartDefinition(ctx, def, trigger)
}

// StartDefinition создаёт execution для конкретной версии определения.
func (o *Orchestrator) StartDefinition(ctx context.Context, def *domain.PipelineDefinition, trigger domain.Trigger) (uuid.UUID, error) {
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = o.now()
	}

	exec, fx, err := o.create(ctx, def, trigger)
	if err != nil {
		return uuid.Nil, err
	}
	if fx != nil {
		o.apply(ctx, exec, fx)
	}
	return exec.ID, nil
}

// create выполняет шаги Start под блокировкой pipeline.
// fx == nil означает, что execution уже существовал (dedup).
func (o *Orchestrator) create(ctx context.Context, def *domain.PipelineDefinition, trigger domain.Trigger) (*domain.Execution, *effects, error) {
	unlock := o.locks.Lock(def.ID)
	defer unlock()

	// 1. Dedup по ключу идемпотентности
	if trigger.DedupKey != "" {
		existing, err := o.executions.GetByIdempotencyKey(ctx, def.ID, trigger.DedupKey)
		if err == nil {
			o.logger.Debug("duplicate trigger", "execution_id", existing.ID, "dedup_key", trigger.DedupKey)
			return existing, nil, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, nil, fmt.Errorf("get execution by key: %w", err)
		}
	}

	// 2. Валидация определения
	if err := engine.Validate(def); err != nil {
		return nil, nil, err
	}

	// 3. Snapshot и новый execution
	now := o.now()
	exec := domain.NewExecution(engine.Snapshot(def), trigger, now)

	// 4. Политика параллельных executions
	fx := &effects{}
	queued := false
	if def.EffectiveConcurrency() == domain.ConcurrencyQueue {
		inflight, err := o.executions.ListUnfinished(ctx, def.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list unfinished executions: %w", err)
		}
		queued = len(inflight) > 0
	}
	if !queued {
		o.enterStage(exec, 0, fx)
	}

	// 5. Сохранение до отправки action
	if err := o.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && trigger.DedupKey != "" {
			existing, getErr := o.executions.GetByIdempotencyKey(ctx, def.ID, trigger.DedupKey)
			if getErr == nil {
				return existing, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}

	o.metrics.ExecutionStarted(def.Name)
	o.logger.Info("execution created",
		"execution_id", exec.ID,
		"pipeline_id", def.ID,
		"pipeline", def.Name,
		"version", def.Version,
		"trigger", trigger.Source,
		"revision", trigger.Revision,
		"state", exec.State().String(),
	)
	return exec, fx, nil
}

// Status возвращает состояние execution.
func (o *Orchestrator) Status(ctx context.Context, executionID uuid.UUID) (domain.ExecutionState, error) {
	exec, err := o.load(ctx, executionID)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	return exec.State(), nil
}

// Get возвращает execution целиком.
func (o *Orchestrator) Get(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	return o.load(ctx, executionID)
}

// Decide передаёт решение approval gate и продвигает execution.
//
// Reject переводит execution в Failed(i, GATE_REJECTED), опоздавшее
// решение по истёкшему gate — в Failed(i, GATE_EXPIRED).
// Ошибки: domain.ErrUnknownExecution, domain.ErrStageNotPending,
// approval.ErrInvalidDecision, approval.ErrNotApprover.
func (o *Orchestrator) Decide(ctx context.Context, d approval.Decision) (*domain.Approval, error) {
	exec, err := o.load(ctx, d.ExecutionID)
	if err != nil {
		return nil, err
	}

	stage := exec.CurrentStage()
	if exec.Status != domain.ExecutionStatusRunning || exec.CancelRequested || stage == nil || stage.Name != d.StageName {
		return nil, fmt.Errorf("%w: execution %s is %s", domain.ErrStageNotPending, exec.ID, exec.State())
	}

	a, err := o.gate.Decide(ctx, d)
	if err != nil {
		// решение опоздало: gate истёк, execution завершается сразу
		if a != nil && a.Status == domain.ApprovalStatusExpired {
			if recErr := o.RecordResult(ctx, gateResult(a)); recErr != nil {
				return nil, errors.Join(err, recErr)
			}
		}
		return nil, err
	}

	if err := o.RecordResult(ctx, gateResult(a)); err != nil {
		return a, err
	}
	return a, nil
}

// Cancel останавливает execution: Failed(i, CANCELLED).
//
// Открытые gate закрываются, воркеры получают сигнал отмены.
// Если выполняется Deploy, execution остаётся RUNNING с CancelRequested
// и завершается, когда Deploy сообщит результат: до этого следующий
// Deploy pipeline не отправляется.
func (o *Orchestrator) Cancel(ctx context.Context, executionID uuid.UUID, actor string) error {
	deferred := false
	exec, fx, err := o.transition(ctx, executionID, func(e *domain.Execution, fx *effects) error {
		if e.IsFinished() {
			return fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, e.State())
		}
		fx.cancelGates = true
		fx.actor = actor

		if e.Status == domain.ExecutionStatusRunning && e.CurrentStage().DeployInProgress() {
			deferred = true
			fx.cancel = true
			if !e.CancelRequested {
				e.CancelRequested = true
				e.CancelRequestedBy = actor
				fx.changed = true
			}
			return nil
		}

		o.fail(e, domain.ReasonCancelled, cancelMessage(actor), fx)
		return nil
	})
	if err != nil {
		return err
	}

	if deferred {
		o.logger.Info("execution cancel requested, waiting for deploy", "execution_id", exec.ID, "actor", actor)
	} else {
		o.logger.Info("execution cancelled", "execution_id", exec.ID, "actor", actor)
	}
	o.apply(ctx, exec, fx)
	return nil
}

func cancelMessage(actor string) string {
	if actor == "" {
		return "cancelled"
	}
	return "cancelled by " + actor
}

// Tick выполняет периодическую работу:
//   - истекшие approval gate → Failed(i, GATE_EXPIRED)
//   - сверка открытых gate с решениями в хранилище
//   - продвижение очереди QUEUED executions
//   - отправка отложенных Deploy action
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	var errs []error

	// 1. Истечение gate
	expired, err := o.gate.ExpireDue(ctx, now, o.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire approvals: %w", err))
	}
	for i := range expired {
		if err := o.RecordResult(ctx, gateResult(&expired[i])); err != nil {
			errs = append(errs, err)
		}
	}

	unfinished, err := o.executions.ListUnfinished(ctx, uuid.Nil)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unfinished executions: %w", err))
		return errors.Join(errs...)
	}

	// 2. Сверка gate, 3. очередь и 4. отложенные Deploy
	queuedPipelines := make(map[uuid.UUID]bool)
	runningPipelines := make(map[uuid.UUID]bool)
	for i := range unfinished {
		exec := &unfinished[i]
		switch exec.Status {
		case domain.ExecutionStatusQueued:
			queuedPipelines[exec.PipelineID] = true
		case domain.ExecutionStatusRunning:
			runningPipelines[exec.PipelineID] = true
			if err := o.reconcileGates(ctx, exec); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for pipelineID := range queuedPipelines {
		if err := o.promote(ctx, pipelineID); err != nil {
			errs = append(errs, err)
		}
	}
	for pipelineID := range runningPipelines {
		if err := o.releaseDeploys(ctx, pipelineID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := o.gate.SyncPending(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcileGates открывает недостающие gate текущей стадии и
// записывает решения, которые не дошли до execution.
func (o *Orchestrator) reconcileGates(ctx context.Context, exec *domain.Execution) error {
	stageDef := exec.CurrentStageDefinition()
	stage := exec.CurrentStage()
	if stageDef == nil || stage == nil || exec.CancelRequested {
		return nil
	}

	for _, action := range stageDef.Actions {
		if action.Kind != domain.ActionKindManualApproval {
			continue
		}
		state := stage.Action(action.Name)
		if state == nil || state.Status.IsTerminal() {
			continue
		}

		a, err := o.gate.Get(ctx, exec.ID, stageDef.Name)
		if errors.Is(err, repo.ErrNotFound) {
			if _, err := o.gate.Open(ctx, exec, action); err != nil {
				return fmt.Errorf("open gate %s/%s: %w", exec.ID, stageDef.Name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get approval: %w", err)
		}
		if a.Status.IsTerminal() {
			if err := o.RecordResult(ctx, gateResult(a)); err != nil {
				return err
			}
		}
	}
	return nil
}

// load читает execution, repo.ErrNotFound → domain.ErrUnknownExecution.
func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	exec, err := o.executions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownExecution, id)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// gateResult переводит решение по gate в результат ManualApproval action.
func gateResult(a *domain.Approval) domain.ActionResult {
	res := domain.ActionResult{
		ExecutionID: a.ExecutionID,
		StageIndex:  a.StageIndex,
		StageName:   a.StageName,
		ActionName:  a.ActionName,
		Status:      domain.StageStatusSucceeded,
		Outputs:     map[string]string{"approved_by": a.Actor},
	}

	switch a.Status {
	case domain.ApprovalStatusRejected:
		res.Status = domain.StageStatusFailed
		res.Reason = domain.ReasonGateRejected
		res.Error = fmt.Sprintf("%s by %s", domain.ErrGateRejected, a.Actor)
		if a.Comment != "" {
			res.Error += ": " + a.Comment
		}
		res.Outputs = map[string]string{"rejected_by": a.Actor}
	case domain.ApprovalStatusExpired:
		res.Status = domain.StageStatusFailed
		res.Reason = domain.ReasonGateExpired
		res.Error = domain.ErrGateExpired.Error()
		res.Outputs = nil
	}
	return res
}
