package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
)

// effects — побочные действия перехода, выполняемые после сохранения execution.
type effects struct {
	changed bool

	// jobs — action для отправки воркерам.
	jobs []domain.ActionJob

	// gates — ManualApproval action, для которых открывается gate.
	gates []domain.ActionDefinition

	// finished — execution перешёл в терминальное состояние.
	finished bool

	// cancel — остановить action execution у воркеров.
	cancel bool

	// cancelGates — закрыть открытые gate (отмена).
	cancelGates bool
	actor       string

	// deploys — проверить отложенные Deploy action pipeline.
	deploys bool
}

// transition загружает execution под блокировкой pipeline, применяет fn и сохраняет.
//
// При repo.ErrConflict (запись изменена другим экземпляром) execution
// перечитывается и fn применяется заново. fn не должен иметь побочных
// эффектов вне execution и effects.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, fn func(e *domain.Execution, fx *effects) error) (*domain.Execution, *effects, error) {
	exec, err := o.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	unlock := o.locks.Lock(exec.PipelineID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if exec, err = o.load(ctx, id); err != nil {
				return nil, nil, err
			}
		}

		fx := &effects{}
		if err := fn(exec, fx); err != nil {
			return exec, nil, err
		}
		if !fx.changed {
			return exec, fx, nil
		}

		exec.UpdatedAt = o.now()
		err = o.executions.Update(ctx, exec)
		if err == nil {
			return exec, fx, nil
		}
		if !errors.Is(err, repo.ErrConflict) || attempt == maxUpdateAttempts {
			return nil, nil, fmt.Errorf("update execution %s: %w", id, err)
		}
		o.logger.Debug("execution changed concurrently, retrying", "execution_id", id, "attempt", attempt)
	}
}

// RecordResult сохраняет терминальный результат action и продвигает execution.
//
// Результаты для завершённых executions, прошедших стадий и уже
// завершённых action игнорируются (повторная доставка).
func (o *Orchestrator) RecordResult(ctx context.Context, res domain.ActionResult) error {
	exec, fx, err := o.transition(ctx, res.ExecutionID, func(e *domain.Execution, fx *effects) error {
		if e.IsFinished() || e.Status != domain.ExecutionStatusRunning {
			return nil
		}
		stage := e.CurrentStage()
		if stage == nil || res.StageIndex != e.StageIndex || res.StageName != stage.Name {
			return nil
		}
		action := stage.Action(res.ActionName)
		if action == nil || action.Status.IsTerminal() {
			return nil
		}

		now := o.now()
		action.Status = res.Status
		action.Reason = res.Reason
		action.Error = res.Error
		action.ExitCode = res.ExitCode
		action.Outputs = res.Outputs
		action.FinishedAt = &now
		if res.Status == domain.StageStatusSucceeded {
			if e.Artifacts == nil {
				e.Artifacts = make(map[string]domain.Artifact, len(res.Artifacts))
			}
			for _, a := range res.Artifacts {
				e.Artifacts[a.Name] = a
			}
		} else if action.Reason == "" {
			action.Reason = domain.ReasonActionFailed
		}
		fx.changed = true
		fx.deploys = action.Kind == domain.ActionKindDeploy

		o.metrics.ActionFinished(string(action.Kind), string(action.Status))
		o.logger.Info("action finished",
			"execution_id", e.ID,
			"stage", stage.Name,
			"action", action.Name,
			"kind", action.Kind,
			"status", action.Status,
			"reason", action.Reason,
		)

		if e.CancelRequested {
			// отмена ждала завершения Deploy
			if !stage.DeployInProgress() {
				o.fail(e, domain.ReasonCancelled, cancelMessage(e.CancelRequestedBy), fx)
			}
			return nil
		}

		o.evaluate(e, fx)
		return nil
	})
	if err != nil {
		return err
	}

	o.apply(ctx, exec, fx)
	return nil
}

// Advance проверяет текущую стадию и выполняет переход, если он возможен.
// Повторный вызов без новых результатов ничего не меняет.
func (o *Orchestrator) Advance(ctx context.Context, executionID uuid.UUID) error {
	exec, fx, err := o.transition(ctx, executionID, func(e *domain.Execution, fx *effects) error {
		o.evaluate(e, fx)
		return nil
	})
	if err != nil {
		return err
	}

	o.apply(ctx, exec, fx)
	return nil
}

// evaluate выполняет переход по состоянию action текущей стадии:
//   - есть неудачный action → Failed(i, reason)
//   - все action успешны → Running(i+1) или Succeeded
//   - иначе ничего
func (o *Orchestrator) evaluate(e *domain.Execution, fx *effects) {
	if e.Status != domain.ExecutionStatusRunning || e.CancelRequested {
		return
	}
	stage := e.CurrentStage()
	if stage == nil {
		return
	}

	if failed := stage.FirstFailure(); failed != nil {
		reason := failed.Reason
		if reason == "" {
			reason = domain.ReasonActionFailed
		}
		o.fail(e, reason, failed.Error, fx)
		return
	}

	if !stage.AllSucceeded() {
		return
	}

	now := o.now()
	e.CompleteStage(now)
	fx.changed = true
	o.observeStage(e, stage)

	if e.HasNextStage() {
		o.enterStage(e, e.StageIndex+1, fx)
		return
	}

	e.MarkSucceeded(now)
	fx.finished = true
	o.metrics.ExecutionFinished(e.Definition.Name, string(e.Status), "")
	o.logger.Info("execution succeeded",
		"execution_id", e.ID,
		"pipeline", e.Definition.Name,
		"duration", e.Duration(),
	)
}

// enterStage переводит execution в Running(i) и готовит action стадии.
//
// Action, который не удалось отрендерить, сразу получает FAILED:
// стадия завершится неудачей в evaluate.
func (o *Orchestrator) enterStage(e *domain.Execution, i int, fx *effects) {
	e.EnterStage(i, o.now())
	fx.changed = true

	stageDef := e.CurrentStageDefinition()
	stage := e.CurrentStage()
	o.logger.Info("stage started",
		"execution_id", e.ID,
		"stage", stageDef.Name,
		"index", i,
		"actions", len(stageDef.Actions),
	)

	for _, action := range stageDef.Actions {
		switch action.Kind {
		case domain.ActionKindManualApproval:
			fx.gates = append(fx.gates, action)

		case domain.ActionKindDeploy:
			// отправляется из releaseDeploys, один Deploy на pipeline
			holdAction(stage.Action(action.Name))
			fx.deploys = true

		case domain.ActionKindSource, domain.ActionKindBuild:
			job, err := o.newJob(e, action)
			if err != nil {
				o.failAction(stage.Action(action.Name), domain.ReasonFromError(err), err)
				continue
			}
			fx.jobs = append(fx.jobs, job)

		default:
			o.failAction(stage.Action(action.Name), domain.ReasonActionFailed,
				fmt.Errorf("unknown action kind %q", action.Kind))
		}
	}

	o.evaluate(e, fx)
}

// newJob рендерит action и собирает его входные артефакты.
func (o *Orchestrator) newJob(e *domain.Execution, action domain.ActionDefinition) (domain.ActionJob, error) {
	rendered, err := engine.RenderAction(action, engine.NewContext(e, o.resources))
	if err != nil {
		return domain.ActionJob{}, err
	}

	inputs := make(map[string]domain.Artifact, len(action.InputArtifacts))
	for _, name := range action.InputArtifacts {
		a, ok := e.Artifacts[name]
		if !ok {
			return domain.ActionJob{}, fmt.Errorf("%w: %w: %s", domain.ErrMalformedArtifact, ErrMissingInput, name)
		}
		inputs[name] = a
	}

	return domain.ActionJob{
		ExecutionID: e.ID,
		PipelineID:  e.PipelineID,
		StageIndex:  e.StageIndex,
		StageName:   e.CurrentStageDefinition().Name,
		Action:      rendered,
		Trigger:     e.Trigger,
		Inputs:      inputs,
		Resources:   maps.Clone(o.resources),
	}, nil
}

// fail переводит execution в Failed(i, reason).
func (o *Orchestrator) fail(e *domain.Execution, reason domain.FailureReason, msg string, fx *effects) {
	wasRunning := e.Status == domain.ExecutionStatusRunning
	e.MarkFailed(reason, msg, o.now())
	fx.changed = true
	fx.finished = true
	fx.cancel = wasRunning

	if wasRunning {
		o.observeStage(e, e.CurrentStage())
	}
	o.metrics.ExecutionFinished(e.Definition.Name, string(e.Status), string(reason))
	o.logger.Warn("execution failed",
		"execution_id", e.ID,
		"pipeline", e.Definition.Name,
		"state", e.State().String(),
		"error", msg,
	)
}

func holdAction(a *domain.ActionState) {
	if a == nil {
		return
	}
	a.Status = domain.StageStatusPending
	a.StartedAt = nil
}

func (o *Orchestrator) failAction(a *domain.ActionState, reason domain.FailureReason, err error) {
	if a == nil {
		return
	}
	now := o.now()
	a.Status = domain.StageStatusFailed
	a.Reason = reason
	a.Error = err.Error()
	a.FinishedAt = &now
}

func (o *Orchestrator) observeStage(e *domain.Execution, stage *domain.StageState) {
	if stage == nil || stage.StartedAt == nil {
		return
	}
	o.metrics.StageFinished(e.Definition.Name, stage.Name, string(stage.Status), o.now().Sub(*stage.StartedAt))
}

// apply выполняет побочные действия сохранённого перехода.
//
// Ошибка отправки action записывается как его неудача (ACTION_FAILED).
func (o *Orchestrator) apply(ctx context.Context, exec *domain.Execution, fx *effects) {
	if fx == nil || exec == nil {
		return
	}

	var failures []domain.ActionResult

	for _, action := range fx.gates {
		if _, err := o.gate.Open(ctx, exec, action); err != nil {
			o.logger.Error("failed to open approval gate", "execution_id", exec.ID, "action", action.Name, "error", err)
			failures = append(failures, dispatchFailure(exec, action.Name, err))
		}
	}

	for _, job := range fx.jobs {
		if err := o.dispatch(ctx, job); err != nil {
			o.logger.Error("failed to dispatch action",
				"execution_id", exec.ID,
				"action", job.Action.Name,
				"kind", job.Action.Kind,
				"error", err,
			)
			failures = append(failures, dispatchFailure(exec, job.Action.Name, err))
			continue
		}
		o.logger.Debug("action dispatched", "execution_id", exec.ID, "action", job.Action.Name, "kind", job.Action.Kind)
	}

	if fx.cancelGates {
		if err := o.gate.CancelExecution(ctx, exec.ID, fx.actor); err != nil {
			o.logger.Error("failed to close approval gates", "execution_id", exec.ID, "error", err)
		}
	}

	if fx.cancel && o.dispatcher != nil {
		if err := o.dispatcher.Cancel(ctx, exec.ID); err != nil {
			o.logger.Warn("failed to signal cancellation", "execution_id", exec.ID, "error", err)
		}
	}

	for _, res := range failures {
		if err := o.RecordResult(ctx, res); err != nil {
			o.logger.Error("failed to record dispatch failure", "execution_id", exec.ID, "error", err)
		}
	}

	if fx.finished {
		if err := o.promote(ctx, exec.PipelineID); err != nil {
			o.logger.Error("failed to promote queued execution", "pipeline_id", exec.PipelineID, "error", err)
		}
	}

	if fx.deploys || fx.finished {
		if err := o.releaseDeploys(ctx, exec.PipelineID); err != nil {
			o.logger.Error("failed to release deploy actions", "pipeline_id", exec.PipelineID, "error", err)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, job domain.ActionJob) error {
	if o.dispatcher == nil {
		return ErrNoDispatcher
	}
	return o.dispatcher.Dispatch(ctx, job)
}

func dispatchFailure(exec *domain.Execution, action string, err error) domain.ActionResult {
	return domain.ActionResult{
		ExecutionID: exec.ID,
		StageIndex:  exec.StageIndex,
		StageName:   exec.CurrentStage().Name,
		ActionName:  action,
		Status:      domain.StageStatusFailed,
		Reason:      domain.ReasonActionFailed,
		Error:       err.Error(),
	}
}

// promote запускает самый старый QUEUED execution pipeline,
// если в процессе нет других executions.
func (o *Orchestrator) promote(ctx context.Context, pipelineID uuid.UUID) error {
	exec, fx, err := o.promoteLocked(ctx, pipelineID)
	if err != nil || exec == nil {
		return err
	}

	o.logger.Info("queued execution promoted", "execution_id", exec.ID, "pipeline_id", pipelineID)
	o.apply(ctx, exec, fx)
	return nil
}

func (o *Orchestrator) promoteLocked(ctx context.Context, pipelineID uuid.UUID) (*domain.Execution, *effects, error) {
	unlock := o.locks.Lock(pipelineID)
	defer unlock()

	unfinished, err := o.executions.ListUnfinished(ctx, pipelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("list unfinished executions: %w", err)
	}

	var next *domain.Execution
	for i := range unfinished {
		e := &unfinished[i]
		if e.Status == domain.ExecutionStatusRunning && e.Definition.EffectiveConcurrency() == domain.ConcurrencyQueue {
			return nil, nil, nil
		}
		if e.Status == domain.ExecutionStatusQueued && next == nil {
			next = e
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	fx := &effects{}
	o.enterStage(next, 0, fx)
	next.UpdatedAt = o.now()
	if err := o.executions.Update(ctx, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// другой экземпляр уже продвинул очередь
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("update execution %s: %w", next.ID, err)
	}
	return next, fx, nil
}

// releaseDeploys отправляет отложенные Deploy action самого старого
// execution pipeline, если ни один Deploy этого pipeline не выполняется.
func (o *Orchestrator) releaseDeploys(ctx context.Context, pipelineID uuid.UUID) error {
	exec, fx, err := o.releaseLocked(ctx, pipelineID)
	if err != nil || exec == nil {
		return err
	}

	o.logger.Debug("deploy actions released", "execution_id", exec.ID, "jobs", len(fx.jobs))
	o.apply(ctx, exec, fx)
	return nil
}

func (o *Orchestrator) releaseLocked(ctx context.Context, pipelineID uuid.UUID) (*domain.Execution, *effects, error) {
	unlock := o.locks.Lock(pipelineID)
	defer unlock()

	unfinished, err := o.executions.ListUnfinished(ctx, pipelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("list unfinished executions: %w", err)
	}

	var next *domain.Execution
	for i := range unfinished {
		e := &unfinished[i]
		stage := e.CurrentStage()
		if e.Status != domain.ExecutionStatusRunning || stage == nil {
			continue
		}
		for _, a := range stage.Actions {
			if a.Kind != domain.ActionKindDeploy {
				continue
			}
			if a.Status == domain.StageStatusInProgress {
				return nil, nil, nil
			}
			if a.Status == domain.StageStatusPending && next == nil {
				next = e
			}
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	fx := &effects{changed: true}
	now := o.now()
	stage := next.CurrentStage()
	for _, action := range next.CurrentStageDefinition().Actions {
		state := stage.Action(action.Name)
		if action.Kind != domain.ActionKindDeploy || state == nil || state.Status != domain.StageStatusPending {
			continue
		}
		job, err := o.newJob(next, action)
		if err != nil {
			o.failAction(state, domain.ReasonFromError(err), err)
			continue
		}
		state.Status = domain.StageStatusInProgress
		state.StartedAt = &now
		fx.jobs = append(fx.jobs, job)
	}
	o.evaluate(next, fx)

	next.UpdatedAt = now
	if err := o.executions.Update(ctx, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Deploy уже отправлен другим экземпляром
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("update execution %s: %w", next.ID, err)
	}
	return next, fx, nil
}
