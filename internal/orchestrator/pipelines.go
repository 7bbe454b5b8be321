package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
)

// SavePipeline сохраняет определение: новый pipeline (версия 1) или
// новую версию pipeline с тем же именем.
//
// Для новой версии с RestartOnUpdate сразу запускается execution
// (trigger manual, DedupKey "<id>:v<version>").
func (o *Orchestrator) SavePipeline(ctx context.Context, def *domain.PipelineDefinition, actor string) (*domain.PipelineDefinition, error) {
	if err := engine.Validate(def); err != nil {
		return nil, err
	}

	saved := engine.Snapshot(def)
	saved.CreatedAt = o.now()

	existing, err := o.pipelines.GetByName(ctx, def.Name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		saved.ID = uuid.Nil
		if err := o.pipelines.Create(ctx, &saved); err != nil {
			return nil, fmt.Errorf("create pipeline: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("get pipeline: %w", err)
	default:
		saved.ID = existing.ID
		if err := o.pipelines.CreateVersion(ctx, &saved); err != nil {
			return nil, fmt.Errorf("create pipeline version: %w", err)
		}
	}

	o.logger.Info("pipeline saved",
		"pipeline_id", saved.ID,
		"pipeline", saved.Name,
		"version", saved.Version,
		"stages", len(saved.Stages),
	)

	if saved.Version > 1 && saved.RestartOnUpdate {
		trigger := domain.Trigger{
			Source:   domain.TriggerManual,
			Actor:    actor,
			DedupKey: saved.ID.String() + ":v" + strconv.Itoa(saved.Version),
		}
		if _, err := o.StartDefinition(ctx, &saved, trigger); err != nil {
			return &saved, fmt.Errorf("start execution on update: %w", err)
		}
	}
	return &saved, nil
}

// Pipeline возвращает последнюю версию pipeline.
func (o *Orchestrator) Pipeline(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	def, err := o.pipelines.GetLatest(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	return def, err
}

// PipelineVersion возвращает конкретную версию pipeline.
func (o *Orchestrator) PipelineVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	def, err := o.pipelines.GetVersion(ctx, id, version)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s v%d", domain.ErrPipelineNotFound, id, version)
	}
	return def, err
}

// Pipelines возвращает последние версии всех pipelines.
func (o *Orchestrator) Pipelines(ctx context.Context) ([]domain.PipelineDefinition, error) {
	return o.pipelines.List(ctx)
}

// Executions возвращает executions по фильтру.
func (o *Orchestrator) Executions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	return o.executions.List(ctx, filter)
}

// Approvals возвращает approvals со статусом (пусто = все).
func (o *Orchestrator) Approvals(ctx context.Context, status domain.ApprovalStatus) ([]domain.Approval, error) {
	return o.gate.List(ctx, status)
}
