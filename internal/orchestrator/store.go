package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ExecutionStore — хранилище executions.
//
// Update сохраняет execution, только если Generation совпадает с сохранённым,
// иначе возвращает repo.ErrConflict. Реализации: repo.ExecutionRepo, memstore.
type ExecutionStore interface {
	Create(ctx context.Context, e *domain.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	GetByIdempotencyKey(ctx context.Context, pipelineID uuid.UUID, key string) (*domain.Execution, error)
	Update(ctx context.Context, e *domain.Execution) error
	ListUnfinished(ctx context.Context, pipelineID uuid.UUID) ([]domain.Execution, error)
	List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error)
}

// PipelineStore — хранилище версий pipelines.
type PipelineStore interface {
	Create(ctx context.Context, def *domain.PipelineDefinition) error
	CreateVersion(ctx context.Context, def *domain.PipelineDefinition) error
	GetLatest(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error)
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error)
	GetByName(ctx context.Context, name string) (*domain.PipelineDefinition, error)
	List(ctx context.Context) ([]domain.PipelineDefinition, error)
}
