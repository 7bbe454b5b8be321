package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Executor — выполнение action одного вида.
//
// Реализации: SourceExecutor, BuildExecutor, DeployExecutor.
// ManualApproval action выполняет оркестратор, воркер их не получает.
//
// Ошибка Execute отображается в FailureReason через domain.ReasonFromError.
type Executor interface {
	Execute(ctx context.Context, job domain.ActionJob) (*Result, error)
}

// Result — результат успешного action.
type Result struct {
	// Artifacts — созданные выходные артефакты.
	Artifacts []domain.Artifact

	// Outputs — значения для ActionState.Outputs.
	Outputs map[string]string
}

// Registry — реестр executor'ов по виду action.
type Registry struct {
	executors map[domain.ActionKind]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.ActionKind]Executor)}
}

// Register добавляет executor для вида action.
func (r *Registry) Register(kind domain.ActionKind, executor Executor) {
	r.executors[kind] = executor
}

// Get возвращает executor для вида action.
func (r *Registry) Get(kind domain.ActionKind) (Executor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionKind, kind)
	}
	return executor, nil
}

// Execute выполняет job и формирует терминальный результат.
func (r *Registry) Execute(ctx context.Context, job domain.ActionJob, logger *slog.Logger) domain.ActionResult {
	logger = logger.With(
		"execution_id", job.ExecutionID,
		"stage", job.StageName,
		"action", job.Action.Name,
		"kind", job.Action.Kind,
	)

	executor, err := r.Get(job.Action.Kind)
	if err != nil {
		logger.Error("no executor for action", "error", err)
		return job.ResultFromError(err)
	}

	logger.Info("action started")
	started := time.Now()

	out, err := executor.Execute(ctx, job)
	res := job.ResultFromError(err)
	if err != nil {
		logger.Warn("action failed", "reason", res.Reason, "duration", time.Since(started), "error", err)
		return res
	}

	if out != nil {
		res.Artifacts = out.Artifacts
		res.Outputs = out.Outputs
	}
	logger.Info("action succeeded", "duration", time.Since(started), "artifacts", len(res.Artifacts))
	return res
}

// input возвращает входной артефакт action по индексу InputArtifacts.
func input(job domain.ActionJob, i int) (domain.Artifact, error) {
	if i >= len(job.Action.InputArtifacts) {
		return domain.Artifact{}, fmt.Errorf("%w: action %s has no input artifact", domain.ErrMalformedArtifact, job.Action.Name)
	}
	name := job.Action.InputArtifacts[i]
	a, ok := job.Inputs[name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: input %s not provided", domain.ErrMalformedArtifact, name)
	}
	return a, nil
}
