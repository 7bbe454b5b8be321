package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Pipeline DTOs

// PipelineResponse — ответ с версией pipeline.
type PipelineResponse struct {
	ID              uuid.UUID                `json:"id"`
	Name            string                   `json:"name"`
	Version         int                      `json:"version"`
	Concurrency     domain.ConcurrencyPolicy `json:"concurrency"`
	RestartOnUpdate bool                     `json:"restart_on_update,omitempty"`
	Stages          []domain.StageDefinition `json:"stages"`
	CreatedAt       time.Time                `json:"created_at"`
}

// PipelineFromDomain конвертирует domain.PipelineDefinition в PipelineResponse.
func PipelineFromDomain(p domain.PipelineDefinition) PipelineResponse {
	return PipelineResponse{
		ID:              p.ID,
		Name:            p.Name,
		Version:         p.Version,
		Concurrency:     p.EffectiveConcurrency(),
		RestartOnUpdate: p.RestartOnUpdate,
		Stages:          p.Stages,
		CreatedAt:       p.CreatedAt,
	}
}

// PipelineSummary — элемент списка pipelines.
type PipelineSummary struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Stages    []string  `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineSummaryFromDomain конвертирует domain.PipelineDefinition в PipelineSummary.
func PipelineSummaryFromDomain(p domain.PipelineDefinition) PipelineSummary {
	stages := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = s.Name
	}
	return PipelineSummary{
		ID:        p.ID,
		Name:      p.Name,
		Version:   p.Version,
		Stages:    stages,
		CreatedAt: p.CreatedAt,
	}
}

// Execution DTOs

// StartExecutionRequest — ручной запуск execution.
type StartExecutionRequest struct {
	Branch         string `json:"branch,omitempty"`
	Revision       string `json:"revision,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// StartExecutionResponse — ответ на запуск execution.
type StartExecutionResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	State       string    `json:"state"`
}

// ExecutionResponse — ответ с execution.
type ExecutionResponse struct {
	ID              uuid.UUID              `json:"id"`
	PipelineID      uuid.UUID              `json:"pipeline_id"`
	PipelineName    string                 `json:"pipeline_name"`
	PipelineVersion int                    `json:"pipeline_version"`
	Status          domain.ExecutionStatus `json:"status"`
	State           string                 `json:"state"`
	StageIndex      int                    `json:"stage_index"`
	Reason          domain.FailureReason   `json:"reason,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Trigger         domain.Trigger         `json:"trigger"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	Stages          []domain.StageState    `json:"stages"`

	// Artifacts — метаданные артефактов (name → metadata).
	Artifacts map[string]map[string]string `json:"artifacts,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// ExecutionFromDomain конвертирует domain.Execution в ExecutionResponse.
func ExecutionFromDomain(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:              e.ID,
		PipelineID:      e.PipelineID,
		PipelineName:    e.Definition.Name,
		PipelineVersion: e.PipelineVersion,
		Status:          e.Status,
		State:           e.State().String(),
		StageIndex:      e.StageIndex,
		Reason:          e.Reason,
		Error:           e.Error,
		Trigger:         e.Trigger,
		CancelRequested: e.CancelRequested,
		Stages:          e.Stages,
		Artifacts:       e.ArtifactMetadata(),
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
		DurationMs:      e.Duration().Milliseconds(),
	}
}

// ExecutionSummary — элемент списка executions.
type ExecutionSummary struct {
	ID              uuid.UUID              `json:"id"`
	PipelineID      uuid.UUID              `json:"pipeline_id"`
	PipelineVersion int                    `json:"pipeline_version"`
	Status          domain.ExecutionStatus `json:"status"`
	State           string                 `json:"state"`
	Revision        string                 `json:"revision,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
}

// ExecutionSummaryFromDomain конвертирует domain.Execution в ExecutionSummary.
func ExecutionSummaryFromDomain(e domain.Execution) ExecutionSummary {
	return ExecutionSummary{
		ID:              e.ID,
		PipelineID:      e.PipelineID,
		PipelineVersion: e.PipelineVersion,
		Status:          e.Status,
		State:           e.State().String(),
		Revision:        e.Trigger.Revision,
		CreatedAt:       e.CreatedAt,
		FinishedAt:      e.FinishedAt,
	}
}

// Approval DTOs

// DecisionRequest — решение по approval gate.
type DecisionRequest struct {
	StageName string `json:"stage_name"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
}

// ApprovalResponse — ответ с approval.
type ApprovalResponse struct {
	ID          uuid.UUID             `json:"id"`
	ExecutionID uuid.UUID             `json:"execution_id"`
	PipelineID  uuid.UUID             `json:"pipeline_id"`
	StageIndex  int                   `json:"stage_index"`
	StageName   string                `json:"stage_name"`
	ActionName  string                `json:"action_name"`
	Status      domain.ApprovalStatus `json:"status"`
	Approvers   []string              `json:"approvers,omitempty"`
	Actor       string                `json:"actor,omitempty"`
	Comment     string                `json:"comment,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	DecidedAt   *time.Time            `json:"decided_at,omitempty"`
}

// ApprovalFromDomain конвертирует domain.Approval в ApprovalResponse.
func ApprovalFromDomain(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		PipelineID:  a.PipelineID,
		StageIndex:  a.StageIndex,
		StageName:   a.StageName,
		ActionName:  a.ActionName,
		Status:      a.Status,
		Approvers:   a.Approvers,
		Actor:       a.Actor,
		Comment:     a.Comment,
		CreatedAt:   a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
		DecidedAt:   a.DecidedAt,
	}
}

// Webhook DTOs

// PushEvent — поля GitHub push event, нужные для trigger.
type PushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`

	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`

	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// WebhookResponse — результат обработки webhook.
type WebhookResponse struct {
	// Accepted — trigger принят (иначе Reason объясняет, почему событие пропущено).
	Accepted    bool       `json:"accepted"`
	Reason      string     `json:"reason,omitempty"`
	DedupKey    string     `json:"dedup_key,omitempty"`
	ExecutionID *uuid.UUID `json:"execution_id,omitempty"`
}
