package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Service — операции оркестратора, доступные через API.
// Реализуется *orchestrator.Orchestrator.
type Service interface {
	SavePipeline(ctx context.Context, def *domain.PipelineDefinition, actor string) (*domain.PipelineDefinition, error)
	Pipeline(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error)
	PipelineVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error)
	Pipelines(ctx context.Context) ([]domain.PipelineDefinition, error)

	Start(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) (uuid.UUID, error)
	Get(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error)
	Executions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error)
	Cancel(ctx context.Context, executionID uuid.UUID, actor string) error

	Decide(ctx context.Context, d approval.Decision) (*domain.Approval, error)
	Approvals(ctx context.Context, status domain.ApprovalStatus) ([]domain.Approval, error)
}

// TriggerPublisher публикует принятые webhook triggers (trigger.received).
type TriggerPublisher interface {
	PublishTriggerReceived(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	service       Service
	triggers      TriggerPublisher
	auth          Authenticator
	webhookSecret []byte
	logger        *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Service Service

	// Triggers — если задан, webhook публикует trigger в очередь,
	// иначе execution запускается синхронно.
	Triggers TriggerPublisher

	// Auth — проверка identity (default: DevAuthenticator).
	Auth Authenticator

	// WebhookSecret — секрет подписи X-Hub-Signature-256. Пусто = без проверки.
	WebhookSecret string

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = DevAuthenticator{}
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not configured, signatures are not verified")
	}

	return &Handler{
		service:       cfg.Service,
		triggers:      cfg.Triggers,
		auth:          auth,
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        logger,
	}
}
