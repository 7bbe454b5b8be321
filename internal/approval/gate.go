// Package approval реализует approval gate: точку остановки execution
// до явного внешнего решения approve/reject.
//
// Gate не блокирует горутину на время ожидания. Open сохраняет PENDING
// запись, Decide переводит её в APPROVED или REJECTED, ExpireDue
// переводит просроченные записи в EXPIRED. Продвижение execution после
// решения выполняет оркестратор.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// DefaultTimeout — время ожидания решения по умолчанию.
const DefaultTimeout = 7 * 24 * time.Hour

// Ошибки approval gate.
var (
	// ErrInvalidDecision — решение не approve и не reject.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrNotApprover — actor не может принимать решение по gate.
	ErrNotApprover = errors.New("actor is not an approver")
)

// Verdict — решение по gate.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Decision — внешнее решение по стадии execution.
type Decision struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	StageName   string    `json:"stage_name"`
	Decision    Verdict   `json:"decision"`
	Actor       string    `json:"actor"`
	Comment     string    `json:"comment,omitempty"`
}

// Validate проверяет форму решения.
func (d Decision) Validate() error {
	switch d.Decision {
	case VerdictApprove, VerdictReject:
	default:
		return fmt.Errorf("%w: %q (expected approve or reject)", ErrInvalidDecision, d.Decision)
	}
	if d.StageName == "" {
		return fmt.Errorf("%w: stage_name is required", ErrInvalidDecision)
	}
	if d.Actor == "" {
		return fmt.Errorf("%w: anonymous decision", ErrNotApprover)
	}
	return nil
}

// Store — хранилище approvals.
//
// Update сохраняет только переход из PENDING: если запись уже решена,
// возвращается repo.ErrConflict.
type Store interface {
	Create(ctx context.Context, a *domain.Approval) error
	GetByStage(ctx context.Context, executionID uuid.UUID, stageName string) (*domain.Approval, error)
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.Approval, error)
	List(ctx context.Context, status domain.ApprovalStatus) ([]domain.Approval, error)
	ListPendingDue(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error)
	Update(ctx context.Context, a *domain.Approval) error
}

// Config — конфигурация Gate.
type Config struct {
	Store Store

	// DefaultTimeout — если у action не задан TimeoutSec (default: 7 дней).
	DefaultTimeout time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Now — источник времени (тесты).
	Now func() time.Time
}

// Gate управляет approvals.
type Gate struct {
	store          Store
	defaultTimeout time.Duration
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	now            func() time.Time

	mu sync.Mutex
}

// New создаёт Gate.
func New(cfg Config) *Gate {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:          cfg.Store,
		defaultTimeout: timeout,
		metrics:        cfg.Metrics,
		logger:         logger,
		now:            now,
	}
}

// Open открывает gate для текущей стадии execution.
//
// Повторный вызов для той же стадии возвращает существующую запись.
func (g *Gate) Open(ctx context.Context, exec *domain.Execution, action domain.ActionDefinition) (*domain.Approval, error) {
	stage := exec.CurrentStageDefinition()
	if stage == nil {
		return nil, fmt.Errorf("execution %s has no current stage", exec.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.store.GetByStage(ctx, exec.ID, stage.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("get approval: %w", err)
	}

	timeout := g.defaultTimeout
	var approvers []string
	if action.Approval != nil {
		if action.Approval.TimeoutSec > 0 {
			timeout = time.Duration(action.Approval.TimeoutSec) * time.Second
		}
		approvers = append(approvers, action.Approval.Approvers...)
	}

	now := g.now()
	a := &domain.Approval{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		StageIndex:  exec.StageIndex,
		StageName:   stage.Name,
		ActionName:  action.Name,
		Status:      domain.ApprovalStatusPending,
		Approvers:   approvers,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}
	if err := g.store.Create(ctx, a); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return g.store.GetByStage(ctx, exec.ID, stage.Name)
		}
		return nil, fmt.Errorf("create approval: %w", err)
	}

	g.metrics.ApprovalOpened()
	g.logger.Info("approval gate opened",
		"execution_id", exec.ID,
		"stage", stage.Name,
		"action", action.Name,
		"expires_at", a.ExpiresAt,
	)
	return a, nil
}

// Decide записывает решение.
//
// Ошибки: ErrInvalidDecision, ErrNotApprover, domain.ErrStageNotPending
// (gate не открыт, уже решён или истёк).
func (g *Gate) Decide(ctx context.Context, d Decision) (*domain.Approval, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	a, err := g.store.GetByStage(ctx, d.ExecutionID, d.StageName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: stage %s has no open approval", domain.ErrStageNotPending, d.StageName)
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if a.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: stage %s already %s", domain.ErrStageNotPending, d.StageName, a.Status)
	}

	now := g.now()
	if a.IsExpired(now) {
		a.Expire(now)
		if err := g.update(ctx, a); err != nil {
			return nil, err
		}
		return a, fmt.Errorf("%w: %w: stage %s", domain.ErrStageNotPending, domain.ErrGateExpired, d.StageName)
	}

	if !a.CanDecide(d.Actor) {
		return nil, fmt.Errorf("%w: %s", ErrNotApprover, d.Actor)
	}

	if d.Decision == VerdictApprove {
		a.Approve(d.Actor, d.Comment, now)
	} else {
		a.Reject(d.Actor, d.Comment, now)
	}
	if err := g.update(ctx, a); err != nil {
		return nil, err
	}

	g.logger.Info("approval decided",
		"execution_id", a.ExecutionID,
		"stage", a.StageName,
		"status", a.Status,
		"actor", d.Actor,
	)
	return a, nil
}

// ExpireDue переводит просроченные PENDING approvals в EXPIRED и возвращает их.
func (g *Gate) ExpireDue(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	due, err := g.store.ListPendingDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due approvals: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	expired := make([]domain.Approval, 0, len(due))
	for i := range due {
		a := &due[i]
		a.Expire(now)
		if err := g.update(ctx, a); err != nil {
			if errors.Is(err, domain.ErrStageNotPending) {
				continue
			}
			return expired, err
		}
		g.logger.Info("approval expired", "execution_id", a.ExecutionID, "stage", a.StageName)
		expired = append(expired, *a)
	}
	return expired, nil
}

// CancelExecution закрывает открытые gate отменённого execution.
func (g *Gate) CancelExecution(ctx context.Context, executionID uuid.UUID, actor string) error {
	approvals, err := g.store.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for i := range approvals {
		a := &approvals[i]
		if a.Status.IsTerminal() {
			continue
		}
		a.Reject(actor, "execution cancelled", now)
		if err := g.update(ctx, a); err != nil && !errors.Is(err, domain.ErrStageNotPending) {
			return err
		}
	}
	return nil
}

// Get возвращает approval стадии execution (repo.ErrNotFound, если gate не открыт).
func (g *Gate) Get(ctx context.Context, executionID uuid.UUID, stageName string) (*domain.Approval, error) {
	return g.store.GetByStage(ctx, executionID, stageName)
}

// ListByExecution возвращает approvals execution.
func (g *Gate) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.Approval, error) {
	return g.store.ListByExecution(ctx, executionID)
}

// List возвращает approvals со статусом (пусто = все).
func (g *Gate) List(ctx context.Context, status domain.ApprovalStatus) ([]domain.Approval, error) {
	return g.store.List(ctx, status)
}

// SyncPending выставляет gauge открытых gate по хранилищу.
func (g *Gate) SyncPending(ctx context.Context) error {
	pending, err := g.store.List(ctx, domain.ApprovalStatusPending)
	if err != nil {
		return err
	}
	g.metrics.ApprovalsPending(len(pending))
	return nil
}

// update сохраняет решение и закрывает gate в метриках.
func (g *Gate) update(ctx context.Context, a *domain.Approval) error {
	if err := g.store.Update(ctx, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: stage %s decided concurrently", domain.ErrStageNotPending, a.StageName)
		}
		return fmt.Errorf("update approval: %w", err)
	}
	g.metrics.ApprovalClosed()
	return nil
}
