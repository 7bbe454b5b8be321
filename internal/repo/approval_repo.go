package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ApprovalRepo — репозиторий для работы с approvals.
type ApprovalRepo struct {
	pool *pgxpool.Pool
}

// NewApprovalRepo создаёт новый ApprovalRepo.
func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

const approvalColumns = `id, execution_id, pipeline_id, stage_index, stage_name, action_name,
		       status, approvers, actor, comment, created_at, expires_at, decided_at`

// Create создаёт approval. Один approval на (execution, stage).
func (r *ApprovalRepo) Create(ctx context.Context, a *domain.Approval) error {
	approvers := a.Approvers
	if approvers == nil {
		approvers = []string{}
	}

	query := `
		INSERT INTO approvals (id, execution_id, pipeline_id, stage_index, stage_name, action_name,
		                       status, approvers, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.ExecutionID,
		a.PipelineID,
		a.StageIndex,
		a.StageName,
		a.ActionName,
		a.Status,
		approvers,
		a.CreatedAt,
		a.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: approval for %s/%s", ErrAlreadyExists, a.ExecutionID, a.StageName)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetByStage возвращает approval стадии execution.
func (r *ApprovalRepo) GetByStage(ctx context.Context, executionID uuid.UUID, stageName string) (*domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE execution_id = $1 AND stage_name = $2`
	return scanApproval(r.pool.QueryRow(ctx, query, executionID, stageName))
}

// ListByExecution возвращает approvals execution.
func (r *ApprovalRepo) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE execution_id = $1 ORDER BY created_at`
	return r.query(ctx, query, executionID)
}

// List возвращает approvals со статусом (пусто = все).
func (r *ApprovalRepo) List(ctx context.Context, status domain.ApprovalStatus) ([]domain.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at
	`
	return r.query(ctx, query, nullString(string(status)))
}

// ListPendingDue возвращает PENDING approvals с expires_at <= now.
func (r *ApprovalRepo) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	if limit <= 0 {
		limit = DefaultLimit
	}
	return r.query(ctx, query, now, limit)
}

// Update сохраняет решение. Запись должна быть PENDING, иначе ErrConflict.
func (r *ApprovalRepo) Update(ctx context.Context, a *domain.Approval) error {
	query := `
		UPDATE approvals
		SET status = $2, actor = $3, comment = $4, decided_at = $5
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Status,
		nullString(a.Actor),
		nullString(a.Comment),
		a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: approval %s is not pending", ErrConflict, a.ID)
	}
	return nil
}

func (r *ApprovalRepo) query(ctx context.Context, query string, args ...any) ([]domain.Approval, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// scanApproval сканирует одну строку в Approval.
func scanApproval(row pgx.Row) (*domain.Approval, error) {
	var a domain.Approval
	var actor, comment *string

	err := row.Scan(
		&a.ID,
		&a.ExecutionID,
		&a.PipelineID,
		&a.StageIndex,
		&a.StageName,
		&a.ActionName,
		&a.Status,
		&a.Approvers,
		&actor,
		&comment,
		&a.CreatedAt,
		&a.ExpiresAt,
		&a.DecidedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	if actor != nil {
		a.Actor = *actor
	}
	if comment != nil {
		a.Comment = *comment
	}
	if len(a.Approvers) == 0 {
		a.Approvers = nil
	}
	return &a, nil
}
