package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ExecutionRepo — репозиторий для работы с executions.
//
// Execution хранится документом (document JSONB); status, stage_index,
// reason и idempotency_key продублированы в колонках для фильтров и индексов.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// Create создаёт новый execution.
func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	e.Generation = 1
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	query := `
		INSERT INTO executions (id, pipeline_id, pipeline_version, status, stage_index, reason,
		                        idempotency_key, generation, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		e.ID,
		e.PipelineID,
		e.PipelineVersion,
		e.Status,
		e.StageIndex,
		nullString(string(e.Reason)),
		nullString(e.IdempotencyKey),
		e.Generation,
		doc,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: execution %s", ErrAlreadyExists, e.IdempotencyKey)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetByID возвращает execution по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT document, generation FROM executions WHERE id = $1`
	return scanExecution(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает execution по ключу идемпотентности.
func (r *ExecutionRepo) GetByIdempotencyKey(ctx context.Context, pipelineID uuid.UUID, key string) (*domain.Execution, error) {
	query := `
		SELECT document, generation
		FROM executions
		WHERE pipeline_id = $1 AND idempotency_key = $2
	`
	return scanExecution(r.pool.QueryRow(ctx, query, pipelineID, key))
}

// Update сохраняет execution с проверкой generation.
// Если запись изменена параллельно, возвращается ErrConflict.
func (r *ExecutionRepo) Update(ctx context.Context, e *domain.Execution) error {
	next := *e
	next.Generation = e.Generation + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $3, stage_index = $4, reason = $5, document = $6,
		    generation = generation + 1, updated_at = $7
		WHERE id = $1 AND generation = $2
	`
	result, err := r.pool.Exec(ctx, query,
		e.ID,
		e.Generation,
		e.Status,
		e.StageIndex,
		nullString(string(e.Reason)),
		doc,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check execution: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: execution %s generation %d", ErrConflict, e.ID, e.Generation)
	}
	e.Generation = next.Generation
	return nil
}

// ListUnfinished возвращает QUEUED и RUNNING executions в порядке создания.
// uuid.Nil = все pipelines.
func (r *ExecutionRepo) ListUnfinished(ctx context.Context, pipelineID uuid.UUID) ([]domain.Execution, error) {
	query := `
		SELECT document, generation
		FROM executions
		WHERE status IN ('QUEUED', 'RUNNING')
		  AND ($1::uuid IS NULL OR pipeline_id = $1)
		ORDER BY created_at ASC, id ASC
	`
	var filter *uuid.UUID
	if pipelineID != uuid.Nil {
		filter = &pipelineID
	}
	return r.query(ctx, query, filter)
}

// List возвращает список executions с фильтрацией.
func (r *ExecutionRepo) List(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error) {
	query := `
		SELECT document, generation
		FROM executions
		WHERE ($1::uuid IS NULL OR pipeline_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.query(ctx, query,
		nullUUID(filter.PipelineID),
		nullString(string(filter.Status)),
		filter.EffectiveLimit(),
		filter.Offset,
	)
}

func (r *ExecutionRepo) query(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// scanExecution сканирует документ execution.
func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var doc []byte
	var generation int

	err := row.Scan(&doc, &generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	var e domain.Execution
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	e.Generation = generation
	return &e, nil
}
