package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// PipelineRepo — репозиторий для работы с pipelines и pipeline_versions.
type PipelineRepo struct {
	pool *pgxpool.Pool
}

// NewPipelineRepo создаёт новый PipelineRepo.
func NewPipelineRepo(pool *pgxpool.Pool) *PipelineRepo {
	return &PipelineRepo{pool: pool}
}

// Create создаёт pipeline и его первую версию.
func (r *PipelineRepo) Create(ctx context.Context, def *domain.PipelineDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	def.Version = 1

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pipelines (id, name, created_at) VALUES ($1, $2, $3)`,
		def.ID, def.Name, def.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pipeline %s", ErrAlreadyExists, def.Name)
		}
		return fmt.Errorf("insert pipeline: %w", err)
	}

	if err := insertVersion(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateVersion создаёт новую версию существующего pipeline.
// Номер версии = последняя + 1.
func (r *PipelineRepo) CreateVersion(ctx context.Context, def *domain.PipelineDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокировка строки pipeline сериализует выдачу номеров версий.
	err = tx.QueryRow(ctx,
		`SELECT name FROM pipelines WHERE id = $1 FOR UPDATE`, def.ID,
	).Scan(&def.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock pipeline: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM pipeline_versions WHERE pipeline_id = $1`, def.ID,
	).Scan(&def.Version)
	if err != nil {
		return fmt.Errorf("next version: %w", err)
	}

	if err := insertVersion(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetLatest возвращает последнюю версию pipeline.
func (r *PipelineRepo) GetLatest(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	query := `
		SELECT definition
		FROM pipeline_versions
		WHERE pipeline_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return scanDefinition(r.pool.QueryRow(ctx, query, id))
}

// GetVersion возвращает конкретную версию pipeline.
func (r *PipelineRepo) GetVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	query := `
		SELECT definition
		FROM pipeline_versions
		WHERE pipeline_id = $1 AND version = $2
	`
	return scanDefinition(r.pool.QueryRow(ctx, query, id, version))
}

// GetByName возвращает последнюю версию pipeline по имени.
func (r *PipelineRepo) GetByName(ctx context.Context, name string) (*domain.PipelineDefinition, error) {
	query := `
		SELECT v.definition
		FROM pipeline_versions v
		JOIN pipelines p ON p.id = v.pipeline_id
		WHERE p.name = $1
		ORDER BY v.version DESC
		LIMIT 1
	`
	return scanDefinition(r.pool.QueryRow(ctx, query, name))
}

// List возвращает последние версии всех pipelines.
func (r *PipelineRepo) List(ctx context.Context) ([]domain.PipelineDefinition, error) {
	query := `
		SELECT DISTINCT ON (p.name) v.definition
		FROM pipelines p
		JOIN pipeline_versions v ON v.pipeline_id = p.id
		ORDER BY p.name, v.version DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var defs []domain.PipelineDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// --- Helpers ---

func insertVersion(ctx context.Context, tx pgx.Tx, def *domain.PipelineDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO pipeline_versions (pipeline_id, version, definition, created_at) VALUES ($1, $2, $3, $4)`,
		def.ID, def.Version, data, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline version: %w", err)
	}
	return nil
}

// scanDefinition сканирует JSONB определения.
func scanDefinition(row pgx.Row) (*domain.PipelineDefinition, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	var def domain.PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}
