// Package memstore — хранилище Conveyor в памяти процесса (STORE=memory, тесты).
//
// Семантика совпадает с PostgreSQL репозиториями: те же ошибки repo.ErrNotFound,
// repo.ErrAlreadyExists и repo.ErrConflict, копии значений на входе и выходе.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Store объединяет хранилища.
type Store struct {
	Pipelines  *PipelineStore
	Executions *ExecutionStore
	Approvals  *ApprovalStore
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		Pipelines:  &PipelineStore{versions: make(map[uuid.UUID][]domain.PipelineDefinition)},
		Executions: &ExecutionStore{items: make(map[uuid.UUID]domain.Execution)},
		Approvals:  &ApprovalStore{items: make(map[uuid.UUID]domain.Approval)},
	}
}

// clone выполняет глубокую копию через JSON: доменные типы сериализуемы целиком.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memstore: marshal %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memstore: unmarshal %T: %v", v, err))
	}
	return out
}

// PipelineStore — версии pipelines.
type PipelineStore struct {
	mu       sync.RWMutex
	versions map[uuid.UUID][]domain.PipelineDefinition
}

// Create создаёт pipeline с версией 1.
func (s *PipelineStore) Create(_ context.Context, def *domain.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, versions := range s.versions {
		if versions[0].Name == def.Name {
			return fmt.Errorf("%w: pipeline %s", repo.ErrAlreadyExists, def.Name)
		}
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	def.Version = 1
	s.versions[def.ID] = []domain.PipelineDefinition{clone(*def)}
	return nil
}

// CreateVersion добавляет новую версию существующего pipeline.
func (s *PipelineStore) CreateVersion(_ context.Context, def *domain.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.versions[def.ID]
	if !ok {
		return repo.ErrNotFound
	}
	def.Name = versions[0].Name
	def.Version = len(versions) + 1
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	s.versions[def.ID] = append(versions, clone(*def))
	return nil
}

// GetLatest возвращает последнюю версию pipeline.
func (s *PipelineStore) GetLatest(_ context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	def := clone(versions[len(versions)-1])
	return &def, nil
}

// GetVersion возвращает конкретную версию.
func (s *PipelineStore) GetVersion(_ context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[id]
	if !ok || version < 1 || version > len(versions) {
		return nil, repo.ErrNotFound
	}
	def := clone(versions[version-1])
	return &def, nil
}

// GetByName возвращает последнюю версию pipeline по имени.
func (s *PipelineStore) GetByName(ctx context.Context, name string) (*domain.PipelineDefinition, error) {
	s.mu.RLock()
	var id uuid.UUID
	for pid, versions := range s.versions {
		if versions[0].Name == name {
			id = pid
		}
	}
	s.mu.RUnlock()

	if id == uuid.Nil {
		return nil, repo.ErrNotFound
	}
	return s.GetLatest(ctx, id)
}

// List возвращает последние версии всех pipelines, отсортированные по имени.
func (s *PipelineStore) List(_ context.Context) ([]domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PipelineDefinition, 0, len(s.versions))
	for _, versions := range s.versions {
		out = append(out, clone(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExecutionStore — executions.
type ExecutionStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]domain.Execution
}

// Create сохраняет новый execution.
// Повтор IdempotencyKey для того же pipeline возвращает repo.ErrAlreadyExists.
func (s *ExecutionStore) Create(_ context.Context, e *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[e.ID]; exists {
		return fmt.Errorf("%w: execution %s", repo.ErrAlreadyExists, e.ID)
	}
	if e.IdempotencyKey != "" {
		for _, other := range s.items {
			if other.PipelineID == e.PipelineID && other.IdempotencyKey == e.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %s", repo.ErrAlreadyExists, e.IdempotencyKey)
			}
		}
	}
	e.Generation = 1
	s.items[e.ID] = clone(*e)
	return nil
}

// GetByID возвращает execution.
func (s *ExecutionStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := clone(e)
	return &out, nil
}

// GetByIdempotencyKey возвращает execution pipeline по ключу идемпотентности.
func (s *ExecutionStore) GetByIdempotencyKey(_ context.Context, pipelineID uuid.UUID, key string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.items {
		if e.PipelineID == pipelineID && e.IdempotencyKey == key {
			out := clone(e)
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

// Update сохраняет execution, если его Generation не изменился.
func (s *ExecutionStore) Update(_ context.Context, e *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[e.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Generation != e.Generation {
		return fmt.Errorf("%w: execution %s generation %d, stored %d",
			repo.ErrConflict, e.ID, e.Generation, stored.Generation)
	}
	e.Generation++
	s.items[e.ID] = clone(*e)
	return nil
}

// ListUnfinished возвращает QUEUED и RUNNING executions в порядке создания.
// uuid.Nil = все pipelines.
func (s *ExecutionStore) ListUnfinished(_ context.Context, pipelineID uuid.UUID) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.items {
		if e.IsFinished() {
			continue
		}
		if pipelineID != uuid.Nil && e.PipelineID != pipelineID {
			continue
		}
		out = append(out, clone(e))
	}
	sortByCreated(out)
	return out, nil
}

// List возвращает executions по фильтру, новые первыми.
func (s *ExecutionStore) List(_ context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.items {
		if filter.PipelineID != nil && e.PipelineID != *filter.PipelineID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, clone(e))
	}
	sortByCreated(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(items []domain.Execution) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// ApprovalStore — approvals.
type ApprovalStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]domain.Approval
}

// Create сохраняет approval. Один approval на (execution, stage).
func (s *ApprovalStore) Create(_ context.Context, a *domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.items {
		if other.ExecutionID == a.ExecutionID && other.StageName == a.StageName {
			return fmt.Errorf("%w: approval for %s/%s", repo.ErrAlreadyExists, a.ExecutionID, a.StageName)
		}
	}
	s.items[a.ID] = clone(*a)
	return nil
}

// GetByStage возвращает approval стадии execution.
func (s *ApprovalStore) GetByStage(_ context.Context, executionID uuid.UUID, stageName string) (*domain.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.items {
		if a.ExecutionID == executionID && a.StageName == stageName {
			out := clone(a)
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

// ListByExecution возвращает approvals execution.
func (s *ApprovalStore) ListByExecution(_ context.Context, executionID uuid.UUID) ([]domain.Approval, error) {
	return s.filter(func(a domain.Approval) bool { return a.ExecutionID == executionID }), nil
}

// List возвращает approvals со статусом (пусто = все).
func (s *ApprovalStore) List(_ context.Context, status domain.ApprovalStatus) ([]domain.Approval, error) {
	return s.filter(func(a domain.Approval) bool { return status == "" || a.Status == status }), nil
}

// ListPendingDue возвращает PENDING approvals с ExpiresAt <= now.
func (s *ApprovalStore) ListPendingDue(_ context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	out := s.filter(func(a domain.Approval) bool { return a.IsExpired(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update сохраняет решение. Запись должна быть PENDING.
func (s *ApprovalStore) Update(_ context.Context, a *domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[a.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: approval %s already %s", repo.ErrConflict, a.ID, stored.Status)
	}
	s.items[a.ID] = clone(*a)
	return nil
}

func (s *ApprovalStore) filter(keep func(domain.Approval) bool) []domain.Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Approval
	for _, a := range s.items {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
