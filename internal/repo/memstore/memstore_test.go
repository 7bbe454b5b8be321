package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

func TestPipelineStore_Versions(t *testing.T) {
	s := New().Pipelines
	ctx := context.Background()

	def := &domain.PipelineDefinition{Name: "api-release", Stages: []domain.StageDefinition{{Name: "Source"}}}
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if def.Version != 1 || def.ID == uuid.Nil {
		t.Fatalf("expected version 1 with id, got %d %s", def.Version, def.ID)
	}

	dup := &domain.PipelineDefinition{Name: "api-release"}
	if err := s.Create(ctx, dup); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	next := &domain.PipelineDefinition{ID: def.ID, Stages: []domain.StageDefinition{{Name: "Source"}, {Name: "Build"}}}
	if err := s.CreateVersion(ctx, next); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if next.Version != 2 || next.Name != "api-release" {
		t.Errorf("expected api-release v2, got %s v%d", next.Name, next.Version)
	}

	latest, err := s.GetByName(ctx, "api-release")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if latest.Version != 2 || len(latest.Stages) != 2 {
		t.Errorf("expected latest v2 with 2 stages, got v%d with %d", latest.Version, len(latest.Stages))
	}

	v1, err := s.GetVersion(ctx, def.ID, 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if len(v1.Stages) != 1 {
		t.Errorf("version 1 changed: %d stages", len(v1.Stages))
	}

	if _, err := s.GetVersion(ctx, def.ID, 3); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.CreateVersion(ctx, &domain.PipelineDefinition{ID: uuid.New()}); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutionStore_GenerationConflict(t *testing.T) {
	s := New().Executions
	ctx := context.Background()

	e := domain.NewExecution(domain.PipelineDefinition{ID: uuid.New()}, domain.Trigger{}, time.Now())
	if err := s.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := s.GetByID(ctx, e.ID)
	b, _ := s.GetByID(ctx, e.ID)

	a.Error = "first"
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	b.Error = "second"
	if err := s.Update(ctx, b); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetByID(ctx, e.ID)
	if got.Error != "first" || got.Generation != a.Generation {
		t.Errorf("unexpected stored state: %q gen %d", got.Error, got.Generation)
	}
}

func TestExecutionStore_Idempotency(t *testing.T) {
	s := New().Executions
	ctx := context.Background()
	pipelineID := uuid.New()
	trigger := domain.Trigger{DedupKey: "joe/node-api@main:abc"}

	first := domain.NewExecution(domain.PipelineDefinition{ID: pipelineID}, trigger, time.Now())
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := domain.NewExecution(domain.PipelineDefinition{ID: pipelineID}, trigger, time.Now())
	if err := s.Create(ctx, second); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetByIdempotencyKey(ctx, pipelineID, trigger.DedupKey)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected %s, got %s", first.ID, got.ID)
	}
}

func TestExecutionStore_Lists(t *testing.T) {
	s := New().Executions
	ctx := context.Background()
	pipelineID := uuid.New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		e := domain.NewExecution(domain.PipelineDefinition{ID: pipelineID}, domain.Trigger{}, base.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			e.MarkSucceeded(base)
		}
		if err := s.Create(ctx, e); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, e.ID)
	}
	other := domain.NewExecution(domain.PipelineDefinition{ID: uuid.New()}, domain.Trigger{}, base)
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	unfinished, err := s.ListUnfinished(ctx, pipelineID)
	if err != nil {
		t.Fatalf("ListUnfinished: %v", err)
	}
	if len(unfinished) != 2 || unfinished[0].ID != ids[1] || unfinished[1].ID != ids[2] {
		t.Errorf("expected oldest-first unfinished [%s %s], got %d items", ids[1], ids[2], len(unfinished))
	}

	all, _ := s.ListUnfinished(ctx, uuid.Nil)
	if len(all) != 3 {
		t.Errorf("expected 3 unfinished across pipelines, got %d", len(all))
	}

	page, err := s.List(ctx, repo.ExecutionFilter{PipelineID: &pipelineID, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] {
		t.Errorf("expected newest first page of 2, got %d", len(page))
	}

	succeeded, _ := s.List(ctx, repo.ExecutionFilter{Status: domain.ExecutionStatusSucceeded})
	if len(succeeded) != 1 || succeeded[0].ID != ids[0] {
		t.Errorf("expected one succeeded execution, got %d", len(succeeded))
	}
}

func TestApprovalStore_UpdateRequiresPending(t *testing.T) {
	s := New().Approvals
	ctx := context.Background()
	now := time.Now()

	a := &domain.Approval{
		ID:          uuid.New(),
		ExecutionID: uuid.New(),
		StageName:   "Approve",
		Status:      domain.ApprovalStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, &domain.Approval{ID: uuid.New(), ExecutionID: a.ExecutionID, StageName: "Approve"}); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	a.Approve("alice", "", now)
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	a.Reject("bob", "", now)
	if err := s.Update(ctx, a); !errors.Is(err, repo.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	due, _ := s.ListPendingDue(ctx, now.Add(2*time.Hour), 0)
	if len(due) != 0 {
		t.Errorf("decided approval listed as due")
	}
}
