package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memstore"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// --- fakes ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDispatcher запоминает отправленные action.
type fakeDispatcher struct {
	mu        sync.Mutex
	jobs      []domain.ActionJob
	cancelled []uuid.UUID
	err       error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job domain.ActionJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, executionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, executionID)
	return nil
}

// last возвращает последний action execution.
func (d *fakeDispatcher) last(t *testing.T, executionID uuid.UUID) domain.ActionJob {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.jobs) - 1; i >= 0; i-- {
		if d.jobs[i].ExecutionID == executionID {
			return d.jobs[i]
		}
	}
	t.Fatalf("no job dispatched for execution %s", executionID)
	return domain.ActionJob{}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// --- helpers ---

var testResources = map[string]string{
	"RegistryURI": "123456789012.dkr.ecr.us-east-1.amazonaws.com/joe-node",
	"ServiceID":   "joe-cluster/joe-node",
}

type harness struct {
	o          *Orchestrator
	dispatcher *fakeDispatcher
	clock      *clock
	store      *memstore.Store
}

func newHarness(t *testing.T, resources map[string]string) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	gate := approval.New(approval.Config{Store: store.Approvals, Metrics: metrics, Now: clk.Now})
	d := &fakeDispatcher{}

	o := New(Config{
		Executions: store.Executions,
		Pipelines:  store.Pipelines,
		Gate:       gate,
		Dispatcher: d,
		Resources:  resources,
		Metrics:    metrics,
		Now:        clk.Now,
	})
	return &harness{o: o, dispatcher: d, clock: clk, store: store}
}

// releasePipeline — Source → Build → Approve → Deploy.
func releasePipeline() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: "api-release",
		Stages: []domain.StageDefinition{
			{
				Name: "Source",
				Actions: []domain.ActionDefinition{{
					Name:            "GitHub",
					Kind:            domain.ActionKindSource,
					OutputArtifacts: []string{"SourceOutput"},
					Source:          &domain.SourceAction{Provider: "github", Owner: "joe", Repository: "node-api", Branch: "main"},
				}},
			},
			{
				Name: "Build",
				Actions: []domain.ActionDefinition{{
					Name:            "Image",
					Kind:            domain.ActionKindBuild,
					InputArtifacts:  []string{"SourceOutput"},
					OutputArtifacts: []string{"BuildOutput"},
					Build: &domain.BuildAction{
						Image:         "aws/codebuild/standard:7.0",
						Privileged:    true,
						ContainerName: "joe-node",
						RegistryURI:   "{{ .Resources.RegistryURI }}",
					},
				}},
			},
			{
				Name: "Approve",
				Actions: []domain.ActionDefinition{{
					Name:     "Release",
					Kind:     domain.ActionKindManualApproval,
					Approval: &domain.ApprovalAction{},
				}},
			},
			{
				Name: "Deploy",
				Actions: []domain.ActionDefinition{{
					Name:           "ECS",
					Kind:           domain.ActionKindDeploy,
					InputArtifacts: []string{"BuildOutput"},
					Deploy:         &domain.DeployAction{ServiceID: "{{ .Resources.ServiceID }}"},
				}},
			},
		},
	}
}

func (h *harness) savePipeline(t *testing.T, def *domain.PipelineDefinition) *domain.PipelineDefinition {
	t.Helper()
	saved, err := h.o.SavePipeline(context.Background(), def, "")
	if err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}
	return saved
}

func (h *harness) start(t *testing.T, pipelineID uuid.UUID, key string) uuid.UUID {
	t.Helper()
	id, err := h.o.Start(context.Background(), pipelineID, domain.Trigger{
		Source:   domain.TriggerWebhook,
		Revision: "4f2a9c1d8e7b",
		DedupKey: key,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id
}

func (h *harness) state(t *testing.T, id uuid.UUID) domain.ExecutionState {
	t.Helper()
	st, err := h.o.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func expectState(t *testing.T, got domain.ExecutionState, want string) {
	t.Helper()
	if got.String() != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// succeed завершает последний action execution успешно.
func (h *harness) succeed(t *testing.T, id uuid.UUID, artifacts ...domain.Artifact) domain.ActionJob {
	t.Helper()
	job := h.dispatcher.last(t, id)
	res := job.ResultFromError(nil)
	res.Artifacts = artifacts
	if err := h.o.RecordResult(context.Background(), res); err != nil {
		t.Fatalf("RecordResult %s: %v", job.Action.Name, err)
	}
	return job
}

// toApproval проводит execution через Source и Build.
func (h *harness) toApproval(t *testing.T, id uuid.UUID) {
	t.Helper()
	h.succeed(t, id, domain.Artifact{Name: "SourceOutput", Revision: "4f2a9c1d8e7b", Files: []string{"source.tar.gz"}})
	h.succeed(t, id, domain.Artifact{Name: "BuildOutput", Revision: "4f2a9c1d8e7b", Files: []string{"imagedefinitions.json"}})
	expectState(t, h.state(t, id), "Running(2)")
}

// --- tests ---

func TestStart_RunningZero(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())

	id := h.start(t, def.ID, "push-1")

	expectState(t, h.state(t, id), "Running(0)")
	job := h.dispatcher.last(t, id)
	if job.Action.Kind != domain.ActionKindSource || job.StageIndex != 0 || job.StageName != "Source" {
		t.Errorf("unexpected first job: %+v", job)
	}
	if job.Trigger.Revision != "4f2a9c1d8e7b" {
		t.Errorf("trigger not propagated: %+v", job.Trigger)
	}
}

func TestStart_UnknownPipeline(t *testing.T) {
	h := newHarness(t, testResources)

	_, err := h.o.Start(context.Background(), uuid.New(), domain.Trigger{Source: domain.TriggerManual})
	if !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Fatalf("expected ErrPipelineNotFound, got %v", err)
	}
}

func TestStartDefinition_Invalid(t *testing.T) {
	h := newHarness(t, testResources)

	def := &domain.PipelineDefinition{ID: uuid.New(), Name: "empty"}
	_, err := h.o.StartDefinition(context.Background(), def, domain.Trigger{Source: domain.TriggerManual})
	if !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}

	all, err := h.o.Executions(context.Background(), repo.ExecutionFilter{})
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("invalid definition created %d executions", len(all))
	}
}

func TestStart_Dedup(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())

	first := h.start(t, def.ID, "joe/node-api@main:4f2a9c1")
	second := h.start(t, def.ID, "joe/node-api@main:4f2a9c1")

	if first != second {
		t.Errorf("duplicate trigger created a new execution: %s != %s", first, second)
	}
	if n := h.dispatcher.count(); n != 1 {
		t.Errorf("expected 1 dispatched job, got %d", n)
	}
}

func TestApproveScenario(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	seen := []int{h.state(t, id).StageIndex}

	h.succeed(t, id, domain.Artifact{Name: "SourceOutput", Revision: "4f2a9c1d8e7b"})
	seen = append(seen, h.state(t, id).StageIndex)

	build := h.dispatcher.last(t, id)
	if build.Action.Build.RegistryURI != testResources["RegistryURI"] {
		t.Errorf("registry uri not rendered: %q", build.Action.Build.RegistryURI)
	}
	if _, ok := build.Inputs["SourceOutput"]; !ok {
		t.Errorf("build job has no SourceOutput input: %v", build.Inputs)
	}

	h.succeed(t, id, domain.Artifact{Name: "BuildOutput", Revision: "4f2a9c1d8e7b"})
	seen = append(seen, h.state(t, id).StageIndex)
	expectState(t, h.state(t, id), "Running(2)")

	a, err := h.o.gate.Get(ctx, id, "Approve")
	if err != nil {
		t.Fatalf("gate not opened: %v", err)
	}
	if a.Status != domain.ApprovalStatusPending {
		t.Fatalf("expected PENDING approval, got %s", a.Status)
	}

	if _, err := h.o.Decide(ctx, approval.Decision{
		ExecutionID: id,
		StageName:   "Approve",
		Decision:    approval.VerdictApprove,
		Actor:       "alice",
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	seen = append(seen, h.state(t, id).StageIndex)
	expectState(t, h.state(t, id), "Running(3)")

	deploy := h.succeed(t, id)
	if deploy.Action.Deploy.ServiceID != "joe-cluster/joe-node" {
		t.Errorf("service id not rendered: %q", deploy.Action.Deploy.ServiceID)
	}
	expectState(t, h.state(t, id), "Succeeded")

	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("stage indices not strictly +1: %v", seen)
		}
	}

	exec, err := h.o.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := exec.Stages[2].Actions[0].Outputs["approved_by"]; got != "alice" {
		t.Errorf("approved_by = %q", got)
	}
	for _, s := range exec.Stages {
		if s.Status != domain.StageStatusSucceeded {
			t.Errorf("stage %s is %s", s.Name, s.Status)
		}
	}
}

func TestRejectScenario(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.toApproval(t, id)
	dispatched := h.dispatcher.count()

	if _, err := h.o.Decide(ctx, approval.Decision{
		ExecutionID: id,
		StageName:   "Approve",
		Decision:    approval.VerdictReject,
		Actor:       "bob",
		Comment:     "not today",
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	expectState(t, h.state(t, id), "Failed(2, GATE_REJECTED)")
	if h.dispatcher.count() != dispatched {
		t.Error("deploy dispatched after reject")
	}

	exec, _ := h.o.Get(ctx, id)
	if exec.Error != "approval gate rejected by bob: not today" {
		t.Errorf("unexpected error text %q", exec.Error)
	}
	if exec.Stages[3].Status != domain.StageStatusPending {
		t.Errorf("deploy stage should stay PENDING, got %s", exec.Stages[3].Status)
	}
}

func TestDecide_Errors(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()
	id := h.start(t, def.ID, "push-1")

	tests := []struct {
		name    string
		d       approval.Decision
		wantErr error
	}{
		{
			name:    "unknown execution",
			d:       approval.Decision{ExecutionID: uuid.New(), StageName: "Approve", Decision: approval.VerdictApprove, Actor: "alice"},
			wantErr: domain.ErrUnknownExecution,
		},
		{
			name:    "stage not current",
			d:       approval.Decision{ExecutionID: id, StageName: "Approve", Decision: approval.VerdictApprove, Actor: "alice"},
			wantErr: domain.ErrStageNotPending,
		},
		{
			name:    "stage without gate",
			d:       approval.Decision{ExecutionID: id, StageName: "Source", Decision: approval.VerdictApprove, Actor: "alice"},
			wantErr: domain.ErrStageNotPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.o.Decide(ctx, tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	expectState(t, h.state(t, id), "Running(0)")
}

func TestDecide_Twice(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.toApproval(t, id)

	d := approval.Decision{ExecutionID: id, StageName: "Approve", Decision: approval.VerdictApprove, Actor: "alice"}
	if _, err := h.o.Decide(ctx, d); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	if _, err := h.o.Decide(ctx, d); !errors.Is(err, domain.ErrStageNotPending) {
		t.Fatalf("expected ErrStageNotPending, got %v", err)
	}
}

func TestTick_ExpiresGate(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.toApproval(t, id)

	h.clock.Advance(approval.DefaultTimeout - time.Minute)
	if err := h.o.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	expectState(t, h.state(t, id), "Running(2)")

	h.clock.Advance(2 * time.Minute)
	if err := h.o.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	expectState(t, h.state(t, id), "Failed(2, GATE_EXPIRED)")
}

func TestTick_ReopensMissingGate(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.succeed(t, id, domain.Artifact{Name: "SourceOutput"})

	// gate не открыт: execution сохранён в Running(2) без approval
	exec, _ := h.o.Get(ctx, id)
	exec.CompleteStage(h.clock.Now())
	exec.Stages[1].Actions[0].Status = domain.StageStatusSucceeded
	exec.Artifacts["BuildOutput"] = domain.Artifact{Name: "BuildOutput"}
	exec.EnterStage(2, h.clock.Now())
	if err := h.store.Executions.Update(ctx, exec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := h.o.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := h.o.gate.Get(ctx, id, "Approve"); err != nil {
		t.Fatalf("gate not reopened: %v", err)
	}
}

func TestQueuePolicy(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	first := h.start(t, def.ID, "push-1")
	second := h.start(t, def.ID, "push-2")

	expectState(t, h.state(t, first), "Running(0)")
	expectState(t, h.state(t, second), "Queued")
	if n := h.dispatcher.count(); n != 1 {
		t.Fatalf("queued execution dispatched actions: %d jobs", n)
	}

	if err := h.o.Cancel(ctx, first, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	expectState(t, h.state(t, second), "Running(0)")
	if job := h.dispatcher.last(t, second); job.StageName != "Source" {
		t.Errorf("promoted execution dispatched %s", job.StageName)
	}
}

func TestOverlapPolicy(t *testing.T) {
	h := newHarness(t, testResources)
	def := releasePipeline()
	def.Concurrency = domain.ConcurrencyOverlap
	saved := h.savePipeline(t, def)

	first := h.start(t, saved.ID, "push-1")
	second := h.start(t, saved.ID, "push-2")

	expectState(t, h.state(t, first), "Running(0)")
	expectState(t, h.state(t, second), "Running(0)")
}

func TestOverlapPolicy_SerializesDeploys(t *testing.T) {
	h := newHarness(t, testResources)
	def := releasePipeline()
	def.Concurrency = domain.ConcurrencyOverlap
	saved := h.savePipeline(t, def)
	ctx := context.Background()

	first := h.start(t, saved.ID, "push-1")
	second := h.start(t, saved.ID, "push-2")
	h.toApproval(t, first)
	h.toApproval(t, second)

	for _, id := range []uuid.UUID{first, second} {
		if _, err := h.o.Decide(ctx, approval.Decision{
			ExecutionID: id,
			StageName:   "Approve",
			Decision:    approval.VerdictApprove,
			Actor:       "alice",
		}); err != nil {
			t.Fatalf("Decide: %v", err)
		}
		expectState(t, h.state(t, id), "Running(3)")
	}

	if job := h.dispatcher.last(t, first); job.Action.Kind != domain.ActionKindDeploy {
		t.Fatalf("first execution deploy not dispatched: %+v", job.Action)
	}
	if job := h.dispatcher.last(t, second); job.Action.Kind == domain.ActionKindDeploy {
		t.Fatal("second deploy dispatched while first is in progress")
	}
	held, _ := h.o.Get(ctx, second)
	if st := held.Stages[3].Actions[0].Status; st != domain.StageStatusPending {
		t.Errorf("held deploy should be PENDING, got %s", st)
	}

	h.succeed(t, first)
	expectState(t, h.state(t, first), "Succeeded")

	if job := h.dispatcher.last(t, second); job.Action.Kind != domain.ActionKindDeploy {
		t.Fatalf("second deploy not released: %+v", job.Action)
	}
	h.succeed(t, second)
	expectState(t, h.state(t, second), "Succeeded")
}

// approve доводит execution до стадии Deploy.
func (h *harness) approve(t *testing.T, id uuid.UUID) {
	t.Helper()
	h.toApproval(t, id)
	if _, err := h.o.Decide(context.Background(), approval.Decision{
		ExecutionID: id,
		StageName:   "Approve",
		Decision:    approval.VerdictApprove,
		Actor:       "alice",
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
}

func TestCancel_DuringDeployHoldsNextDeploy(t *testing.T) {
	tests := []struct {
		name        string
		concurrency domain.ConcurrencyPolicy
	}{
		{"overlap", domain.ConcurrencyOverlap},
		{"queue", domain.ConcurrencyQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testResources)
			def := releasePipeline()
			def.Concurrency = tt.concurrency
			saved := h.savePipeline(t, def)
			ctx := context.Background()

			first := h.start(t, saved.ID, "push-1")
			second := h.start(t, saved.ID, "push-2")
			h.approve(t, first)
			if tt.concurrency == domain.ConcurrencyOverlap {
				h.approve(t, second)
			}

			deploy := h.dispatcher.last(t, first)
			if deploy.Action.Kind != domain.ActionKindDeploy {
				t.Fatalf("first deploy not dispatched: %+v", deploy.Action)
			}
			jobs := h.dispatcher.count()

			if err := h.o.Cancel(ctx, first, "bob"); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			expectState(t, h.state(t, first), "Running(3)")
			if n := h.dispatcher.count(); n != jobs {
				t.Fatalf("next deploy dispatched before rollback finished: %d jobs, want %d", n, jobs)
			}
			if len(h.dispatcher.cancelled) != 1 || h.dispatcher.cancelled[0] != first {
				t.Errorf("dispatcher not asked to cancel: %v", h.dispatcher.cancelled)
			}

			// повторная отмена до результата Deploy
			if err := h.o.Cancel(ctx, first, "bob"); err != nil {
				t.Fatalf("second Cancel: %v", err)
			}

			// откат завершён
			res := deploy.ResultFromError(domain.ErrDeployFailed)
			if err := h.o.RecordResult(ctx, res); err != nil {
				t.Fatalf("RecordResult: %v", err)
			}
			expectState(t, h.state(t, first), "Failed(3, CANCELLED)")

			exec, _ := h.o.Get(ctx, first)
			if exec.Stages[3].Status != domain.StageStatusCancelled {
				t.Errorf("deploy stage should be CANCELLED, got %s", exec.Stages[3].Status)
			}

			if h.dispatcher.count() == jobs {
				t.Fatal("next execution not resumed after rollback")
			}
			if tt.concurrency == domain.ConcurrencyOverlap {
				if job := h.dispatcher.last(t, second); job.Action.Kind != domain.ActionKindDeploy {
					t.Errorf("second deploy not released: %+v", job.Action)
				}
			} else {
				expectState(t, h.state(t, second), "Running(0)")
			}
		})
	}
}

func TestDecide_AfterExpiryFailsExecution(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.toApproval(t, id)
	h.clock.Advance(approval.DefaultTimeout + time.Minute)

	_, err := h.o.Decide(ctx, approval.Decision{
		ExecutionID: id,
		StageName:   "Approve",
		Decision:    approval.VerdictApprove,
		Actor:       "alice",
	})
	if !errors.Is(err, domain.ErrStageNotPending) || !errors.Is(err, domain.ErrGateExpired) {
		t.Fatalf("expected expired ErrStageNotPending, got %v", err)
	}
	expectState(t, h.state(t, id), "Failed(2, GATE_EXPIRED)")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	h.toApproval(t, id)

	if err := h.o.Cancel(ctx, id, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	expectState(t, h.state(t, id), "Failed(2, CANCELLED)")

	exec, _ := h.o.Get(ctx, id)
	if exec.Stages[2].Status != domain.StageStatusCancelled {
		t.Errorf("stage should be CANCELLED, got %s", exec.Stages[2].Status)
	}

	a, err := h.o.gate.Get(ctx, id, "Approve")
	if err != nil {
		t.Fatalf("Get approval: %v", err)
	}
	if !a.Status.IsTerminal() {
		t.Errorf("approval left %s after cancel", a.Status)
	}

	if len(h.dispatcher.cancelled) != 1 || h.dispatcher.cancelled[0] != id {
		t.Errorf("dispatcher not asked to cancel: %v", h.dispatcher.cancelled)
	}

	if err := h.o.Cancel(ctx, id, "alice"); !errors.Is(err, domain.ErrExecutionTerminal) {
		t.Errorf("expected ErrExecutionTerminal, got %v", err)
	}
}

func TestRecordResult_StaleIgnored(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	source := h.succeed(t, id, domain.Artifact{Name: "SourceOutput"})
	expectState(t, h.state(t, id), "Running(1)")

	late := source.ResultFromError(domain.ErrSourceUnavailable)
	if err := h.o.RecordResult(ctx, late); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	expectState(t, h.state(t, id), "Running(1)")

	// повторная доставка успешного результата текущей стадии
	build := h.succeed(t, id, domain.Artifact{Name: "BuildOutput"})
	if err := h.o.RecordResult(ctx, build.ResultFromError(nil)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	expectState(t, h.state(t, id), "Running(2)")
}

func TestRecordResult_FailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"source unavailable", domain.ErrSourceUnavailable, "Failed(0, SOURCE_UNAVAILABLE)"},
		{"malformed artifact", domain.ErrMalformedArtifact, "Failed(0, MALFORMED_ARTIFACT)"},
		{"other", errors.New("boom"), "Failed(0, ACTION_FAILED)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testResources)
			def := h.savePipeline(t, releasePipeline())
			id := h.start(t, def.ID, "push-1")

			job := h.dispatcher.last(t, id)
			if err := h.o.RecordResult(context.Background(), job.ResultFromError(tt.err)); err != nil {
				t.Fatalf("RecordResult: %v", err)
			}
			expectState(t, h.state(t, id), tt.want)
		})
	}
}

func TestRecordResult_BuildExitCode(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	id := h.start(t, def.ID, "push-1")
	h.succeed(t, id, domain.Artifact{Name: "SourceOutput"})

	job := h.dispatcher.last(t, id)
	res := job.ResultFromError(&domain.BuildError{ExitCode: 2})
	if err := h.o.RecordResult(context.Background(), res); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	expectState(t, h.state(t, id), "Failed(1, BUILD_FAILED)")
	exec, _ := h.o.Get(context.Background(), id)
	if code := exec.Stages[1].Actions[0].ExitCode; code == nil || *code != 2 {
		t.Errorf("exit code not stored: %v", code)
	}
}

func TestDispatchFailure(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	h.dispatcher.err = errors.New("broker unavailable")

	id := h.start(t, def.ID, "push-1")

	expectState(t, h.state(t, id), "Failed(0, ACTION_FAILED)")
}

func TestRenderFailure(t *testing.T) {
	h := newHarness(t, nil)
	def := h.savePipeline(t, releasePipeline())

	id := h.start(t, def.ID, "push-1")
	h.succeed(t, id, domain.Artifact{Name: "SourceOutput"})

	expectState(t, h.state(t, id), "Failed(1, ACTION_FAILED)")
}

func TestMissingInputArtifact(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())

	id := h.start(t, def.ID, "push-1")
	h.succeed(t, id)

	expectState(t, h.state(t, id), "Failed(1, MALFORMED_ARTIFACT)")
}

func TestStatus_Unknown(t *testing.T) {
	h := newHarness(t, testResources)

	_, err := h.o.Status(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution, got %v", err)
	}
}

func TestAdvance_Idempotent(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")
	for range 3 {
		if err := h.o.Advance(ctx, id); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	expectState(t, h.state(t, id), "Running(0)")
	if n := h.dispatcher.count(); n != 1 {
		t.Errorf("Advance re-dispatched actions: %d jobs", n)
	}
}

func TestSavePipeline_Versions(t *testing.T) {
	h := newHarness(t, testResources)
	ctx := context.Background()

	v1 := h.savePipeline(t, releasePipeline())
	if v1.Version != 1 {
		t.Fatalf("expected version 1, got %d", v1.Version)
	}

	next := releasePipeline()
	next.RestartOnUpdate = true
	v2 := h.savePipeline(t, next)
	if v2.ID != v1.ID || v2.Version != 2 {
		t.Fatalf("expected %s v2, got %s v%d", v1.ID, v2.ID, v2.Version)
	}

	execs, err := h.o.Executions(ctx, repo.ExecutionFilter{PipelineID: &v1.ID})
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].PipelineVersion != 2 {
		t.Fatalf("expected one execution of v2, got %+v", execs)
	}

	if _, err := h.o.SavePipeline(ctx, &domain.PipelineDefinition{Name: "broken"}, ""); !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	id := h.start(t, def.ID, "push-1")

	changed := releasePipeline()
	changed.Stages[1].Actions[0].Build.ContainerName = "other"
	h.savePipeline(t, changed)

	h.succeed(t, id, domain.Artifact{Name: "SourceOutput"})
	build := h.dispatcher.last(t, id)
	if build.Action.Build.ContainerName != "joe-node" {
		t.Errorf("execution picked up new version: %s", build.Action.Build.ContainerName)
	}
	exec, _ := h.o.Get(ctx, id)
	if exec.PipelineVersion != 1 {
		t.Errorf("expected snapshot of v1, got v%d", exec.PipelineVersion)
	}
}

func TestHandlers(t *testing.T) {
	h := newHarness(t, testResources)
	def := h.savePipeline(t, releasePipeline())
	ctx := context.Background()

	unknown := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTriggerReceived, mq.TriggerReceivedPayload{
		PipelineID: uuid.New(),
		Trigger:    domain.Trigger{Source: domain.TriggerWebhook},
	})}
	if err := h.o.HandleTrigger(ctx, unknown); !errors.Is(err, mq.ErrPermanent) {
		t.Errorf("unknown pipeline: expected ErrPermanent, got %v", err)
	}

	trigger := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTriggerReceived, mq.TriggerReceivedPayload{
		PipelineID: def.ID,
		Trigger:    domain.Trigger{Source: domain.TriggerWebhook, DedupKey: "delivery-1"},
	})}
	for range 2 {
		if err := h.o.HandleTrigger(ctx, trigger); err != nil {
			t.Fatalf("HandleTrigger: %v", err)
		}
	}
	if n := h.dispatcher.count(); n != 1 {
		t.Fatalf("redelivered trigger dispatched %d jobs", n)
	}

	job := h.dispatcher.jobs[0]
	res := job.ResultFromError(nil)
	res.Artifacts = []domain.Artifact{{Name: "SourceOutput"}}
	completed := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeActionCompleted, res)}
	if err := h.o.HandleActionCompleted(ctx, completed); err != nil {
		t.Fatalf("HandleActionCompleted: %v", err)
	}
	expectState(t, h.state(t, job.ExecutionID), "Running(1)")

	orphan := res
	orphan.ExecutionID = uuid.New()
	msg := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeActionCompleted, orphan)}
	if err := h.o.HandleActionCompleted(ctx, msg); !errors.Is(err, mq.ErrPermanent) {
		t.Errorf("unknown execution: expected ErrPermanent, got %v", err)
	}
}
