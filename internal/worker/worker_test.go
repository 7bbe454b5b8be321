package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/build"
	"github.com/shaiso/Conveyor/internal/deploy"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo/memstore"
	"github.com/shaiso/Conveyor/internal/source"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const (
	testRevision  = "4f2a9c1d8e7b6a5f4e3d2c1b0a9f8e7d6c5b4a3f"
	testServiceID = "joe-cluster/joe-node"
	testRegistry  = "123456789012.dkr.ecr.us-east-1.amazonaws.com/joe-node"
)

const testBuildSpec = `
version: 0.2
phases:
  build:
    commands:
      - test -f Dockerfile
      - echo "build $ECR_REPO_URI:$IMAGE_TAG"
`

// --- fakes ---

type recordingSink struct {
	mu      sync.Mutex
	results []domain.ActionResult
}

func (s *recordingSink) RecordResult(_ context.Context, res domain.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *recordingSink) all() []domain.ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ActionResult(nil), s.results...)
}

// blockingExecutor ждёт отмены контекста.
type blockingExecutor struct {
	started chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, _ domain.ActionJob) (*Result, error) {
	close(e.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

// --- helpers ---

func sourceJob(execID uuid.UUID) domain.ActionJob {
	return domain.ActionJob{
		ExecutionID: execID,
		StageName:   "Source",
		Action: domain.ActionDefinition{
			Name:            "GitHub",
			Kind:            domain.ActionKindSource,
			OutputArtifacts: []string{"SourceOutput"},
			Source:          &domain.SourceAction{Owner: "joe", Repository: "node-api", Branch: "main"},
		},
		Trigger: domain.Trigger{Source: domain.TriggerWebhook, Revision: testRevision[:7]},
	}
}

func newFetcher() *source.MemoryFetcher {
	f := source.NewMemoryFetcher()
	f.Set("joe", "node-api", source.Snapshot{
		Revision: testRevision,
		Branch:   "main",
		Files: map[string][]byte{
			"Dockerfile": []byte("FROM node:20\n"),
			"index.js":   []byte("console.log('hi')\n"),
		},
	})
	return f
}

func newCluster() *deploy.MemoryCluster {
	c := deploy.NewMemoryCluster()
	c.AddService(testServiceID, domain.TaskDefinition{
		Family:     "joe-node",
		Containers: []domain.ContainerDefinition{{Name: "joe-node", Image: testRegistry + ":0000000"}},
	}, 1)
	return c
}

func newRegistry(t *testing.T, store artifacts.Store, cluster deploy.Cluster) *Registry {
	t.Helper()
	return NewDefaultRegistry(Executors{
		Fetcher: newFetcher(),
		Store:   store,
		Builder: build.New(build.Config{Runner: &build.LocalRunner{}, Store: store, WorkDir: t.TempDir()}),
		Deployer: deploy.New(deploy.Config{
			Cluster:            cluster,
			HealthCheckTimeout: time.Second,
			PollInterval:       5 * time.Millisecond,
		}),
	})
}

// --- tests ---

func TestRegistry_UnknownKind(t *testing.T) {
	r := NewRegistry()
	job := sourceJob(uuid.New())

	res := r.Execute(context.Background(), job, telemetry.SetupLogger())

	if res.Status != domain.StageStatusFailed || res.Reason != domain.ReasonActionFailed {
		t.Fatalf("expected FAILED/ACTION_FAILED, got %s/%s", res.Status, res.Reason)
	}
	if res.ActionName != "GitHub" || res.StageName != "Source" {
		t.Errorf("result not addressed to the job: %+v", res)
	}
}

func TestSourceExecutor(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	exec := &SourceExecutor{Fetcher: newFetcher(), Store: store}
	job := sourceJob(uuid.New())

	out, err := exec.Execute(ctx, job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d", len(out.Artifacts))
	}

	a := out.Artifacts[0]
	if a.Name != "SourceOutput" || a.Revision != testRevision {
		t.Errorf("unexpected artifact %+v", a)
	}
	for key, want := range map[string]string{"revision": testRevision, "branch": "main", "repository": "node-api", "owner": "joe"} {
		if a.Metadata[key] != want {
			t.Errorf("metadata %s = %q, want %q", key, a.Metadata[key], want)
		}
	}

	archive, err := store.Open(ctx, a, artifacts.SourceArchive)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	files, err := artifacts.Unpack(archive)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if string(files["Dockerfile"]) != "FROM node:20\n" {
		t.Errorf("archive content mismatch: %v", files)
	}
}

func TestExecute_FailureReasons(t *testing.T) {
	store := artifacts.NewMemoryStore()
	r := newRegistry(t, store, newCluster())
	logger := telemetry.SetupLogger()
	execID := uuid.New()

	unknownRepo := sourceJob(execID)
	unknownRepo.Action.Source = &domain.SourceAction{Owner: "joe", Repository: "missing", Branch: "main"}

	emptyBuild, _ := store.Put(context.Background(), domain.Artifact{ExecutionID: execID, Name: "BuildOutput"},
		map[string][]byte{"other.json": []byte("{}")})

	tests := []struct {
		name string
		job  domain.ActionJob
		want domain.FailureReason
	}{
		{
			name: "source unavailable",
			job:  unknownRepo,
			want: domain.ReasonSourceUnavailable,
		},
		{
			name: "deploy without descriptor",
			job: domain.ActionJob{
				ExecutionID: execID,
				Action: domain.ActionDefinition{
					Name:           "ECS",
					Kind:           domain.ActionKindDeploy,
					InputArtifacts: []string{"BuildOutput"},
					Deploy:         &domain.DeployAction{ServiceID: testServiceID},
				},
				Inputs: map[string]domain.Artifact{"BuildOutput": emptyBuild},
			},
			want: domain.ReasonMalformedArtifact,
		},
		{
			name: "build without input",
			job: domain.ActionJob{
				ExecutionID: execID,
				Action: domain.ActionDefinition{
					Name:            "Image",
					Kind:            domain.ActionKindBuild,
					InputArtifacts:  []string{"SourceOutput"},
					OutputArtifacts: []string{"BuildOutput"},
					Build:           &domain.BuildAction{Image: "alpine", ContainerName: "joe-node", RegistryURI: testRegistry},
				},
			},
			want: domain.ReasonMalformedArtifact,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.job, logger)
			if res.Status != domain.StageStatusFailed || res.Reason != tt.want {
				t.Errorf("expected FAILED/%s, got %s/%s (%s)", tt.want, res.Status, res.Reason, res.Error)
			}
		})
	}
}

func TestLocal_Cancel(t *testing.T) {
	tests := []struct {
		name        string
		kind        domain.ActionKind
		wantResults int
	}{
		{"source dropped", domain.ActionKindSource, 0},
		{"deploy reports rollback", domain.ActionKindDeploy, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocking := &blockingExecutor{started: make(chan struct{})}
			r := NewRegistry()
			r.Register(tt.kind, blocking)

			sink := &recordingSink{}
			local := NewLocal(LocalConfig{Registry: r})
			local.Bind(sink)
			defer local.Close()

			job := sourceJob(uuid.New())
			job.Action.Kind = tt.kind
			if err := local.Dispatch(context.Background(), job); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}

			select {
			case <-blocking.started:
			case <-time.After(time.Second):
				t.Fatal("action did not start")
			}

			if err := local.Cancel(context.Background(), job.ExecutionID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			local.Wait()

			got := sink.all()
			if len(got) != tt.wantResults {
				t.Fatalf("results = %+v, want %d", got, tt.wantResults)
			}
			for _, res := range got {
				if res.Status != domain.StageStatusFailed || res.ActionName != job.Action.Name {
					t.Errorf("unexpected result %+v", res)
				}
			}
		})
	}
}

func TestLocal_Closed(t *testing.T) {
	local := NewLocal(LocalConfig{})
	local.Close()

	if err := local.Dispatch(context.Background(), sourceJob(uuid.New())); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}
}

func TestTracker(t *testing.T) {
	tr := newTracker()
	execID := uuid.New()

	ctx1, release1 := tr.track(context.Background(), execID)
	ctx2, release2 := tr.track(context.Background(), execID)
	_, release3 := tr.track(context.Background(), uuid.New())
	defer release3()

	if tr.Len() != 3 {
		t.Fatalf("expected 3 running, got %d", tr.Len())
	}
	if n := tr.Cancel(execID); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("contexts not cancelled")
	}

	release1()
	release2()
	if tr.Len() != 1 {
		t.Errorf("expected 1 running after release, got %d", tr.Len())
	}
}

// TestLocal_ReleasePipeline проводит execution через все стадии
// с in-process воркерами.
func TestLocal_ReleasePipeline(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	cluster := newCluster()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	mem := memstore.New()

	local := NewLocal(LocalConfig{Registry: newRegistry(t, store, cluster)})
	defer local.Close()

	orch := orchestrator.New(orchestrator.Config{
		Executions: mem.Executions,
		Pipelines:  mem.Pipelines,
		Gate:       approval.New(approval.Config{Store: mem.Approvals, Metrics: metrics}),
		Dispatcher: local,
		Resources:  map[string]string{"RegistryURI": testRegistry, "ServiceID": testServiceID},
		Metrics:    metrics,
	})
	local.Bind(orch)

	def, err := orch.SavePipeline(ctx, releasePipeline(), "")
	if err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}

	id, err := orch.Start(ctx, def.ID, domain.Trigger{Source: domain.TriggerWebhook, Revision: testRevision})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	local.Wait()

	st, _ := orch.Status(ctx, id)
	if st.String() != "Running(2)" {
		exec, _ := orch.Get(ctx, id)
		t.Fatalf("expected Running(2) at the gate, got %s: %s", st, exec.Error)
	}

	if _, err := orch.Decide(ctx, approval.Decision{
		ExecutionID: id,
		StageName:   "Approve",
		Decision:    approval.VerdictApprove,
		Actor:       "alice",
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	local.Wait()

	st, _ = orch.Status(ctx, id)
	if st.String() != "Succeeded" {
		exec, _ := orch.Get(ctx, id)
		t.Fatalf("expected Succeeded, got %s: %s", st, exec.Error)
	}

	svc, err := cluster.DescribeService(ctx, testServiceID)
	if err != nil {
		t.Fatalf("DescribeService: %v", err)
	}
	td, err := cluster.DescribeTaskDefinition(ctx, svc.TaskDefinition)
	if err != nil {
		t.Fatalf("DescribeTaskDefinition: %v", err)
	}
	if want := testRegistry + ":" + testRevision[:7]; td.Containers[0].Image != want {
		t.Errorf("service runs %s, want %s", td.Containers[0].Image, want)
	}
}

func releasePipeline() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: "node-api-release",
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
						BuildSpec:     testBuildSpec,
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
					Approval: &domain.ApprovalAction{Approvers: []string{"alice"}},
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
