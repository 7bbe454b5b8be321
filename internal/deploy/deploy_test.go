package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const serviceID = "joe-cluster/joe-service"

func newCluster() *MemoryCluster {
	c := NewMemoryCluster()
	c.AddService(serviceID, domain.TaskDefinition{
		Family: "joe-node",
		Containers: []domain.ContainerDefinition{
			{Name: "joe-node", Image: "registry.local/joe-node:0000000"},
			{Name: "sidecar", Image: "registry.local/sidecar:1"},
		},
	}, 1)
	return c
}

func images(tag string) []domain.ImageDefinition {
	return []domain.ImageDefinition{{Name: "joe-node", ImageURI: "registry.local/joe-node:" + tag}}
}

func newDeployer(c Cluster, m *telemetry.Metrics) *Deployer {
	return New(Config{
		Cluster:            c,
		HealthCheckTimeout: 200 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		Metrics:            m,
	})
}

func TestDeploy_RolloutAndIdempotence(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	d := newDeployer(c, nil)

	res, err := d.Deploy(ctx, Request{ServiceID: serviceID, Images: images("a1b2c3d")})
	if err != nil {
		t.Fatalf("Deploy() err=%v", err)
	}
	if !res.Changed || res.Previous.Revision != 1 || res.Current.Revision != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	svc, _ := c.DescribeService(ctx, serviceID)
	if !svc.IsHealthyOn(domain.TaskDefinitionRef{Family: "joe-node", Revision: 2}) {
		t.Errorf("service not healthy on new revision: %+v", svc)
	}
	td, _ := c.DescribeTaskDefinition(ctx, svc.TaskDefinition)
	if td.Containers[0].Image != "registry.local/joe-node:a1b2c3d" || td.Containers[1].Image != "registry.local/sidecar:1" {
		t.Errorf("unexpected containers %+v", td.Containers)
	}

	// тот же descriptor: без новой ревизии
	res, err = d.Deploy(ctx, Request{ServiceID: serviceID, Images: images("a1b2c3d")})
	if err != nil {
		t.Fatalf("second Deploy() err=%v", err)
	}
	if res.Changed || c.Revisions("joe-node") != 2 {
		t.Errorf("repeat deploy must be a no-op, got %+v and %d revisions", res, c.Revisions("joe-node"))
	}
	if got := len(c.History(serviceID)); got != 2 {
		t.Errorf("service switched %d times, want 2", got)
	}
}

func TestDeploy_RollbackOnUnhealthy(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	c.Health = func(_ string, td domain.TaskDefinition) domain.HealthState {
		if strings.HasSuffix(td.Containers[0].Image, ":bad0000") {
			return domain.HealthUnhealthy
		}
		return domain.HealthHealthy
	}
	reg := prometheus.NewRegistry()
	d := newDeployer(c, telemetry.NewMetrics(reg))

	res, err := d.Deploy(ctx, Request{ServiceID: serviceID, Images: images("bad0000")})
	if !errors.Is(err, domain.ErrDeployFailed) {
		t.Fatalf("expected ErrDeployFailed, got %v", err)
	}
	if !res.RolledBack || res.Current.Revision != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	history := c.History(serviceID)
	if len(history) != 3 || history[1].Revision != 2 || history[2].Revision != 1 {
		t.Errorf("unexpected history %v", history)
	}
	svc, _ := c.DescribeService(ctx, serviceID)
	if !svc.IsHealthyOn(domain.TaskDefinitionRef{Family: "joe-node", Revision: 1}) {
		t.Errorf("service must be back on the prior revision, got %+v", svc)
	}

	families, _ := reg.Gather()
	found := false
	for _, mf := range families {
		if mf.GetName() == "conveyor_deploy_rollbacks_total" {
			found = mf.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Error("rollback metric not recorded")
	}
}

func TestDeploy_RollbackOnTimeout(t *testing.T) {
	c := newCluster()
	c.Health = func(_ string, td domain.TaskDefinition) domain.HealthState {
		if td.Revision == 1 {
			return domain.HealthHealthy
		}
		return domain.HealthPending
	}
	d := newDeployer(c, nil)

	start := time.Now()
	res, err := d.Deploy(context.Background(), Request{ServiceID: serviceID, Images: images("slow000"), HealthCheckTimeout: 30 * time.Millisecond})
	if !errors.Is(err, domain.ErrDeployFailed) || !res.RolledBack {
		t.Fatalf("expected rollback, got %+v, %v", res, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request timeout not honoured")
	}
}

func TestDeploy_RollbackOnCancel(t *testing.T) {
	c := newCluster()
	c.Health = func(_ string, td domain.TaskDefinition) domain.HealthState {
		if td.Revision == 1 {
			return domain.HealthHealthy
		}
		return domain.HealthPending
	}
	d := newDeployer(c, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Deploy(ctx, Request{ServiceID: serviceID, Images: images("cancel0")})
	if !errors.Is(err, domain.ErrDeployFailed) {
		t.Fatalf("expected ErrDeployFailed, got %v", err)
	}
	svc, _ := c.DescribeService(context.Background(), serviceID)
	if svc.TaskDefinition.Revision != 1 {
		t.Errorf("rollback must run after cancellation, service on %s", svc.TaskDefinition)
	}
}

func TestDeploy_Errors(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	d := newDeployer(c, nil)

	_, err := d.Deploy(ctx, Request{ServiceID: serviceID, Images: []domain.ImageDefinition{{Name: "unknown", ImageURI: "x:1"}}})
	if !errors.Is(err, domain.ErrMalformedArtifact) {
		t.Errorf("unknown container: expected ErrMalformedArtifact, got %v", err)
	}
	if c.Revisions("joe-node") != 1 {
		t.Error("malformed descriptor must not register a revision")
	}

	if _, err := d.Deploy(ctx, Request{ServiceID: "joe-cluster/missing", Images: images("a")}); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
	if _, err := d.Deploy(ctx, Request{ServiceID: "no-slash", Images: images("a")}); err == nil {
		t.Error("expected error for invalid service id")
	}
}

// slowCluster замедляет регистрацию и считает параллельные Deploy.
type slowCluster struct {
	*MemoryCluster
	inflight atomic.Int32
	max      atomic.Int32
}

func (c *slowCluster) RegisterTaskDefinition(ctx context.Context, td domain.TaskDefinition) (domain.TaskDefinition, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	if n > c.max.Load() {
		c.max.Store(n)
	}
	time.Sleep(20 * time.Millisecond)
	return c.MemoryCluster.RegisterTaskDefinition(ctx, td)
}

func TestDeploy_SerializedPerService(t *testing.T) {
	c := &slowCluster{MemoryCluster: newCluster()}
	d := newDeployer(c, nil)

	var wg sync.WaitGroup
	for _, tag := range []string{"aaaaaaa", "bbbbbbb", "ccccccc"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			if _, err := d.Deploy(context.Background(), Request{ServiceID: serviceID, Images: images(tag)}); err != nil {
				t.Errorf("Deploy(%s) err=%v", tag, err)
			}
		}(tag)
	}
	wg.Wait()

	if c.max.Load() != 1 {
		t.Errorf("max concurrent writes = %d, want 1", c.max.Load())
	}
	if c.Revisions("joe-node") != 4 {
		t.Errorf("revisions = %d, want 4", c.Revisions("joe-node"))
	}
}

type fakeECS struct {
	service    types.Service
	taskDefs   map[string]*types.TaskDefinition
	registered *ecs.RegisterTaskDefinitionInput
	updated    *ecs.UpdateServiceInput
	err        error
}

func (f *fakeECS) DescribeServices(_ context.Context, _ *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ecs.DescribeServicesOutput{Services: []types.Service{f.service}}, nil
}

func (f *fakeECS) DescribeTaskDefinition(_ context.Context, in *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	td, ok := f.taskDefs[aws.ToString(in.TaskDefinition)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ClientException", Message: "Unable to describe task definition."}
	}
	return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (f *fakeECS) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.registered = in
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &types.TaskDefinition{
		Family:               in.Family,
		Revision:             8,
		ContainerDefinitions: in.ContainerDefinitions,
	}}, nil
}

func (f *fakeECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	f.updated = in
	return &ecs.UpdateServiceOutput{}, nil
}

func TestECSCluster_DescribeService(t *testing.T) {
	tdARN := "arn:aws:ecs:eu-west-1:123456789012:task-definition/joe-node:7"

	tests := []struct {
		name        string
		deployments []types.Deployment
		want        domain.HealthState
	}{
		{"completed", []types.Deployment{{Status: aws.String("PRIMARY"), TaskDefinition: aws.String(tdARN), RolloutState: types.DeploymentRolloutStateCompleted, RunningCount: 1, DesiredCount: 1}}, domain.HealthHealthy},
		{"in progress", []types.Deployment{{Status: aws.String("PRIMARY"), TaskDefinition: aws.String(tdARN), RolloutState: types.DeploymentRolloutStateInProgress}}, domain.HealthPending},
		{"failed", []types.Deployment{{Status: aws.String("PRIMARY"), TaskDefinition: aws.String(tdARN), RolloutState: types.DeploymentRolloutStateFailed}}, domain.HealthUnhealthy},
		{"no breaker steady", []types.Deployment{{Status: aws.String("PRIMARY"), TaskDefinition: aws.String(tdARN), RunningCount: 1, DesiredCount: 1}}, domain.HealthHealthy},
		{"no breaker draining", []types.Deployment{
			{Status: aws.String("PRIMARY"), TaskDefinition: aws.String(tdARN), RunningCount: 1, DesiredCount: 1},
			{Status: aws.String("ACTIVE"), TaskDefinition: aws.String("joe-node:6"), RunningCount: 1},
		}, domain.HealthPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewECSClusterWithClient(&fakeECS{service: types.Service{
				Status:         aws.String("ACTIVE"),
				TaskDefinition: aws.String(tdARN),
				DesiredCount:   1,
				Deployments:    tt.deployments,
			}})
			svc, err := c.DescribeService(context.Background(), serviceID)
			if err != nil {
				t.Fatalf("DescribeService() err=%v", err)
			}
			if svc.Health != tt.want || svc.TaskDefinition != (domain.TaskDefinitionRef{Family: "joe-node", Revision: 7}) {
				t.Errorf("got %+v, want health %s on joe-node:7", svc, tt.want)
			}
		})
	}
}

func TestECSCluster_RegisterCopiesParent(t *testing.T) {
	f := &fakeECS{taskDefs: map[string]*types.TaskDefinition{
		"joe-node:7": {
			Family:           aws.String("joe-node"),
			Revision:         7,
			Cpu:              aws.String("256"),
			Memory:           aws.String("2048"),
			ExecutionRoleArn: aws.String("arn:aws:iam::123456789012:role/execution"),
			NetworkMode:      types.NetworkModeAwsvpc,
			ContainerDefinitions: []types.ContainerDefinition{
				{Name: aws.String("joe-node"), Image: aws.String("registry/joe-node:old"), Cpu: 256},
			},
		},
	}}
	c := NewECSClusterWithClient(f)
	ctx := context.Background()

	active, err := c.DescribeTaskDefinition(ctx, domain.TaskDefinitionRef{Family: "joe-node", Revision: 7})
	if err != nil {
		t.Fatalf("DescribeTaskDefinition() err=%v", err)
	}
	next, changed, err := active.WithImages([]domain.ImageDefinition{{Name: "joe-node", ImageURI: "registry/joe-node:a1b2c3d"}})
	if err != nil || !changed {
		t.Fatalf("WithImages() = %v, %v", changed, err)
	}

	registered, err := c.RegisterTaskDefinition(ctx, next)
	if err != nil {
		t.Fatalf("RegisterTaskDefinition() err=%v", err)
	}
	if registered.Revision != 8 {
		t.Errorf("revision = %d, want 8", registered.Revision)
	}

	in := f.registered
	if aws.ToString(in.Memory) != "2048" || in.NetworkMode != types.NetworkModeAwsvpc || aws.ToString(in.ExecutionRoleArn) == "" {
		t.Errorf("parent settings not copied: %+v", in)
	}
	if aws.ToString(in.ContainerDefinitions[0].Image) != "registry/joe-node:a1b2c3d" || in.ContainerDefinitions[0].Cpu != 256 {
		t.Errorf("unexpected container %+v", in.ContainerDefinitions[0])
	}
	if aws.ToString(f.taskDefs["joe-node:7"].ContainerDefinitions[0].Image) != "registry/joe-node:old" {
		t.Error("parent revision must not be mutated")
	}

	if err := c.UpdateService(ctx, serviceID, registered.Ref()); err != nil {
		t.Fatalf("UpdateService() err=%v", err)
	}
	if aws.ToString(f.updated.TaskDefinition) != "joe-node:8" || aws.ToString(f.updated.Cluster) != "joe-cluster" {
		t.Errorf("unexpected update %+v", f.updated)
	}
}

func TestECSCluster_ServiceNotFound(t *testing.T) {
	c := NewECSClusterWithClient(&fakeECS{err: &smithy.GenericAPIError{Code: "ClusterNotFoundException", Message: "Cluster not found."}})
	if _, err := c.DescribeService(context.Background(), serviceID); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}
