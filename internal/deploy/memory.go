package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// HealthFunc определяет состояние сервиса на ревизии.
type HealthFunc func(serviceID string, td domain.TaskDefinition) domain.HealthState

// MemoryCluster — Cluster в памяти процесса (DEPLOY_BACKEND=memory, тесты).
//
// Сервис становится здоровым на ревизии сразу после UpdateService,
// если Health не задан.
type MemoryCluster struct {
	// Health задаётся до первого использования.
	Health HealthFunc

	mu       sync.Mutex
	services map[string]*memService
	taskDefs map[string][]domain.TaskDefinition
}

type memService struct {
	desired int
	current domain.TaskDefinitionRef
	history []domain.TaskDefinitionRef
}

// NewMemoryCluster создаёт пустой кластер.
func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{
		services: make(map[string]*memService),
		taskDefs: make(map[string][]domain.TaskDefinition),
	}
}

// AddService регистрирует ревизию td и сервис, работающий на ней.
func (c *MemoryCluster) AddService(serviceID string, td domain.TaskDefinition, desired int) domain.TaskDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()

	registered := c.register(td)
	ref := registered.Ref()
	c.services[serviceID] = &memService{desired: desired, current: ref, history: []domain.TaskDefinitionRef{ref}}
	return registered
}

// Revisions возвращает число зарегистрированных ревизий family.
func (c *MemoryCluster) Revisions(family string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.taskDefs[family])
}

// History возвращает ревизии, на которые переключался сервис.
func (c *MemoryCluster) History(serviceID string) []domain.TaskDefinitionRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[serviceID]
	if !ok {
		return nil
	}
	out := make([]domain.TaskDefinitionRef, len(svc.history))
	copy(out, svc.history)
	return out
}

// DescribeService реализует Cluster.
func (c *MemoryCluster) DescribeService(ctx context.Context, serviceID string) (domain.ServiceDeployment, error) {
	if err := ctx.Err(); err != nil {
		return domain.ServiceDeployment{}, err
	}

	c.mu.Lock()
	svc, ok := c.services[serviceID]
	if !ok {
		c.mu.Unlock()
		return domain.ServiceDeployment{}, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	td := c.lookup(svc.current)
	out := domain.ServiceDeployment{
		ServiceID:      serviceID,
		TaskDefinition: svc.current,
		DesiredCount:   svc.desired,
	}
	c.mu.Unlock()

	out.Health = domain.HealthHealthy
	if c.Health != nil {
		out.Health = c.Health(serviceID, td)
	}
	if out.Health == domain.HealthHealthy {
		out.RunningCount = out.DesiredCount
	}
	return out, nil
}

// DescribeTaskDefinition реализует Cluster.
func (c *MemoryCluster) DescribeTaskDefinition(ctx context.Context, ref domain.TaskDefinitionRef) (domain.TaskDefinition, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskDefinition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	revs := c.taskDefs[ref.Family]
	if ref.Revision < 1 || ref.Revision > len(revs) {
		return domain.TaskDefinition{}, fmt.Errorf("task definition %s not found", ref)
	}
	return c.lookup(ref), nil
}

// RegisterTaskDefinition реализует Cluster.
func (c *MemoryCluster) RegisterTaskDefinition(ctx context.Context, td domain.TaskDefinition) (domain.TaskDefinition, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskDefinition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(td), nil
}

// UpdateService реализует Cluster.
func (c *MemoryCluster) UpdateService(ctx context.Context, serviceID string, ref domain.TaskDefinitionRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	svc, ok := c.services[serviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	if revs := c.taskDefs[ref.Family]; ref.Revision < 1 || ref.Revision > len(revs) {
		return fmt.Errorf("task definition %s not found", ref)
	}
	svc.current = ref
	svc.history = append(svc.history, ref)
	return nil
}

func (c *MemoryCluster) register(td domain.TaskDefinition) domain.TaskDefinition {
	containers := make([]domain.ContainerDefinition, len(td.Containers))
	copy(containers, td.Containers)

	registered := domain.TaskDefinition{
		Family:     td.Family,
		Revision:   len(c.taskDefs[td.Family]) + 1,
		Containers: containers,
	}
	c.taskDefs[td.Family] = append(c.taskDefs[td.Family], registered)
	return registered
}

func (c *MemoryCluster) lookup(ref domain.TaskDefinitionRef) domain.TaskDefinition {
	td := c.taskDefs[ref.Family][ref.Revision-1]
	td.Containers = append([]domain.ContainerDefinition(nil), td.Containers...)
	return td
}
