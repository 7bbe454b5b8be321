package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ECSAPI — подмножество клиента ECS, которое использует ECSCluster.
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECSCluster — Cluster поверх Amazon ECS.
//
// Health сервиса берётся из rolloutState PRIMARY deployment:
// COMPLETED → HEALTHY, FAILED → UNHEALTHY, IN_PROGRESS → PENDING.
// Без deployment circuit breaker сервис здоров, когда остался один
// deployment и runningCount >= desiredCount.
type ECSCluster struct {
	client ECSAPI
}

// NewECSCluster создаёт ECSCluster с клиентом по default AWS конфигурации.
func NewECSCluster(ctx context.Context, region string) (*ECSCluster, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ECSCluster{client: ecs.NewFromConfig(cfg)}, nil
}

// NewECSClusterWithClient создаёт ECSCluster с заданным клиентом.
func NewECSClusterWithClient(client ECSAPI) *ECSCluster {
	return &ECSCluster{client: client}
}

// DescribeService реализует Cluster.
func (c *ECSCluster) DescribeService(ctx context.Context, serviceID string) (domain.ServiceDeployment, error) {
	cluster, service, err := domain.ParseServiceID(serviceID)
	if err != nil {
		return domain.ServiceDeployment{}, err
	}

	out, err := c.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return domain.ServiceDeployment{}, mapError(serviceID, err)
	}
	if len(out.Services) == 0 || aws.ToString(out.Services[0].Status) == "INACTIVE" {
		return domain.ServiceDeployment{}, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	svc := out.Services[0]

	var primary *types.Deployment
	for i := range svc.Deployments {
		if aws.ToString(svc.Deployments[i].Status) == "PRIMARY" {
			primary = &svc.Deployments[i]
			break
		}
	}

	tdARN := aws.ToString(svc.TaskDefinition)
	if primary != nil {
		tdARN = aws.ToString(primary.TaskDefinition)
	}
	ref, err := domain.ParseTaskDefinitionRef(tdARN)
	if err != nil {
		return domain.ServiceDeployment{}, err
	}

	result := domain.ServiceDeployment{
		ServiceID:      serviceID,
		TaskDefinition: ref,
		DesiredCount:   int(svc.DesiredCount),
		RunningCount:   int(svc.RunningCount),
		Health:         domain.HealthPending,
	}
	if primary == nil {
		return result, nil
	}
	result.RunningCount = int(primary.RunningCount)

	switch primary.RolloutState {
	case types.DeploymentRolloutStateCompleted:
		result.Health = domain.HealthHealthy
	case types.DeploymentRolloutStateFailed:
		result.Health = domain.HealthUnhealthy
	case types.DeploymentRolloutStateInProgress:
		result.Health = domain.HealthPending
	default:
		if len(svc.Deployments) == 1 && primary.RunningCount >= primary.DesiredCount {
			result.Health = domain.HealthHealthy
		}
	}
	return result, nil
}

// DescribeTaskDefinition реализует Cluster.
func (c *ECSCluster) DescribeTaskDefinition(ctx context.Context, ref domain.TaskDefinitionRef) (domain.TaskDefinition, error) {
	td, err := c.describe(ctx, ref)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	return fromECS(td), nil
}

// RegisterTaskDefinition реализует Cluster.
//
// Новая ревизия копирует все параметры родителя (td.Parent),
// меняются только образы контейнеров.
func (c *ECSCluster) RegisterTaskDefinition(ctx context.Context, td domain.TaskDefinition) (domain.TaskDefinition, error) {
	if td.Parent == nil {
		return domain.TaskDefinition{}, errors.New("task definition has no parent revision")
	}
	parent, err := c.describe(ctx, *td.Parent)
	if err != nil {
		return domain.TaskDefinition{}, err
	}

	images := make(map[string]string, len(td.Containers))
	for _, cd := range td.Containers {
		images[cd.Name] = cd.Image
	}
	containers := make([]types.ContainerDefinition, len(parent.ContainerDefinitions))
	copy(containers, parent.ContainerDefinitions)
	for i := range containers {
		if img, ok := images[aws.ToString(containers[i].Name)]; ok {
			containers[i].Image = aws.String(img)
		}
	}

	out, err := c.client.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  parent.Family,
		ContainerDefinitions:    containers,
		Cpu:                     parent.Cpu,
		Memory:                  parent.Memory,
		ExecutionRoleArn:        parent.ExecutionRoleArn,
		TaskRoleArn:             parent.TaskRoleArn,
		NetworkMode:             parent.NetworkMode,
		RequiresCompatibilities: parent.RequiresCompatibilities,
		Volumes:                 parent.Volumes,
		PlacementConstraints:    parent.PlacementConstraints,
		RuntimePlatform:         parent.RuntimePlatform,
		EphemeralStorage:        parent.EphemeralStorage,
		PidMode:                 parent.PidMode,
		IpcMode:                 parent.IpcMode,
		ProxyConfiguration:      parent.ProxyConfiguration,
	})
	if err != nil {
		return domain.TaskDefinition{}, mapError(td.Family, err)
	}
	return fromECS(out.TaskDefinition), nil
}

// UpdateService реализует Cluster.
func (c *ECSCluster) UpdateService(ctx context.Context, serviceID string, ref domain.TaskDefinitionRef) error {
	cluster, service, err := domain.ParseServiceID(serviceID)
	if err != nil {
		return err
	}
	_, err = c.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(cluster),
		Service:        aws.String(service),
		TaskDefinition: aws.String(ref.String()),
	})
	if err != nil {
		return mapError(serviceID, err)
	}
	return nil
}

func (c *ECSCluster) describe(ctx context.Context, ref domain.TaskDefinitionRef) (*types.TaskDefinition, error) {
	out, err := c.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(ref.String()),
	})
	if err != nil {
		return nil, mapError(ref.String(), err)
	}
	if out.TaskDefinition == nil {
		return nil, fmt.Errorf("task definition %s not found", ref)
	}
	return out.TaskDefinition, nil
}

func fromECS(td *types.TaskDefinition) domain.TaskDefinition {
	containers := make([]domain.ContainerDefinition, 0, len(td.ContainerDefinitions))
	for _, cd := range td.ContainerDefinitions {
		containers = append(containers, domain.ContainerDefinition{
			Name:  aws.ToString(cd.Name),
			Image: aws.ToString(cd.Image),
		})
	}
	return domain.TaskDefinition{
		Family:     aws.ToString(td.Family),
		Revision:   int(td.Revision),
		Containers: containers,
	}
}

// mapError отображает ошибки ECS API в ошибки пакета.
func mapError(subject string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceNotFoundException", "ServiceNotActiveException", "ClusterNotFoundException":
			return fmt.Errorf("%w: %s: %s", ErrServiceNotFound, subject, apiErr.ErrorMessage())
		}
		return fmt.Errorf("ecs %s: %s: %s", subject, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("ecs %s: %w", subject, err)
}
