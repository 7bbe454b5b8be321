// Package deploy обновляет образ работающего сервиса.
//
// Deploy регистрирует новую ревизию task definition, на которой заменены
// образы из image descriptor, переключает на неё сервис и ждёт health check.
// Если новая ревизия не становится здоровой за HealthCheckTimeout,
// сервис откатывается на предыдущую ревизию и возвращается ErrDeployFailed.
//
// Повторный Deploy тем же descriptor не создаёт новую ревизию.
// Для одного сервиса в процессе находится не больше одного Deploy.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultHealthCheckTimeout = 10 * time.Minute
	defaultPollInterval       = 15 * time.Second
	rollbackTimeout           = 10 * time.Minute
)

// ErrServiceNotFound — сервис (или кластер) не существует.
var ErrServiceNotFound = errors.New("service not found")

// Cluster — контейнерная платформа с сервисами и ревизиями task definition.
type Cluster interface {
	// DescribeService возвращает активную ревизию сервиса и её состояние.
	DescribeService(ctx context.Context, serviceID string) (domain.ServiceDeployment, error)

	// DescribeTaskDefinition возвращает ревизию.
	DescribeTaskDefinition(ctx context.Context, ref domain.TaskDefinitionRef) (domain.TaskDefinition, error)

	// RegisterTaskDefinition регистрирует новую ревизию и возвращает её номер.
	RegisterTaskDefinition(ctx context.Context, td domain.TaskDefinition) (domain.TaskDefinition, error)

	// UpdateService переключает сервис на ревизию и возвращается сразу.
	UpdateService(ctx context.Context, serviceID string, ref domain.TaskDefinitionRef) error
}

// Config — конфигурация Deployer.
type Config struct {
	Cluster Cluster

	// HealthCheckTimeout — окно ожидания health check (default: 10m).
	HealthCheckTimeout time.Duration

	// PollInterval — интервал опроса состояния сервиса (default: 15s).
	PollInterval time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Deployer выполняет Deploy action.
type Deployer struct {
	cluster            Cluster
	healthCheckTimeout time.Duration
	pollInterval       time.Duration
	metrics            *telemetry.Metrics
	logger             *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New создаёт Deployer.
func New(cfg Config) *Deployer {
	healthCheckTimeout := cfg.HealthCheckTimeout
	if healthCheckTimeout <= 0 {
		healthCheckTimeout = defaultHealthCheckTimeout
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Deployer{
		cluster:            cfg.Cluster,
		healthCheckTimeout: healthCheckTimeout,
		pollInterval:       pollInterval,
		metrics:            cfg.Metrics,
		logger:             logger,
		locks:              make(map[string]*sync.Mutex),
	}
}

// Request — вход Deploy action.
type Request struct {
	// ServiceID — "cluster/service".
	ServiceID string

	// Images — содержимое image descriptor.
	Images []domain.ImageDefinition

	// HealthCheckTimeout — переопределяет Config.HealthCheckTimeout, если > 0.
	HealthCheckTimeout time.Duration
}

// Result — итог Deploy.
type Result struct {
	ServiceID string `json:"service_id"`

	// Previous — ревизия до deploy.
	Previous domain.TaskDefinitionRef `json:"previous"`

	// Current — ревизия после deploy (равна Previous для no-op и отката).
	Current domain.TaskDefinitionRef `json:"current"`

	// Changed — была ли зарегистрирована новая ревизия.
	Changed bool `json:"changed"`

	// RolledBack — сервис возвращён на Previous.
	RolledBack bool `json:"rolled_back,omitempty"`
}

// Deploy обновляет образы сервиса.
func (d *Deployer) Deploy(ctx context.Context, req Request) (Result, error) {
	if _, _, err := domain.ParseServiceID(req.ServiceID); err != nil {
		return Result{}, err
	}
	logger := d.logger.With("service_id", req.ServiceID)

	// 1. Одна запись на сервис
	unlock := d.lock(req.ServiceID)
	defer unlock()

	// 2. Активная ревизия
	svc, err := d.cluster.DescribeService(ctx, req.ServiceID)
	if err != nil {
		return Result{}, fmt.Errorf("describe service %s: %w", req.ServiceID, err)
	}
	active, err := d.cluster.DescribeTaskDefinition(ctx, svc.TaskDefinition)
	if err != nil {
		return Result{}, fmt.Errorf("describe task definition %s: %w", svc.TaskDefinition, err)
	}

	result := Result{ServiceID: req.ServiceID, Previous: active.Ref(), Current: active.Ref()}

	// 3. Новая ревизия с образами из descriptor
	next, changed, err := active.WithImages(req.Images)
	if err != nil {
		return result, err
	}
	if !changed {
		logger.Info("service already runs requested images", "task_definition", active.Ref().String())
		return result, nil
	}

	registered, err := d.cluster.RegisterTaskDefinition(ctx, next)
	if err != nil {
		return result, fmt.Errorf("register task definition %s: %w", next.Family, err)
	}
	result.Changed = true
	result.Current = registered.Ref()

	logger.Info("task definition registered",
		"previous", result.Previous.String(),
		"current", result.Current.String(),
	)

	// 4. Переключение и ожидание health check
	timeout := req.HealthCheckTimeout
	if timeout <= 0 {
		timeout = d.healthCheckTimeout
	}

	deployErr := d.cluster.UpdateService(ctx, req.ServiceID, result.Current)
	if deployErr == nil {
		deployErr = d.waitHealthy(ctx, req.ServiceID, result.Current, timeout)
	}
	if deployErr == nil {
		logger.Info("deploy succeeded", "task_definition", result.Current.String())
		return result, nil
	}

	// 5. Откат на предыдущую ревизию
	logger.Warn("deploy failed, rolling back",
		"task_definition", result.Current.String(),
		"rollback_to", result.Previous.String(),
		"error", deployErr,
	)

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := d.cluster.UpdateService(rollbackCtx, req.ServiceID, result.Previous); err != nil {
		logger.Error("rollback update failed", "error", err)
		return result, fmt.Errorf("%w: %s: %v; rollback failed: %v", domain.ErrDeployFailed, req.ServiceID, deployErr, err)
	}
	if err := d.waitHealthy(rollbackCtx, req.ServiceID, result.Previous, timeout); err != nil {
		logger.Error("rolled back revision is not healthy", "error", err)
	}

	d.metrics.DeployRolledBack(req.ServiceID)
	result.RolledBack = true
	result.Current = result.Previous

	return result, fmt.Errorf("%w: %s: %v; rolled back to %s", domain.ErrDeployFailed, req.ServiceID, deployErr, result.Previous)
}

// waitHealthy опрашивает сервис, пока он не станет здоровым на ref.
func (d *Deployer) waitHealthy(ctx context.Context, serviceID string, ref domain.TaskDefinitionRef, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		svc, err := d.cluster.DescribeService(ctx, serviceID)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("health check on %s: %w", ref, ctx.Err())
			}
			return fmt.Errorf("describe service: %w", err)
		}
		if svc.IsHealthyOn(ref) {
			return nil
		}
		if svc.TaskDefinition == ref && svc.Health == domain.HealthUnhealthy {
			return fmt.Errorf("revision %s reported unhealthy", ref)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("health check on %s: %w", ref, ctx.Err())
		case <-ticker.C:
		}
	}
}

// lock захватывает мьютекс сервиса.
func (d *Deployer) lock(serviceID string) func() {
	d.mu.Lock()
	l, ok := d.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[serviceID] = l
	}
	d.mu.Unlock()

	l.Lock()
	return l.Unlock
}
