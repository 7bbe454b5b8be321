package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskDefinitionRef — ссылка на неизменяемую ревизию task definition.
type TaskDefinitionRef struct {
	Family   string `json:"family"`
	Revision int    `json:"revision"`
}

// String возвращает ссылку в формате "family:revision".
func (r TaskDefinitionRef) String() string {
	return fmt.Sprintf("%s:%d", r.Family, r.Revision)
}

// ParseTaskDefinitionRef парсит "family:revision" (а также task definition ARN).
func ParseTaskDefinitionRef(s string) (TaskDefinitionRef, error) {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return TaskDefinitionRef{}, fmt.Errorf("invalid task definition reference %q", s)
	}
	rev, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return TaskDefinitionRef{}, fmt.Errorf("invalid task definition revision %q: %w", s, err)
	}
	return TaskDefinitionRef{Family: s[:i], Revision: rev}, nil
}

// ContainerDefinition — контейнер внутри task definition.
type ContainerDefinition struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// TaskDefinition — ревизия описания контейнеров сервиса.
type TaskDefinition struct {
	Family     string                `json:"family"`
	Revision   int                   `json:"revision"`
	Containers []ContainerDefinition `json:"containers"`

	// Parent — ревизия, из которой получена эта (для ещё не зарегистрированных).
	Parent *TaskDefinitionRef `json:"parent,omitempty"`
}

// Ref возвращает ссылку на ревизию.
func (t TaskDefinition) Ref() TaskDefinitionRef {
	return TaskDefinitionRef{Family: t.Family, Revision: t.Revision}
}

// WithImages возвращает новую (незарегистрированную) ревизию с заменёнными образами.
//
// Исходная ревизия не меняется. changed == false, если все контейнеры
// уже используют указанные образы. Неизвестное имя контейнера
// возвращает ErrMalformedArtifact.
func (t TaskDefinition) WithImages(images []ImageDefinition) (TaskDefinition, bool, error) {
	if len(images) == 0 {
		return TaskDefinition{}, false, fmt.Errorf("%w: image descriptor is empty", ErrMalformedArtifact)
	}

	containers := make([]ContainerDefinition, len(t.Containers))
	copy(containers, t.Containers)

	changed := false
	for _, img := range images {
		if img.Name == "" || img.ImageURI == "" {
			return TaskDefinition{}, false, fmt.Errorf("%w: descriptor entry has empty name or imageUri", ErrMalformedArtifact)
		}
		found := false
		for i := range containers {
			if containers[i].Name != img.Name {
				continue
			}
			found = true
			if containers[i].Image != img.ImageURI {
				containers[i].Image = img.ImageURI
				changed = true
			}
		}
		if !found {
			return TaskDefinition{}, false, fmt.Errorf("%w: container %q not in task definition %s",
				ErrMalformedArtifact, img.Name, t.Ref())
		}
	}

	parent := t.Ref()
	return TaskDefinition{
		Family:     t.Family,
		Containers: containers,
		Parent:     &parent,
	}, changed, nil
}

// HealthState — результат health check сервиса на активной ревизии.
type HealthState string

const (
	HealthPending   HealthState = "PENDING"
	HealthHealthy   HealthState = "HEALTHY"
	HealthUnhealthy HealthState = "UNHEALTHY"
)

// ServiceDeployment — работающий сервис, которому обновляется образ.
type ServiceDeployment struct {
	// ServiceID — "cluster/service".
	ServiceID string `json:"service_id"`

	// TaskDefinition — ревизия, на которую переключён сервис.
	TaskDefinition TaskDefinitionRef `json:"task_definition"`

	DesiredCount int `json:"desired_count"`
	RunningCount int `json:"running_count"`

	// Health — состояние rolling update на TaskDefinition.
	Health HealthState `json:"health"`
}

// IsHealthyOn проверяет, что сервис работает на ref и прошёл health check.
func (s ServiceDeployment) IsHealthyOn(ref TaskDefinitionRef) bool {
	return s.TaskDefinition == ref && s.Health == HealthHealthy
}

// ParseServiceID разбирает "cluster/service".
func ParseServiceID(id string) (cluster, service string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid service id %q, expected cluster/service", id)
	}
	return parts[0], parts[1], nil
}
