package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger — событие, запускающее execution.
type Trigger struct {
	// Source — webhook, scheduled или manual.
	Source TriggerSource `json:"source"`

	Owner      string `json:"owner,omitempty"`
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`

	// Revision — commit hash. Пусто = голова ветки на момент Source стадии.
	Revision string `json:"revision,omitempty"`

	// Actor — кто запустил (для manual) или отправитель webhook.
	Actor string `json:"actor,omitempty"`

	// DeliveryID — идентификатор доставки webhook.
	DeliveryID string `json:"delivery_id,omitempty"`

	// DedupKey — ключ идемпотентности. Повторная доставка с тем же ключом
	// возвращает существующий execution.
	DedupKey string `json:"dedup_key,omitempty"`

	// ReceivedAt — время получения trigger.
	ReceivedAt time.Time `json:"received_at"`
}

// RevisionDedupKey формирует ключ идемпотентности для push-события:
// одна ревизия ветки = один execution.
func RevisionDedupKey(owner, repository, branch, revision string) string {
	return fmt.Sprintf("%s/%s@%s:%s", owner, repository, branch, revision)
}

// ScheduleDedupKey формирует ключ идемпотентности срабатывания расписания:
// один момент расписания = один execution, сколько бы планировщиков его ни увидели.
func ScheduleDedupKey(pipelineID uuid.UUID, schedule string, due time.Time) string {
	return fmt.Sprintf("%s:%s:%d", pipelineID, schedule, due.Unix())
}
