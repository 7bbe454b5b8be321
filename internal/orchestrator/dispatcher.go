package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// Dispatcher передаёт action воркерам.
//
// Dispatch возвращается сразу после передачи: результат приходит
// позже через Orchestrator.RecordResult. Cancel просит воркеры
// остановить action execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.ActionJob) error
	Cancel(ctx context.Context, executionID uuid.UUID) error
}

// MQDispatcher публикует action в RabbitMQ (actions.ready, conveyor.control).
type MQDispatcher struct {
	publisher *mq.Publisher
}

// NewMQDispatcher создаёт MQDispatcher.
func NewMQDispatcher(publisher *mq.Publisher) *MQDispatcher {
	return &MQDispatcher{publisher: publisher}
}

// Dispatch реализует Dispatcher.
func (d *MQDispatcher) Dispatch(ctx context.Context, job domain.ActionJob) error {
	return d.publisher.PublishActionReady(ctx, job)
}

// Cancel реализует Dispatcher.
func (d *MQDispatcher) Cancel(ctx context.Context, executionID uuid.UUID) error {
	return d.publisher.PublishExecutionCancelled(ctx, executionID, "")
}
