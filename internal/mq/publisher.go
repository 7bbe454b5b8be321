package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTriggerReceived    MessageType = "trigger.received"
	MessageTypeActionReady        MessageType = "action.ready"
	MessageTypeActionCompleted    MessageType = "action.completed"
	MessageTypeExecutionCancelled MessageType = "execution.cancelled"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// TriggerReceivedPayload — trigger для pipeline.
type TriggerReceivedPayload struct {
	PipelineID uuid.UUID      `json:"pipeline_id"`
	Trigger    domain.Trigger `json:"trigger"`
}

// ExecutionCancelledPayload — сигнал остановить action execution.
type ExecutionCancelledPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Actor       string    `json:"actor,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishTriggerReceived публикует trigger pipeline.
// Потребитель: Orchestrator.
func (p *Publisher) PublishTriggerReceived(ctx context.Context, pipelineID uuid.UUID, trigger domain.Trigger) error {
	msg := NewMessage(MessageTypeTriggerReceived, TriggerReceivedPayload{PipelineID: pipelineID, Trigger: trigger})
	return p.Publish(ctx, ExchangeTriggers, RoutingKeyReceived, msg)
}

// PublishActionReady публикует action, готовый к выполнению.
// Потребитель: Worker.
func (p *Publisher) PublishActionReady(ctx context.Context, job domain.ActionJob) error {
	msg := NewMessage(MessageTypeActionReady, job)
	return p.Publish(ctx, ExchangeActions, RoutingKeyReady, msg)
}

// PublishActionCompleted публикует результат action.
// Потребитель: Orchestrator.
func (p *Publisher) PublishActionCompleted(ctx context.Context, result domain.ActionResult) error {
	msg := NewMessage(MessageTypeActionCompleted, result)
	return p.Publish(ctx, ExchangeActions, RoutingKeyCompleted, msg)
}

// PublishExecutionCancelled рассылает отмену execution всем воркерам.
func (p *Publisher) PublishExecutionCancelled(ctx context.Context, executionID uuid.UUID, actor string) error {
	msg := NewMessage(MessageTypeExecutionCancelled, ExecutionCancelledPayload{ExecutionID: executionID, Actor: actor})
	return p.Publish(ctx, ExchangeControl, "", msg)
}
