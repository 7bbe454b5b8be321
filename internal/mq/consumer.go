package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent — обработка не удастся при повторе, сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent failure")

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Concurrency — число параллельно обрабатываемых сообщений (default: 1).
	// Prefetch канала равен Concurrency.
	Concurrency int

	// Declare — объявление очереди на канале consumer перед Consume
	// (для exclusive очередей, которые не переживают канал).
	Declare func(ch *amqp.Channel) error
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	reconnect <-chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:      conn,
		logger:    logger.With("queue", cfg.Queue),
		cfg:       cfg,
		reconnect: conn.ReconnectNotify(),
	}
}

// Start потребляет сообщения до отмены ctx и дожидается обработчиков.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "concurrency", c.cfg.Concurrency)
		err = c.processDeliveries(ctx, deliveries)
		ch.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("deliveries channel closed, reconnecting", "error", err)
		if err := c.waitReconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.reconnect:
		c.logger.Info("reconnected, restarting consumer")
		return nil
	}
}

// setupConsume открывает канал consumer и начинает потребление.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if c.cfg.Declare != nil {
		if err := c.cfg.Declare(ch); err != nil {
			ch.Close()
			return nil, nil, err
		}
	}

	if err := ch.Qos(c.cfg.Concurrency, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.cfg.Queue), // queue
		"",                  // consumer tag (auto-generated)
		false,               // auto-ack
		false,               // exclusive
		false,               // no-local
		false,               // no-wait
		nil,                 // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

// processDeliveries раздаёт сообщения не более чем Concurrency обработчикам.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	slots := make(chan struct{}, c.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}

			slots <- struct{}{}
			c.wg.Add(1)
			go func() {
				defer func() {
					<-slots
					c.wg.Done()
				}()
				c.handleDelivery(ctx, raw)
			}()
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
//
// Ошибка обработчика: первая доставка возвращается в очередь,
// повторная (Redelivered) и ErrPermanent уходят в DLQ.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)

	err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw})
	if err == nil {
		raw.Ack(false)
		return
	}

	requeue := !raw.Redelivered && !errors.Is(err, ErrPermanent)
	c.logger.Error("handler failed",
		"message_id", msg.ID,
		"type", msg.Type,
		"requeue", requeue,
		"error", err,
	)
	raw.Nack(false, requeue)
}

// ParsePayload парсит payload сообщения в указанный тип.
// Ошибка разбора оборачивает ErrPermanent.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("%w: marshal payload: %w", ErrPermanent, err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal %s payload: %w", ErrPermanent, msg.Type, err)
	}
	return result, nil
}
