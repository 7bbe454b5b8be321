package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTriggers Exchange = "conveyor.triggers"
	ExchangeActions  Exchange = "conveyor.actions"
	ExchangeControl  Exchange = "conveyor.control"
	ExchangeDLQ      Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueTriggersReceived Queue = "triggers.received"
	QueueActionsReady     Queue = "actions.ready"
	QueueActionsCompleted Queue = "actions.completed"
	QueueDLQActions       Queue = "dlq.actions"
)

// Routing keys.
const (
	RoutingKeyReceived  RoutingKey = "received"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQAction RoutingKey = "actions"
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Bindings
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTriggers, amqp.ExchangeDirect},
		{ExchangeActions, amqp.ExchangeDirect},
		{ExchangeControl, amqp.ExchangeFanout},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQAction),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// triggers.received: повторная доставка безопасна (DedupKey)
		{QueueTriggersReceived, nil},

		// actions.ready: после повторного сбоя сообщение уходит в DLQ
		{QueueActionsReady, dlqArgs},

		{QueueActionsCompleted, nil},
		{QueueDLQActions, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTriggersReceived, RoutingKeyReceived, ExchangeTriggers},
		{QueueActionsReady, RoutingKeyReady, ExchangeActions},
		{QueueActionsCompleted, RoutingKeyCompleted, ExchangeActions},
		{QueueDLQActions, RoutingKeyDLQAction, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// ControlQueue возвращает имя control очереди воркера.
func ControlQueue(workerID string) Queue {
	return Queue("control." + workerID)
}

// DeclareControlQueue объявляет exclusive auto-delete очередь воркера,
// привязанную к fanout exchange conveyor.control.
//
// Очередь живёт вместе с каналом consumer, поэтому объявляется
// заново после каждого переподключения (ConsumerConfig.Declare).
func DeclareControlQueue(queue Queue) func(ch *amqp.Channel) error {
	return func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			string(queue), // name
			false,         // durable
			true,          // delete when unused
			true,          // exclusive
			false,         // no-wait
			nil,           // arguments
		)
		if err != nil {
			return fmt.Errorf("declare control queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(string(queue), "", string(ExchangeControl), false, nil); err != nil {
			return fmt.Errorf("bind control queue %s: %w", queue, err)
		}
		return nil
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.triggers (direct)
    └── triggers.received [routing: received]
            Consumer: Orchestrator

    conveyor.actions (direct)
    ├── actions.ready [routing: ready]
    │       Consumer: Worker
    │       DLQ: dlq.actions
    └── actions.completed [routing: completed]
            Consumer: Orchestrator

    conveyor.control (fanout)
    └── control.{worker_id} (exclusive)
            Consumer: Worker (execution.cancelled)

    conveyor.dlq (direct)
    └── dlq.actions [routing: actions]
            Manual processing
  `
}
