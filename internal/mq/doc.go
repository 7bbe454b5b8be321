// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — конверт Message и публикация событий
//   - consumer.go   — потребление с ограниченной параллельностью
//
// Типы сообщений:
//   - trigger.received    — trigger pipeline (webhook, scheduler)
//   - action.ready        — отрендеренный action для воркера
//   - action.completed    — терминальный результат action
//   - execution.cancelled — отмена execution (fanout всем воркерам)
//
// Доставка at-least-once: обработчики идемпотентны.
package mq
