// Package telemetry обеспечивает наблюдаемость Conveyor.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики executions, стадий, действий и deploy
//
// Все бинарники используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
