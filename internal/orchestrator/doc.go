// Package orchestrator ведёт executions release pipeline по стадиям.
//
// Orchestrator отвечает за:
//   - создание execution по trigger (dedup, snapshot, политика QUEUE/OVERLAP)
//   - рендеринг и отправку action текущей стадии через Dispatcher
//   - открытие approval gate для ManualApproval action
//   - приём результатов action и переход Running(i) → Running(i+1) | Succeeded | Failed(i, reason)
//   - отмену, истечение gate и продвижение очереди executions
//
// Состояние хранится только в ExecutionStore: любой экземпляр
// оркестратора может продолжить execution после рестарта.
package orchestrator
