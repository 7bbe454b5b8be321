// Package worker выполняет action stages release pipeline.
//
// # Обзор
//
// Оркестратор рендерит action текущей стадии и отправляет его как
// domain.ActionJob. Worker выполняет job executor'ом его вида и
// возвращает терминальный domain.ActionResult.
//
// Два способа доставки:
//   - Worker — RabbitMQ: actions.ready → Execute → actions.completed,
//     отмена через fanout exchange conveyor.control
//   - Local — горутины в процессе оркестратора (LOCAL_WORKERS=true),
//     результат передаётся напрямую в ResultSink
//
// # Executors
//
//   - SourceExecutor — ревизия репозитория → source.tar.gz в Source артефакте
//   - BuildExecutor — сборка в изолированном окружении → imagedefinitions.json
//   - DeployExecutor — обновление сервиса по image descriptor с откатом
//
// ManualApproval action воркер не получает: gate ведёт оркестратор.
//
// # Отмена
//
// Каждый выполняемый action зарегистрирован по execution. Сигнал
// execution.cancelled отменяет контекст всех action execution.
// Результат отменённого action не публикуется: execution уже завершён.
// При остановке воркера сообщение возвращается в очередь.
package worker
