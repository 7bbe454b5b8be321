// Package api содержит HTTP API сервер Conveyor.
//
// Структура:
//   - handler.go           — Handler с DI (Service, TriggerPublisher, Authenticator)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (logging, recovery, authentication)
//   - auth.go              — identity: OIDC bearer token или dev заголовок
//   - response.go          — унифицированные JSON-ответы и маппинг ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - pipeline_handler.go  — /pipelines
//   - execution_handler.go — /executions
//   - approval_handler.go  — решения approval gate
//   - webhook.go           — GitHub push webhook (HMAC подпись)
//
// Коды ошибок: неизвестный execution или pipeline — 404,
// стадия не ждёт решения или execution завершён — 409,
// некорректное определение — 422.
package api
