// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP и не импортирует пакеты сервера; исключение —
// команды resources, которые проверяют декларацию локально.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Identity передаётся заголовком
// X-Conveyor-Actor (dev) или bearer токеном (OIDC, через golang.org/x/oauth2).
//
//	client := cli.NewClient(cli.ClientConfig{BaseURL: "http://localhost:8080", Actor: "alice"})
//	pipelines, err := client.ListPipelines()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// conveyor execution list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - pipeline: list, show, create -f
//   - execution: start, status [--watch], list, cancel
//   - approval: list, approve, reject
//   - resources: validate -f, outputs -f
//
// Фабричные функции (NewPipelineCmd и т.д.) принимают clientFn и outputFn —
// замыкания для ленивого создания Client и Output после парсинга PersistentFlags.
package cli
