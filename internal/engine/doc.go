// Package engine понимает структуру pipeline.
//
// Включает:
//   - validate.go — проверка PipelineDefinition до создания execution
//   - snapshot.go — глубокая копия определения для execution
//   - template.go — рендеринг Go templates ({{ .Resources.RegistryURI }})
//   - parse.go    — чтение определения из YAML/JSON
//
// Engine не выполняет стадии: последовательность и переходы
// state machine принадлежат orchestrator.
package engine
