package domain

import (
	"context"
	"errors"
	"fmt"
)

// Ошибки release pipeline.
var (
	// ErrInvalidDefinition — PipelineDefinition нарушает структурные инварианты.
	// Возвращается до создания execution.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")

	// ErrSourceUnavailable — ревизию источника невозможно получить.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrBuildFailed — команды сборки завершились с ненулевым кодом.
	ErrBuildFailed = errors.New("build failed")

	// ErrGateRejected — approval gate отклонён.
	ErrGateRejected = errors.New("approval gate rejected")

	// ErrGateExpired — решение по gate не получено за отведённое время.
	ErrGateExpired = errors.New("approval gate expired")

	// ErrDeployFailed — новая ревизия не прошла health check, сервис откатан.
	ErrDeployFailed = errors.New("deploy failed")

	// ErrMalformedArtifact — артефакт не читается или ссылается на неизвестный контейнер.
	ErrMalformedArtifact = errors.New("malformed artifact")

	// ErrUnknownExecution — execution с таким ID не существует.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrStageNotPending — стадия не ожидает решения.
	ErrStageNotPending = errors.New("stage not pending")

	// ErrExecutionTerminal — execution уже завершён.
	ErrExecutionTerminal = errors.New("execution already finished")

	// ErrPipelineNotFound — pipeline не найден.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// BuildError — ошибка сборки с кодом выхода.
// errors.Is(err, ErrBuildFailed) == true.
type BuildError struct {
	ExitCode int
	Output   string
}

// Error реализует интерфейс error.
func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed: exit code %d", e.ExitCode)
}

// Is позволяет сравнивать BuildError с ErrBuildFailed.
func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}

// ReasonFromError определяет FailureReason по ошибке action.
func ReasonFromError(err error) FailureReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrSourceUnavailable):
		return ReasonSourceUnavailable
	case errors.Is(err, ErrBuildFailed):
		return ReasonBuildFailed
	case errors.Is(err, ErrMalformedArtifact):
		return ReasonMalformedArtifact
	case errors.Is(err, ErrDeployFailed):
		return ReasonDeployFailed
	case errors.Is(err, ErrGateRejected):
		return ReasonGateRejected
	case errors.Is(err, ErrGateExpired):
		return ReasonGateExpired
	default:
		return ReasonActionFailed
	}
}
