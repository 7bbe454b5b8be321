package engine

import (
	"errors"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Ошибки валидации PipelineDefinition.
var (
	// ErrNoStages — pipeline не содержит стадий.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrEmptyName — стадия или action без имени.
	ErrEmptyName = errors.New("empty name")

	// ErrDuplicateName — повторяющееся имя стадии или action.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrUnknownKind — неизвестный вид action.
	ErrUnknownKind = errors.New("unknown action kind")

	// ErrMissingConfig — не заполнены параметры вида action.
	ErrMissingConfig = errors.New("missing action configuration")

	// ErrUnproducedArtifact — входной артефакт не создаётся более ранней стадией.
	ErrUnproducedArtifact = errors.New("input artifact is not produced by an earlier stage")

	// ErrDuplicateArtifact — артефакт создаётся несколькими action.
	ErrDuplicateArtifact = errors.New("artifact produced more than once")

	// ErrSourceFirst — первая стадия должна состоять из Source action.
	ErrSourceFirst = errors.New("first stage must contain only source actions")

	// ErrMultipleGates — несколько ManualApproval action в одной стадии.
	ErrMultipleGates = errors.New("multiple approval gates in stage")

	// ErrInvalidSchedule — cron-выражение scheduled trigger не разбирается.
	ErrInvalidSchedule = errors.New("invalid cron schedule")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
//
// errors.Is(err, domain.ErrInvalidDefinition) == true для любой ValidationError.
type ValidationError struct {
	Stage   string // имя стадии
	Action  string // имя action
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	prefix := domain.ErrInvalidDefinition.Error() + ": "
	switch {
	case e.Stage != "" && e.Action != "":
		return prefix + "stage " + e.Stage + ", action " + e.Action + ": " + e.Message
	case e.Stage != "":
		return prefix + "stage " + e.Stage + ": " + e.Message
	default:
		return prefix + e.Message
	}
}

// Unwrap возвращает базовую ошибку и ErrInvalidDefinition.
func (e *ValidationError) Unwrap() []error {
	return []error{e.Err, domain.ErrInvalidDefinition}
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stage, action, field, message string, err error) *ValidationError {
	return &ValidationError{
		Stage:   stage,
		Action:  action,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
