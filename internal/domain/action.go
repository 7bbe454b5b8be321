package domain

import (
	"errors"

	"github.com/google/uuid"
)

// ActionJob — action, готовый к выполнению воркером.
//
// Конфигурация Action уже отрендерена оркестратором
// (шаблоны ресурсов и артефактов подставлены).
type ActionJob struct {
	ExecutionID uuid.UUID        `json:"execution_id"`
	PipelineID  uuid.UUID        `json:"pipeline_id"`
	StageIndex  int              `json:"stage_index"`
	StageName   string           `json:"stage_name"`
	Action      ActionDefinition `json:"action"`
	Trigger     Trigger          `json:"trigger"`

	// Inputs — входные артефакты action (name → artifact).
	Inputs map[string]Artifact `json:"inputs,omitempty"`

	// Resources — идентификаторы из Resource Declaration.
	Resources map[string]string `json:"resources,omitempty"`
}

// ActionResult — терминальный результат action.
type ActionResult struct {
	ExecutionID uuid.UUID     `json:"execution_id"`
	StageIndex  int           `json:"stage_index"`
	StageName   string        `json:"stage_name"`
	ActionName  string        `json:"action_name"`
	Status      StageStatus   `json:"status"`
	Reason      FailureReason `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`

	// Artifacts — созданные артефакты (только при SUCCEEDED).
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Outputs — присваиваются ActionState.Outputs.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// ResultFromError формирует ActionResult для завершённого action.
// err == nil означает успех.
func (j *ActionJob) ResultFromError(err error) ActionResult {
	res := ActionResult{
		ExecutionID: j.ExecutionID,
		StageIndex:  j.StageIndex,
		StageName:   j.StageName,
		ActionName:  j.Action.Name,
		Status:      StageStatusSucceeded,
	}
	if err == nil {
		return res
	}

	res.Reason = ReasonFromError(err)
	res.Error = err.Error()
	if res.Reason == ReasonCancelled {
		res.Status = StageStatusCancelled
	} else {
		res.Status = StageStatusFailed
	}

	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		code := buildErr.ExitCode
		res.ExitCode = &code
	}
	return res
}
