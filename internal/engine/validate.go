package engine

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Validate выполняет полную валидацию PipelineDefinition.
//
// Проверяет:
//   - Наличие стадий и action
//   - Уникальность имён стадий и action внутри стадии
//   - Вид action и соответствие параметров виду
//   - Первая стадия состоит только из Source action, и только она
//   - Каждый входной артефакт создаётся строго более ранней стадией
//   - Каждый артефакт создаётся ровно одним action
//   - Не больше одного approval gate на стадию
//
// Любая ошибка удовлетворяет errors.Is(err, domain.ErrInvalidDefinition).
func Validate(def *domain.PipelineDefinition) error {
	if def == nil || len(def.Stages) == 0 {
		return NewValidationError("", "", "stages", "pipeline has no stages", ErrNoStages)
	}

	switch def.Concurrency {
	case "", domain.ConcurrencyQueue, domain.ConcurrencyOverlap:
	default:
		return NewValidationError("", "", "concurrency",
			fmt.Sprintf("unknown concurrency policy: %s", def.Concurrency), ErrMissingConfig)
	}

	stageNames := make(map[string]bool, len(def.Stages))

	// artifact → индекс стадии, которая его создаёт
	producedAt := make(map[string]int)

	for i := range def.Stages {
		stage := &def.Stages[i]

		if err := validateStage(stage, i, stageNames); err != nil {
			return err
		}

		// 1. Входы: только артефакты более ранних стадий
		for _, action := range stage.Actions {
			for _, in := range action.InputArtifacts {
				at, ok := producedAt[in]
				if !ok || at >= i {
					return NewValidationError(stage.Name, action.Name, "input_artifacts",
						fmt.Sprintf("input artifact %q is not produced by an earlier stage", in), ErrUnproducedArtifact)
				}
			}
		}

		// 2. Выходы регистрируются после проверки входов:
		// артефакт той же стадии не считается доступным
		for _, action := range stage.Actions {
			for _, out := range action.OutputArtifacts {
				if _, exists := producedAt[out]; exists {
					return NewValidationError(stage.Name, action.Name, "output_artifacts",
						fmt.Sprintf("artifact %q is produced more than once", out), ErrDuplicateArtifact)
				}
				producedAt[out] = i
			}
		}
	}

	return nil
}

// validateStage проверяет одну стадию и её action.
func validateStage(stage *domain.StageDefinition, index int, stageNames map[string]bool) error {
	if stage.Name == "" {
		return NewValidationError("", "", "name",
			fmt.Sprintf("stage %d has empty name", index), ErrEmptyName)
	}
	if stageNames[stage.Name] {
		return NewValidationError(stage.Name, "", "name",
			fmt.Sprintf("duplicate stage name: %s", stage.Name), ErrDuplicateName)
	}
	stageNames[stage.Name] = true

	if len(stage.Actions) == 0 {
		return NewValidationError(stage.Name, "", "actions", "stage has no actions", ErrMissingConfig)
	}

	actionNames := make(map[string]bool, len(stage.Actions))
	gates := 0
	for j := range stage.Actions {
		action := &stage.Actions[j]

		if action.Name == "" {
			return NewValidationError(stage.Name, "", "name",
				fmt.Sprintf("action %d has empty name", j), ErrEmptyName)
		}
		if actionNames[action.Name] {
			return NewValidationError(stage.Name, action.Name, "name",
				fmt.Sprintf("duplicate action name: %s", action.Name), ErrDuplicateName)
		}
		actionNames[action.Name] = true

		isSource := action.Kind == domain.ActionKindSource
		if index == 0 && !isSource {
			return NewValidationError(stage.Name, action.Name, "kind",
				"first stage must contain only source actions", ErrSourceFirst)
		}
		if index > 0 && isSource {
			return NewValidationError(stage.Name, action.Name, "kind",
				"source actions are only allowed in the first stage", ErrSourceFirst)
		}

		if action.Kind == domain.ActionKindManualApproval {
			gates++
			if gates > 1 {
				return NewValidationError(stage.Name, action.Name, "kind",
					"stage may contain at most one manual approval action", ErrMultipleGates)
			}
		}

		if err := ValidateAction(stage.Name, action); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAction проверяет параметры action по его виду.
func ValidateAction(stageName string, a *domain.ActionDefinition) error {
	fail := func(field, msg string, err error) error {
		return NewValidationError(stageName, a.Name, field, msg, err)
	}

	if !a.Kind.IsValid() {
		return fail("kind", fmt.Sprintf("unknown action kind: %q", a.Kind), ErrUnknownKind)
	}

	if configCount(a) != 1 {
		return fail(kindField(a.Kind), "exactly one kind configuration must be set", ErrMissingConfig)
	}

	switch a.Kind {
	case domain.ActionKindSource:
		if a.Source == nil {
			return fail("source", "source configuration is required", ErrMissingConfig)
		}
		if a.Source.Owner == "" || a.Source.Repository == "" || a.Source.Branch == "" {
			return fail("source", "owner, repository and branch are required", ErrMissingConfig)
		}
		if len(a.InputArtifacts) > 0 {
			return fail("input_artifacts", "source action cannot have inputs", ErrUnproducedArtifact)
		}
		if len(a.OutputArtifacts) != 1 {
			return fail("output_artifacts", "source action must produce exactly one artifact", ErrMissingConfig)
		}
		switch a.Source.Trigger {
		case "", domain.TriggerWebhook, domain.TriggerManual:
		case domain.TriggerScheduled:
			if a.Source.Schedule == "" {
				return fail("source.schedule", "scheduled trigger requires a cron expression", ErrMissingConfig)
			}
			if _, err := cron.ParseStandard(a.Source.Schedule); err != nil {
				return fail("source.schedule", err.Error(), ErrInvalidSchedule)
			}
		default:
			return fail("source.trigger", fmt.Sprintf("unknown trigger: %s", a.Source.Trigger), ErrMissingConfig)
		}

	case domain.ActionKindBuild:
		if a.Build == nil {
			return fail("build", "build configuration is required", ErrMissingConfig)
		}
		if a.Build.Image == "" {
			return fail("build.image", "build image is required", ErrMissingConfig)
		}
		if a.Build.ContainerName == "" || a.Build.RegistryURI == "" {
			return fail("build", "container_name and registry_uri are required", ErrMissingConfig)
		}
		if len(a.InputArtifacts) == 0 {
			return fail("input_artifacts", "build action requires a source artifact", ErrMissingConfig)
		}
		if len(a.OutputArtifacts) != 1 {
			return fail("output_artifacts", "build action must produce exactly one artifact", ErrMissingConfig)
		}

	case domain.ActionKindManualApproval:
		if a.Approval == nil {
			return fail("approval", "approval configuration is required", ErrMissingConfig)
		}
		if len(a.OutputArtifacts) > 0 {
			return fail("output_artifacts", "approval action cannot produce artifacts", ErrMissingConfig)
		}

	case domain.ActionKindDeploy:
		if a.Deploy == nil {
			return fail("deploy", "deploy configuration is required", ErrMissingConfig)
		}
		if a.Deploy.ServiceID == "" {
			return fail("deploy.service_id", "target service is required", ErrMissingConfig)
		}
		if len(a.InputArtifacts) != 1 {
			return fail("input_artifacts", "deploy action requires exactly one build artifact", ErrMissingConfig)
		}
	}

	return nil
}

// configCount считает заполненные конфигурации вариантов.
func configCount(a *domain.ActionDefinition) int {
	n := 0
	if a.Source != nil {
		n++
	}
	if a.Build != nil {
		n++
	}
	if a.Approval != nil {
		n++
	}
	if a.Deploy != nil {
		n++
	}
	return n
}

func kindField(k domain.ActionKind) string {
	switch k {
	case domain.ActionKindSource:
		return "source"
	case domain.ActionKindBuild:
		return "build"
	case domain.ActionKindManualApproval:
		return "approval"
	default:
		return "deploy"
	}
}
