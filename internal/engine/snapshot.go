package engine

import (
	"maps"
	"slices"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Snapshot возвращает глубокую копию определения.
//
// Execution получает snapshot на момент trigger: последующие изменения
// исходного определения (в т.ч. в памяти) на execution не влияют.
func Snapshot(def *domain.PipelineDefinition) domain.PipelineDefinition {
	out := *def
	out.Stages = make([]domain.StageDefinition, len(def.Stages))
	for i, s := range def.Stages {
		stage := domain.StageDefinition{
			Name:    s.Name,
			Actions: make([]domain.ActionDefinition, len(s.Actions)),
		}
		for j, a := range s.Actions {
			stage.Actions[j] = CopyAction(a)
		}
		out.Stages[i] = stage
	}
	return out
}

// CopyAction возвращает глубокую копию action.
func CopyAction(a domain.ActionDefinition) domain.ActionDefinition {
	out := a
	out.InputArtifacts = slices.Clone(a.InputArtifacts)
	out.OutputArtifacts = slices.Clone(a.OutputArtifacts)

	if a.Source != nil {
		src := *a.Source
		out.Source = &src
	}
	if a.Build != nil {
		b := *a.Build
		b.Environment = maps.Clone(a.Build.Environment)
		out.Build = &b
	}
	if a.Approval != nil {
		ap := *a.Approval
		ap.Approvers = slices.Clone(a.Approval.Approvers)
		out.Approval = &ap
	}
	if a.Deploy != nil {
		d := *a.Deploy
		out.Deploy = &d
	}
	return out
}
