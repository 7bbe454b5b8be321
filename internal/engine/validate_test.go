package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

// releasePipeline — Source → Build → Approve → Deploy.
func releasePipeline() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name:    "api-release",
		Version: 1,
		Stages: []domain.StageDefinition{
			{
				Name: "Source",
				Actions: []domain.ActionDefinition{{
					Name:            "GitHub",
					Kind:            domain.ActionKindSource,
					OutputArtifacts: []string{"SourceOutput"},
					Source: &domain.SourceAction{
						Provider:   "github",
						Owner:      "joe",
						Repository: "node-api",
						Branch:     "main",
					},
				}},
			},
			{
				Name: "Build",
				Actions: []domain.ActionDefinition{{
					Name:            "Image",
					Kind:            domain.ActionKindBuild,
					InputArtifacts:  []string{"SourceOutput"},
					OutputArtifacts: []string{"BuildOutput"},
					Build: &domain.BuildAction{
						Image:         "aws/codebuild/standard:7.0",
						Privileged:    true,
						ContainerName: "joe-node",
						RegistryURI:   "{{ .Resources.RegistryURI }}",
					},
				}},
			},
			{
				Name: "Approve",
				Actions: []domain.ActionDefinition{{
					Name:     "Release",
					Kind:     domain.ActionKindManualApproval,
					Approval: &domain.ApprovalAction{},
				}},
			},
			{
				Name: "Deploy",
				Actions: []domain.ActionDefinition{{
					Name:           "ECS",
					Kind:           domain.ActionKindDeploy,
					InputArtifacts: []string{"BuildOutput"},
					Deploy:         &domain.DeployAction{ServiceID: "{{ .Resources.ServiceID }}"},
				}},
			},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(releasePipeline()); err != nil {
		t.Fatalf("expected valid pipeline, got %v", err)
	}
}

func TestValidate_NoStages(t *testing.T) {
	tests := []struct {
		name string
		def  *domain.PipelineDefinition
	}{
		{name: "nil definition", def: nil},
		{name: "empty stages", def: &domain.PipelineDefinition{Name: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if !errors.Is(err, ErrNoStages) {
				t.Errorf("expected ErrNoStages, got %v", err)
			}
			if !errors.Is(err, domain.ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *domain.PipelineDefinition)
		want   error
	}{
		{
			name: "empty stage name",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[1].Name = ""
			},
			want: ErrEmptyName,
		},
		{
			name: "duplicate stage name",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[2].Name = "Build"
			},
			want: ErrDuplicateName,
		},
		{
			name: "duplicate action name",
			mutate: func(def *domain.PipelineDefinition) {
				a := def.Stages[2].Actions[0]
				def.Stages[2].Actions = append(def.Stages[2].Actions, a)
			},
			want: ErrDuplicateName,
		},
		{
			name: "unknown kind",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[2].Actions[0].Kind = "LAMBDA"
			},
			want: ErrUnknownKind,
		},
		{
			name: "missing build config",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[1].Actions[0].Build = nil
			},
			want: ErrMissingConfig,
		},
		{
			name: "two kind configs",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[3].Actions[0].Approval = &domain.ApprovalAction{}
			},
			want: ErrMissingConfig,
		},
		{
			name: "input from same stage",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[1].Actions = append(def.Stages[1].Actions, domain.ActionDefinition{
					Name:            "Lint",
					Kind:            domain.ActionKindBuild,
					InputArtifacts:  []string{"BuildOutput"},
					OutputArtifacts: []string{"LintOutput"},
					Build: &domain.BuildAction{
						Image: "node:20", ContainerName: "lint", RegistryURI: "r",
					},
				})
			},
			want: ErrUnproducedArtifact,
		},
		{
			name: "input from later stage",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[1].Actions[0].InputArtifacts = []string{"DeployOutput"}
			},
			want: ErrUnproducedArtifact,
		},
		{
			name: "artifact produced twice",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[1].Actions[0].OutputArtifacts = []string{"SourceOutput"}
			},
			want: ErrDuplicateArtifact,
		},
		{
			name: "first stage not source",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages = def.Stages[1:]
			},
			want: ErrSourceFirst,
		},
		{
			name: "source outside first stage",
			mutate: func(def *domain.PipelineDefinition) {
				src := def.Stages[0].Actions[0]
				src.Name = "Second"
				src.OutputArtifacts = []string{"Other"}
				def.Stages[2].Actions = append(def.Stages[2].Actions, src)
			},
			want: ErrSourceFirst,
		},
		{
			name: "scheduled without cron",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[0].Actions[0].Source.Trigger = domain.TriggerScheduled
			},
			want: ErrMissingConfig,
		},
		{
			name: "scheduled with broken cron",
			mutate: func(def *domain.PipelineDefinition) {
				def.Stages[0].Actions[0].Source.Trigger = domain.TriggerScheduled
				def.Stages[0].Actions[0].Source.Schedule = "0 25 * * *"
			},
			want: ErrInvalidSchedule,
		},
		{
			name: "two approval gates in stage",
			mutate: func(def *domain.PipelineDefinition) {
				a := def.Stages[2].Actions[0]
				a.Name = "SecondApprover"
				def.Stages[2].Actions = append(def.Stages[2].Actions, a)
			},
			want: ErrMultipleGates,
		},
		{
			name: "unknown concurrency",
			mutate: func(def *domain.PipelineDefinition) {
				def.Concurrency = "PARALLEL"
			},
			want: ErrMissingConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := releasePipeline()
			tt.mutate(def)

			err := Validate(def)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, domain.ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestSnapshot_DeepCopy(t *testing.T) {
	def := releasePipeline()
	def.Stages[1].Actions[0].Build.Environment = map[string]string{"NODE_ENV": "production"}

	snap := Snapshot(def)

	def.Stages[0].Name = "Changed"
	def.Stages[1].Actions[0].Build.Image = "other"
	def.Stages[1].Actions[0].Build.Environment["NODE_ENV"] = "dev"
	def.Stages[1].Actions[0].InputArtifacts[0] = "Other"

	if snap.Stages[0].Name != "Source" {
		t.Error("stage name leaked into snapshot")
	}
	if snap.Stages[1].Actions[0].Build.Image != "aws/codebuild/standard:7.0" {
		t.Error("build image leaked into snapshot")
	}
	if snap.Stages[1].Actions[0].Build.Environment["NODE_ENV"] != "production" {
		t.Error("environment leaked into snapshot")
	}
	if snap.Stages[1].Actions[0].InputArtifacts[0] != "SourceOutput" {
		t.Error("input artifacts leaked into snapshot")
	}
}
