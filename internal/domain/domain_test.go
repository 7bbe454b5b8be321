package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDeriveImageTag(t *testing.T) {
	tests := []struct {
		revision string
		want     string
	}{
		{"a1b2c3d4e5f6", "a1b2c3d"},
		{"deadbee0000", "deadbee"},
		{"", "latest"},
		{"abc", "abc"},
		{"1234567", "1234567"},
	}

	for _, tt := range tests {
		if got := DeriveImageTag(tt.revision); got != tt.want {
			t.Errorf("DeriveImageTag(%q) = %q, want %q", tt.revision, got, tt.want)
		}
	}
}

func TestTaskDefinition_WithImages(t *testing.T) {
	td := TaskDefinition{
		Family:   "api",
		Revision: 3,
		Containers: []ContainerDefinition{
			{Name: "app", Image: "registry/app:old"},
			{Name: "sidecar", Image: "envoy:1"},
		},
	}

	next, changed, err := td.WithImages([]ImageDefinition{{Name: "app", ImageURI: "registry/app:deadbee"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected changed = true")
	}
	if next.Containers[0].Image != "registry/app:deadbee" {
		t.Errorf("expected new image, got %s", next.Containers[0].Image)
	}
	if next.Containers[1].Image != "envoy:1" {
		t.Errorf("sidecar image should be unchanged, got %s", next.Containers[1].Image)
	}
	if td.Containers[0].Image != "registry/app:old" {
		t.Error("source revision must not be mutated")
	}
	if next.Parent == nil || *next.Parent != td.Ref() {
		t.Errorf("expected parent %s, got %v", td.Ref(), next.Parent)
	}
}

func TestTaskDefinition_WithImages_Unchanged(t *testing.T) {
	td := TaskDefinition{
		Family:     "api",
		Revision:   3,
		Containers: []ContainerDefinition{{Name: "app", Image: "registry/app:deadbee"}},
	}

	_, changed, err := td.WithImages([]ImageDefinition{{Name: "app", ImageURI: "registry/app:deadbee"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected changed = false for the same image")
	}
}

func TestTaskDefinition_WithImages_UnknownContainer(t *testing.T) {
	td := TaskDefinition{
		Family:     "api",
		Revision:   1,
		Containers: []ContainerDefinition{{Name: "app", Image: "x"}},
	}

	_, _, err := td.WithImages([]ImageDefinition{{Name: "worker", ImageURI: "registry/worker:1"}})
	if !errors.Is(err, ErrMalformedArtifact) {
		t.Errorf("expected ErrMalformedArtifact, got %v", err)
	}

	_, _, err = td.WithImages(nil)
	if !errors.Is(err, ErrMalformedArtifact) {
		t.Errorf("expected ErrMalformedArtifact for empty descriptor, got %v", err)
	}
}

func TestParseTaskDefinitionRef(t *testing.T) {
	tests := []struct {
		in      string
		want    TaskDefinitionRef
		wantErr bool
	}{
		{"api:3", TaskDefinitionRef{Family: "api", Revision: 3}, false},
		{"arn:aws:ecs:eu-west-1:123456789012:task-definition/api:12", TaskDefinitionRef{Family: "api", Revision: 12}, false},
		{"api", TaskDefinitionRef{}, true},
		{"api:x", TaskDefinitionRef{}, true},
	}

	for _, tt := range tests {
		got, err := ParseTaskDefinitionRef(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTaskDefinitionRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTaskDefinitionRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func testDefinition() PipelineDefinition {
	return PipelineDefinition{
		Name:    "api-release",
		Version: 1,
		Stages: []StageDefinition{
			{Name: "Source", Actions: []ActionDefinition{{Name: "checkout", Kind: ActionKindSource}}},
			{Name: "Build", Actions: []ActionDefinition{{Name: "image", Kind: ActionKindBuild}}},
		},
	}
}

func TestExecution_StateMachine(t *testing.T) {
	now := time.Now()
	exec := NewExecution(testDefinition(), Trigger{Source: TriggerManual}, now)

	if got := exec.State(); got.Phase != PhaseQueued {
		t.Fatalf("expected Queued, got %s", got)
	}

	exec.EnterStage(0, now)
	if got := exec.State().String(); got != "Running(0)" {
		t.Errorf("expected Running(0), got %s", got)
	}
	if exec.Stages[0].Actions[0].Status != StageStatusInProgress {
		t.Error("actions of entered stage should be IN_PROGRESS")
	}

	exec.Stages[0].Actions[0].Status = StageStatusSucceeded
	exec.CompleteStage(now)
	exec.EnterStage(1, now)

	exec.MarkFailed(ReasonBuildFailed, "exit code 2", now)
	if got := exec.State().String(); got != "Failed(1, BUILD_FAILED)" {
		t.Errorf("expected Failed(1, BUILD_FAILED), got %s", got)
	}
	if exec.Stages[1].Status != StageStatusFailed {
		t.Errorf("expected stage FAILED, got %s", exec.Stages[1].Status)
	}
	if exec.Stages[1].Actions[0].Status != StageStatusCancelled {
		t.Errorf("unfinished action should be CANCELLED, got %s", exec.Stages[1].Actions[0].Status)
	}
}

func TestExecution_MarkFailed_Cancelled(t *testing.T) {
	now := time.Now()
	exec := NewExecution(testDefinition(), Trigger{}, now)
	exec.EnterStage(0, now)

	exec.MarkFailed(ReasonCancelled, "cancelled by alice", now)

	if exec.Stages[0].Status != StageStatusCancelled {
		t.Errorf("expected stage CANCELLED, got %s", exec.Stages[0].Status)
	}
	if !exec.IsFinished() {
		t.Error("cancelled execution should be finished")
	}
}

func TestReasonFromError(t *testing.T) {
	tests := []struct {
		err  error
		want FailureReason
	}{
		{nil, ""},
		{fmt.Errorf("%w: no such ref", ErrSourceUnavailable), ReasonSourceUnavailable},
		{&BuildError{ExitCode: 2}, ReasonBuildFailed},
		{fmt.Errorf("deploy: %w", ErrDeployFailed), ReasonDeployFailed},
		{fmt.Errorf("%w: bad", ErrMalformedArtifact), ReasonMalformedArtifact},
		{context.Canceled, ReasonCancelled},
		{errors.New("boom"), ReasonActionFailed},
	}

	for _, tt := range tests {
		if got := ReasonFromError(tt.err); got != tt.want {
			t.Errorf("ReasonFromError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestActionJob_ResultFromError(t *testing.T) {
	job := &ActionJob{StageIndex: 1, StageName: "Build", Action: ActionDefinition{Name: "image"}}

	res := job.ResultFromError(&BuildError{ExitCode: 3})
	if res.Status != StageStatusFailed {
		t.Errorf("expected FAILED, got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", res.ExitCode)
	}

	res = job.ResultFromError(context.Canceled)
	if res.Status != StageStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", res.Status)
	}

	res = job.ResultFromError(nil)
	if res.Status != StageStatusSucceeded || res.ActionName != "image" {
		t.Errorf("unexpected success result: %+v", res)
	}
}

func TestApproval_CanDecide(t *testing.T) {
	open := &Approval{}
	if !open.CanDecide("alice") {
		t.Error("any authenticated actor should decide when approvers are empty")
	}
	if open.CanDecide("") {
		t.Error("anonymous actor must not decide")
	}

	restricted := &Approval{Approvers: []string{"bob"}}
	if restricted.CanDecide("alice") {
		t.Error("alice is not an approver")
	}
	if !restricted.CanDecide("bob") {
		t.Error("bob is an approver")
	}
}
