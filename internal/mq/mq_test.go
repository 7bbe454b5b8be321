package mq

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// roundTrip имитирует доставку: конверт проходит через JSON.
func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &out
}

func TestParsePayload_ActionJob(t *testing.T) {
	job := domain.ActionJob{
		ExecutionID: uuid.New(),
		StageIndex:  1,
		StageName:   "Build",
		Action: domain.ActionDefinition{
			Name:  "Image",
			Kind:  domain.ActionKindBuild,
			Build: &domain.BuildAction{Image: "aws/codebuild/standard:7.0", ContainerName: "joe-node"},
		},
		Resources: map[string]string{"ClusterName": "joe-cluster"},
	}

	msg := roundTrip(t, NewMessage(MessageTypeActionReady, job))
	if msg.Type != MessageTypeActionReady {
		t.Fatalf("unexpected type %s", msg.Type)
	}

	got, err := ParsePayload[domain.ActionJob](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.ExecutionID != job.ExecutionID || got.Action.Build.ContainerName != "joe-node" {
		t.Errorf("payload mismatch: %+v", got)
	}
	if got.Resources["ClusterName"] != "joe-cluster" {
		t.Errorf("resources lost: %v", got.Resources)
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	msg := &Message{Type: MessageTypeActionCompleted, Payload: "not an object"}

	_, err := ParsePayload[domain.ActionResult](msg)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
}

func TestControlQueue(t *testing.T) {
	if got := ControlQueue("worker-1"); got != "control.worker-1" {
		t.Errorf("unexpected control queue %q", got)
	}
}
