package build

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/domain"
)

const releaseSpec = `
version: 0.2
env:
  variables:
    NODE_ENV: production
    IMAGE_TAG: overridden
phases:
  pre_build:
    commands:
      - echo "pre $COMMIT_HASH"
  build:
    commands:
      - test -f Dockerfile
      - echo "build $ECR_REPO_URI:$IMAGE_TAG"
  post_build:
    commands:
      - echo "done $NODE_ENV"
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(releaseSpec))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	cmds := spec.Commands()
	if len(cmds) != 4 || cmds[0] != `echo "pre $COMMIT_HASH"` || cmds[3] != `echo "done $NODE_ENV"` {
		t.Errorf("unexpected commands %v", cmds)
	}
	if !strings.HasSuffix(spec.Script(), "\n") {
		t.Error("script should end with newline")
	}
}

func TestParseSpec_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "version: [unterminated"},
		{"no version", "phases:\n  build:\n    commands: [make]\n"},
		{"no commands", "version: 0.2\nphases: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSpec([]byte(tt.data)); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestImageReference(t *testing.T) {
	tests := []struct {
		name         string
		registryURI  string
		tag          string
		wantImage    string
		wantRegistry string
		wantErr      bool
	}{
		{
			name:         "ecr repository",
			registryURI:  "123456789012.dkr.ecr.eu-west-1.amazonaws.com/joe-node",
			tag:          "a1b2c3d",
			wantImage:    "123456789012.dkr.ecr.eu-west-1.amazonaws.com/joe-node:a1b2c3d",
			wantRegistry: "123456789012.dkr.ecr.eu-west-1.amazonaws.com",
		},
		{
			name:         "docker hub short name",
			registryURI:  "joe-node",
			tag:          "latest",
			wantImage:    "joe-node:latest",
			wantRegistry: "docker.io",
		},
		{name: "uppercase", registryURI: "Registry/JOE", tag: "x", wantErr: true},
		{name: "tagged", registryURI: "registry.local/joe:1", tag: "x", wantErr: true},
		{name: "empty", registryURI: "", tag: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, registry, err := ImageReference(tt.registryURI, tt.tag)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", image)
				}
				return
			}
			if err != nil {
				t.Fatalf("ImageReference() err=%v", err)
			}
			if image != tt.wantImage || registry != tt.wantRegistry {
				t.Errorf("got %s %s, want %s %s", image, registry, tt.wantImage, tt.wantRegistry)
			}
		})
	}
}

func TestEnvironment_Precedence(t *testing.T) {
	spec, _ := ParseSpec([]byte(releaseSpec))
	act := &domain.BuildAction{
		RegistryURI: "registry.local/joe-node",
		Environment: map[string]string{"NODE_ENV": "staging"},
	}
	env := Environment(spec, act, Request{
		Revision:  "a1b2c3d4e5f6",
		Resources: map[string]string{"ClusterName": "joe-cluster"},
	}, "registry.local", "a1b2c3d")

	want := map[string]string{
		"NODE_ENV":                "staging",
		"IMAGE_TAG":               "a1b2c3d",
		"COMMIT_HASH":             "a1b2c3d",
		"ECR_REPO_URI":            "registry.local/joe-node",
		"REGISTRY_URI":            "registry.local",
		"CLUSTER_NAME":            "joe-cluster",
		"RESOLVED_SOURCE_VERSION": "a1b2c3d4e5f6",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestLocalRunner(t *testing.T) {
	r := &LocalRunner{}
	ctx := context.Background()

	res, err := r.Run(ctx, Job{Script: "echo $GREETING\n", Dir: t.TempDir(), Env: map[string]string{"GREETING": "hi"}})
	if err != nil || strings.TrimSpace(res.Output) != "hi" {
		t.Errorf("Run() = %q, %v", res.Output, err)
	}

	res, err = r.Run(ctx, Job{Script: "echo first\nexit 3\necho never\n", Dir: t.TempDir()})
	var buildErr *domain.BuildError
	if !errors.As(err, &buildErr) || buildErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("expected BuildError exit 3, got %v (%d)", err, res.ExitCode)
	}
	if strings.Contains(res.Output, "never") {
		t.Error("commands after failure must not run")
	}

	_, err = r.Run(ctx, Job{Script: "sleep 5\n", Dir: t.TempDir(), Timeout: 100 * time.Millisecond})
	if !errors.As(err, &buildErr) || buildErr.ExitCode != -1 {
		t.Errorf("expected timeout BuildError, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.Run(cancelled, Job{Script: "true\n", Dir: t.TempDir()}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if b.String() != "defg" {
		t.Errorf("tail = %q", b.String())
	}
}

// putSource записывает source артефакт с заданными файлами.
func putSource(t *testing.T, store artifacts.Store, execID uuid.UUID, files map[string][]byte) domain.Artifact {
	t.Helper()
	archive, err := artifacts.Pack(files, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	a, err := store.Put(context.Background(), domain.Artifact{ExecutionID: execID, Name: "SourceOutput"},
		map[string][]byte{artifacts.SourceArchive: archive})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func buildAction(spec string) domain.ActionDefinition {
	return domain.ActionDefinition{
		Name:            "Image",
		Kind:            domain.ActionKindBuild,
		InputArtifacts:  []string{"SourceOutput"},
		OutputArtifacts: []string{"BuildOutput"},
		Build: &domain.BuildAction{
			Image:         "aws/codebuild/standard:7.0",
			ContainerName: "joe-node",
			RegistryURI:   "123456789012.dkr.ecr.eu-west-1.amazonaws.com/joe-node",
			BuildSpec:     spec,
		},
	}
}

func TestBuilder_Build(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	execID := uuid.New()
	src := putSource(t, store, execID, map[string][]byte{"Dockerfile": []byte("FROM node:20\n")})

	b := New(Config{Runner: &LocalRunner{}, Store: store, WorkDir: t.TempDir()})
	out, err := b.Build(ctx, Request{ExecutionID: execID, Action: buildAction(releaseSpec), Source: src, Revision: "a1b2c3d4e5f6"})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}

	wantImage := "123456789012.dkr.ecr.eu-west-1.amazonaws.com/joe-node:a1b2c3d"
	if out.ImageURI != wantImage {
		t.Errorf("ImageURI = %s", out.ImageURI)
	}
	if !strings.Contains(out.Result.Output, "build "+wantImage) {
		t.Errorf("build output %q does not reference the image", out.Result.Output)
	}
	if len(out.Artifact.Files) != 1 || out.Artifact.Files[0] != domain.DefaultImageFile {
		t.Errorf("artifact must contain only the descriptor, got %v", out.Artifact.Files)
	}

	images, err := artifacts.ReadImageDefinitions(ctx, store, out.Artifact, domain.DefaultImageFile)
	if err != nil {
		t.Fatalf("ReadImageDefinitions() err=%v", err)
	}
	if len(images) != 1 || images[0].Name != "joe-node" || images[0].ImageURI != wantImage {
		t.Errorf("unexpected descriptor %+v", images)
	}
}

func TestBuilder_NoRevisionUsesLatest(t *testing.T) {
	store := artifacts.NewMemoryStore()
	execID := uuid.New()
	src := putSource(t, store, execID, map[string][]byte{"Dockerfile": nil})

	b := New(Config{Runner: &LocalRunner{}, Store: store, WorkDir: t.TempDir()})
	out, err := b.Build(context.Background(), Request{ExecutionID: execID, Action: buildAction(releaseSpec), Source: src})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	if !strings.HasSuffix(out.ImageURI, ":latest") {
		t.Errorf("ImageURI = %s, want :latest tag", out.ImageURI)
	}
}

func TestBuilder_Failures(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	execID := uuid.New()
	src := putSource(t, store, execID, map[string][]byte{"buildspec.yml": []byte("version: 0.2\nphases:\n  build:\n    commands: [\"exit 2\"]\n")})
	noArchive, _ := store.Put(ctx, domain.Artifact{ExecutionID: execID, Name: "SourceOutput"},
		map[string][]byte{"README": []byte("x")})

	b := New(Config{Runner: &LocalRunner{}, Store: store, WorkDir: t.TempDir()})

	tests := []struct {
		name   string
		action domain.ActionDefinition
		source domain.Artifact
		reason domain.FailureReason
	}{
		{"nonzero exit from buildspec file", buildAction(""), src, domain.ReasonBuildFailed},
		{"invalid inline buildspec", buildAction("phases: {}"), src, domain.ReasonBuildFailed},
		{"source without archive", buildAction(releaseSpec), noArchive, domain.ReasonMalformedArtifact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(ctx, Request{ExecutionID: execID, Action: tt.action, Source: tt.source})
			if got := domain.ReasonFromError(err); got != tt.reason {
				t.Errorf("reason = %s, want %s (err=%v)", got, tt.reason, err)
			}
		})
	}

	_, err := b.Build(ctx, Request{ExecutionID: execID, Action: buildAction(""), Source: src})
	var buildErr *domain.BuildError
	if !errors.As(err, &buildErr) || buildErr.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %v", err)
	}
}
