package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/build"
	"github.com/shaiso/Conveyor/internal/deploy"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/source"
)

// SourceExecutor получает ревизию репозитория и пишет её архивом в Source артефакт.
type SourceExecutor struct {
	Fetcher source.Fetcher
	Store   artifacts.Store
}

// Execute реализует Executor.
func (e *SourceExecutor) Execute(ctx context.Context, job domain.ActionJob) (*Result, error) {
	act := job.Action.Source
	if act == nil {
		return nil, fmt.Errorf("%w: %s has no source config", ErrMissingConfig, job.Action.Name)
	}

	branch := act.Branch
	if job.Trigger.Branch != "" {
		branch = job.Trigger.Branch
	}

	snap, err := e.Fetcher.Fetch(ctx, source.Request{
		Owner:       act.Owner,
		Repository:  act.Repository,
		Branch:      branch,
		Revision:    job.Trigger.Revision,
		TokenSecret: act.TokenSecret,
	})
	if err != nil {
		return nil, err
	}

	archive, err := artifacts.Pack(snap.Files, time.Now())
	if err != nil {
		return nil, fmt.Errorf("pack source: %w", err)
	}

	metadata := map[string]string{
		"revision":   snap.Revision,
		"branch":     branch,
		"repository": act.Repository,
		"owner":      act.Owner,
	}

	var out []domain.Artifact
	for _, name := range job.Action.OutputArtifacts {
		a, err := e.Store.Put(ctx, domain.Artifact{
			ExecutionID: job.ExecutionID,
			Name:        name,
			Revision:    snap.Revision,
			Metadata:    metadata,
		}, map[string][]byte{artifacts.SourceArchive: archive})
		if err != nil {
			return nil, fmt.Errorf("store source artifact: %w", err)
		}
		out = append(out, a)
	}

	return &Result{
		Artifacts: out,
		Outputs:   map[string]string{"revision": snap.Revision, "branch": branch},
	}, nil
}

// BuildExecutor выполняет Build action через build.Builder.
type BuildExecutor struct {
	Builder *build.Builder
}

// Execute реализует Executor.
func (e *BuildExecutor) Execute(ctx context.Context, job domain.ActionJob) (*Result, error) {
	if job.Action.Build == nil {
		return nil, fmt.Errorf("%w: %s has no build config", ErrMissingConfig, job.Action.Name)
	}

	src, err := input(job, 0)
	if err != nil {
		return nil, err
	}

	revision := src.Revision
	if revision == "" {
		revision = job.Trigger.Revision
	}

	out, err := e.Builder.Build(ctx, build.Request{
		ExecutionID: job.ExecutionID,
		Action:      job.Action,
		Source:      src,
		Revision:    revision,
		Resources:   job.Resources,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Artifacts: []domain.Artifact{out.Artifact},
		Outputs: map[string]string{
			"image_uri": out.ImageURI,
			"exit_code": strconv.Itoa(out.Result.ExitCode),
		},
	}, nil
}

// DeployExecutor читает image descriptor и обновляет сервис через deploy.Deployer.
type DeployExecutor struct {
	Deployer *deploy.Deployer
	Store    artifacts.Store
}

// Execute реализует Executor.
func (e *DeployExecutor) Execute(ctx context.Context, job domain.ActionJob) (*Result, error) {
	act := job.Action.Deploy
	if act == nil {
		return nil, fmt.Errorf("%w: %s has no deploy config", ErrMissingConfig, job.Action.Name)
	}

	built, err := input(job, 0)
	if err != nil {
		return nil, err
	}

	images, err := artifacts.ReadImageDefinitions(ctx, e.Store, built, act.ImageFileOrDefault())
	if err != nil {
		return nil, err
	}

	res, err := e.Deployer.Deploy(ctx, deploy.Request{
		ServiceID:          act.ServiceID,
		Images:             images,
		HealthCheckTimeout: time.Duration(act.HealthCheckTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Outputs: map[string]string{
			"service_id": res.ServiceID,
			"previous":   res.Previous.String(),
			"current":    res.Current.String(),
			"changed":    strconv.FormatBool(res.Changed),
		},
	}, nil
}

// Executors — зависимости executors по умолчанию.
type Executors struct {
	Fetcher  source.Fetcher
	Store    artifacts.Store
	Builder  *build.Builder
	Deployer *deploy.Deployer
}

// NewDefaultRegistry регистрирует Source, Build и Deploy executors.
// Executor без зависимостей не регистрируется.
func NewDefaultRegistry(deps Executors) *Registry {
	r := NewRegistry()
	if deps.Fetcher != nil && deps.Store != nil {
		r.Register(domain.ActionKindSource, &SourceExecutor{Fetcher: deps.Fetcher, Store: deps.Store})
	}
	if deps.Builder != nil {
		r.Register(domain.ActionKindBuild, &BuildExecutor{Builder: deps.Builder})
	}
	if deps.Deployer != nil && deps.Store != nil {
		r.Register(domain.ActionKindDeploy, &DeployExecutor{Deployer: deps.Deployer, Store: deps.Store})
	}
	return r
}
