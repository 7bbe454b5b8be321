package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Переменные окружения, которые сборка получает всегда.
const (
	EnvRegistryURI     = "REGISTRY_URI"
	EnvRepositoryURI   = "ECR_REPO_URI"
	EnvClusterName     = "CLUSTER_NAME"
	EnvSourceVersion   = "RESOLVED_SOURCE_VERSION"
	EnvCommitHash      = "COMMIT_HASH"
	EnvImageTag        = "IMAGE_TAG"
	resourceClusterKey = "ClusterName"
)

// Config — конфигурация Builder.
type Config struct {
	Runner Runner
	Store  artifacts.Store

	// WorkDir — каталог для временных workspace сборок (default: os.TempDir()).
	WorkDir string

	// DefaultTimeout — таймаут, если у action не задан TimeoutSec. 0 = без ограничения.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// Builder выполняет Build action.
type Builder struct {
	runner         Runner
	store          artifacts.Store
	workDir        string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New создаёт Builder.
func New(cfg Config) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Builder{
		runner:         cfg.Runner,
		store:          cfg.Store,
		workDir:        workDir,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger,
	}
}

// Request — вход Build action.
type Request struct {
	ExecutionID uuid.UUID

	// Action — отрендеренное определение (Kind = BUILD).
	Action domain.ActionDefinition

	// Source — входной source артефакт.
	Source domain.Artifact

	// Revision — ревизия источника. Пусто = тег "latest".
	Revision string

	// Resources — идентификаторы из Resource Declaration.
	Resources map[string]string
}

// Output — результат успешной сборки.
type Output struct {
	Artifact domain.Artifact
	ImageURI string
	Result   Result
}

// Build выполняет сборку и записывает image descriptor.
//
// Ошибки: *domain.BuildError (ненулевой код выхода), ErrMalformedArtifact
// (нет source архива), ErrBuildFailed+ErrInvalidSpec (buildspec не читается).
func (b *Builder) Build(ctx context.Context, req Request) (*Output, error) {
	act := req.Action.Build
	if act == nil {
		return nil, fmt.Errorf("action %s has no build config", req.Action.Name)
	}
	if len(req.Action.OutputArtifacts) != 1 {
		return nil, fmt.Errorf("action %s must declare exactly one output artifact", req.Action.Name)
	}

	// 1. Образ, который будет собран
	tag := domain.DeriveImageTag(req.Revision)
	imageURI, registry, err := ImageReference(act.RegistryURI, tag)
	if err != nil {
		return nil, err
	}

	// 2. Workspace с распакованным source
	if !req.Source.HasFile(artifacts.SourceArchive) {
		return nil, fmt.Errorf("%w: %s has no %s", domain.ErrMalformedArtifact, req.Source.Name, artifacts.SourceArchive)
	}
	archive, err := b.store.Open(ctx, req.Source, artifacts.SourceArchive)
	if err != nil {
		if errors.Is(err, artifacts.ErrArtifactNotFound) {
			return nil, fmt.Errorf("%w: %s has no %s", domain.ErrMalformedArtifact, req.Source.Name, artifacts.SourceArchive)
		}
		return nil, err
	}

	dir, err := os.MkdirTemp(b.workDir, "conveyor-build-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := artifacts.ExtractTo(archive, dir); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedArtifact, err)
	}

	// 3. Buildspec
	spec, err := b.loadSpec(act, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBuildFailed, err)
	}

	// 4. Сборка
	job := Job{
		Name:       "conveyor-build-" + uuid.NewString(),
		Image:      act.Image,
		Privileged: act.Privileged,
		Env:        Environment(spec, act, req, registry, tag),
		Script:     spec.Script(),
		Dir:        dir,
		Timeout:    b.timeout(act),
	}

	b.logger.Info("build started",
		"execution_id", req.ExecutionID,
		"action", req.Action.Name,
		"image", act.Image,
		"target", imageURI,
	)

	res, err := b.runner.Run(ctx, job)
	if err != nil {
		b.logger.Warn("build failed",
			"execution_id", req.ExecutionID,
			"action", req.Action.Name,
			"exit_code", res.ExitCode,
			"duration", res.Duration,
			"error", err,
		)
		return nil, err
	}

	// 5. Image descriptor
	descriptor, err := artifacts.EncodeImageDefinitions([]domain.ImageDefinition{
		{Name: act.ContainerName, ImageURI: imageURI},
	})
	if err != nil {
		return nil, err
	}

	artifact, err := b.store.Put(ctx, domain.Artifact{
		ExecutionID: req.ExecutionID,
		Name:        req.Action.OutputArtifacts[0],
		Revision:    req.Revision,
		Metadata: map[string]string{
			"image_uri": imageURI,
			"image_tag": tag,
		},
	}, map[string][]byte{act.ImageFileOrDefault(): descriptor})
	if err != nil {
		return nil, fmt.Errorf("store build artifact: %w", err)
	}

	b.logger.Info("build succeeded",
		"execution_id", req.ExecutionID,
		"action", req.Action.Name,
		"image_uri", imageURI,
		"duration", res.Duration,
	)

	return &Output{Artifact: artifact, ImageURI: imageURI, Result: res}, nil
}

func (b *Builder) loadSpec(act *domain.BuildAction, dir string) (*Spec, error) {
	if act.BuildSpec != "" {
		return ParseSpec([]byte(act.BuildSpec))
	}
	path := act.BuildSpecPath
	if path == "" {
		path = DefaultSpecPath
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidSpec, path, err)
	}
	return ParseSpec(data)
}

func (b *Builder) timeout(act *domain.BuildAction) time.Duration {
	if act.TimeoutSec > 0 {
		return time.Duration(act.TimeoutSec) * time.Second
	}
	return b.defaultTimeout
}

// ImageReference проверяет registry URI и возвращает "repository:tag"
// и хост registry.
func ImageReference(registryURI, tag string) (image, registry string, err error) {
	named, err := reference.ParseNormalizedNamed(registryURI)
	if err != nil {
		return "", "", fmt.Errorf("invalid registry uri %q: %w", registryURI, err)
	}
	if _, ok := named.(reference.Tagged); ok {
		return "", "", fmt.Errorf("registry uri %q must not carry a tag", registryURI)
	}
	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return "", "", fmt.Errorf("invalid image tag %q: %w", tag, err)
	}
	return reference.FamiliarString(tagged), reference.Domain(named), nil
}

// Environment собирает окружение сборки.
//
// Порядок приоритета: env.variables buildspec < Environment action <
// системные переменные.
func Environment(spec *Spec, act *domain.BuildAction, req Request, registry, tag string) map[string]string {
	env := make(map[string]string, len(spec.Env.Variables)+len(act.Environment)+6)
	for k, v := range spec.Env.Variables {
		env[k] = v
	}
	for k, v := range act.Environment {
		env[k] = v
	}

	env[EnvRegistryURI] = registry
	env[EnvRepositoryURI] = act.RegistryURI
	env[EnvSourceVersion] = req.Revision
	env[EnvCommitHash] = tag
	env[EnvImageTag] = tag
	if cluster := req.Resources[resourceClusterKey]; cluster != "" {
		env[EnvClusterName] = cluster
	}
	return env
}
