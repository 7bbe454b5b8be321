package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/artifacts"
	"github.com/shaiso/Conveyor/internal/build"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/deploy"
	"github.com/shaiso/Conveyor/internal/source"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// ExecutorsFromConfig собирает зависимости executors по конфигурации процесса.
//
// 1. Хранилище артефактов (minio | memory)
// 2. Токены репозиториев (SOURCE_TOKEN | Secrets Manager | анонимно)
// 3. Build runner (docker | local)
// 4. Кластер deploy (ecs | memory)
func ExecutorsFromConfig(ctx context.Context, cfg config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (Executors, error) {
	region := config.String("AWS_REGION", "")

	// 1. Артефакты
	var store artifacts.Store
	switch cfg.ArtifactStore {
	case config.BackendMinio:
		ms, err := artifacts.NewMinioStore(artifacts.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    region,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return Executors{}, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return Executors{}, err
		}
		store = ms
	default:
		logger.Warn("using in-memory artifact store")
		store = artifacts.NewMemoryStore()
	}

	// 2. Токены
	var tokens source.TokenProvider
	switch {
	case cfg.SourceToken != "":
		tokens = source.StaticToken(cfg.SourceToken)
	case region != "":
		p, err := source.NewSecretsTokenProvider(ctx, region)
		if err != nil {
			return Executors{}, err
		}
		tokens = p
	default:
		logger.Warn("no source token configured, cloning anonymously")
	}
	fetcher := source.NewGitFetcher(source.GitConfig{
		BaseURL:            config.String("SOURCE_BASE_URL", ""),
		Tokens:             tokens,
		DefaultTokenSecret: cfg.SourceTokenSecret,
		Logger:             logger,
	})

	// 3. Build
	var runner build.Runner
	switch cfg.BuildRunner {
	case config.BackendLocal:
		runner = &build.LocalRunner{}
	default:
		runner = &build.DockerRunner{Logger: logger}
	}
	builder := build.New(build.Config{
		Runner:  runner,
		Store:   store,
		WorkDir: cfg.BuildWorkDir,
		Logger:  logger,
	})

	// 4. Deploy
	var cluster deploy.Cluster
	switch cfg.DeployBackend {
	case config.BackendECS:
		ecs, err := deploy.NewECSCluster(ctx, region)
		if err != nil {
			return Executors{}, fmt.Errorf("ecs cluster: %w", err)
		}
		cluster = ecs
	default:
		logger.Warn("using in-memory deploy cluster")
		cluster = deploy.NewMemoryCluster()
	}
	deployer := deploy.New(deploy.Config{
		Cluster:            cluster,
		HealthCheckTimeout: cfg.HealthCheckTimeout,
		PollInterval:       cfg.HealthCheckInterval,
		Metrics:            metrics,
		Logger:             logger,
	})

	return Executors{
		Fetcher:  fetcher,
		Store:    store,
		Builder:  builder,
		Deployer: deployer,
	}, nil
}
