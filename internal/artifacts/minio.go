package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MinioConfig — параметры S3-совместимого хранилища.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate проверяет обязательные поля.
func (c MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

// MinioStore — хранилище артефактов в bucket MinIO/S3.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioStore создаёт клиент MinIO.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket создаёт bucket, если его нет.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put реализует Store.
func (s *MinioStore) Put(ctx context.Context, a domain.Artifact, files map[string][]byte) (domain.Artifact, error) {
	a, err := prepare(a, files, time.Now().UTC())
	if err != nil {
		return a, err
	}

	for _, path := range a.Files {
		data := files[path]
		_, err := s.client.PutObject(ctx, s.bucket, a.Key(path), bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{
				ContentType: contentType(path),
				UserMetadata: map[string]string{
					"execution-id": a.ExecutionID.String(),
					"revision":     a.Revision,
				},
			})
		if err != nil {
			return a, fmt.Errorf("put %s: %w", a.Key(path), err)
		}
	}
	return a, nil
}

// Open реализует Store.
func (s *MinioStore) Open(ctx context.Context, a domain.Artifact, path string) ([]byte, error) {
	if err := lookup(a, path); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, a.Key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", a.Key(path), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, a.Key(path))
		}
		return nil, fmt.Errorf("read %s: %w", a.Key(path), err)
	}

	if err := verify(a, path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Purge реализует Store: удаляет объекты под executions/ старше before.
func (s *MinioStore) Purge(ctx context.Context, before time.Time) (int, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "executions/",
		Recursive: true,
	})

	n := 0
	for obj := range objects {
		if obj.Err != nil {
			return n, fmt.Errorf("list objects: %w", obj.Err)
		}
		if !obj.LastModified.Before(before) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return n, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		n++
	}
	return n, nil
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	case strings.HasSuffix(path, ".tar.gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
