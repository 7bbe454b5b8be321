// Package artifacts хранит артефакты стадий pipeline.
//
// Артефакт адресуется путём executions/{execution_id}/{name}/{artifact_id}/{path}:
// повторный запуск action и следующий execution пишут артефакт с тем же
// именем по новому ключу, записанные файлы не перезаписываются. Для каждого
// файла сохраняется sha256 digest. Open читает только файлы из Digests
// артефакта и проверяет содержимое по digest.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/shaiso/Conveyor/internal/domain"
)

var (
	// ErrArtifactNotFound — артефакт или файл внутри него не найден.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrDigestMismatch — содержимое файла не совпадает с сохранённым digest.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// Store — хранилище артефактов.
type Store interface {
	// Put записывает файлы артефакта и возвращает его с заполненными
	// Prefix, Files, Digests, CreatedAt.
	Put(ctx context.Context, a domain.Artifact, files map[string][]byte) (domain.Artifact, error)

	// Open читает файл артефакта.
	Open(ctx context.Context, a domain.Artifact, path string) ([]byte, error)

	// Purge удаляет объекты, созданные раньше before. Возвращает число удалённых.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// prepare заполняет служебные поля артефакта перед записью.
func prepare(a domain.Artifact, files map[string][]byte, now time.Time) (domain.Artifact, error) {
	if a.ExecutionID == uuid.Nil || a.Name == "" {
		return a, fmt.Errorf("artifact requires execution id and name")
	}
	if len(files) == 0 {
		return a, fmt.Errorf("artifact %s has no files", a.Name)
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Prefix = domain.ArtifactPrefix(a.ExecutionID, a.Name, a.ID)
	a.Files = slices.Sorted(maps.Keys(files))
	a.Digests = make(map[string]string, len(files))
	for path, data := range files {
		a.Digests[path] = digest.FromBytes(data).String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return a, nil
}

// lookup проверяет, что path принадлежит артефакту.
func lookup(a domain.Artifact, path string) error {
	if a.Prefix == "" {
		return fmt.Errorf("%w: %s has no prefix", ErrArtifactNotFound, a.Name)
	}
	if _, ok := a.Digests[path]; !ok {
		return fmt.Errorf("%w: %s has no %s", ErrArtifactNotFound, a.Name, path)
	}
	return nil
}

// verify проверяет содержимое файла по digest артефакта.
func verify(a domain.Artifact, path string, data []byte) error {
	want, ok := a.Digests[path]
	if !ok {
		return fmt.Errorf("%w: %s has no %s", ErrArtifactNotFound, a.Name, path)
	}
	d, err := digest.Parse(want)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDigestMismatch, path, err)
	}
	v := d.Verifier()
	_, _ = v.Write(data)
	if !v.Verified() {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, a.Key(path))
	}
	return nil
}

// ReadImageDefinitions читает image descriptor из Build артефакта.
//
// Отсутствующий файл, невалидный JSON или пустой список
// возвращают domain.ErrMalformedArtifact.
func ReadImageDefinitions(ctx context.Context, store Store, a domain.Artifact, path string) ([]domain.ImageDefinition, error) {
	if !a.HasFile(path) {
		return nil, fmt.Errorf("%w: %s has no %s", domain.ErrMalformedArtifact, a.Name, path)
	}

	data, err := store.Open(ctx, a, path)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) || errors.Is(err, ErrDigestMismatch) {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedArtifact, err)
		}
		return nil, err
	}

	var images []domain.ImageDefinition
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedArtifact, path, err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrMalformedArtifact, path)
	}
	for _, img := range images {
		if img.Name == "" || img.ImageURI == "" {
			return nil, fmt.Errorf("%w: %s: entry with empty name or imageUri", domain.ErrMalformedArtifact, path)
		}
	}
	return images, nil
}

// EncodeImageDefinitions сериализует image descriptor.
func EncodeImageDefinitions(images []domain.ImageDefinition) ([]byte, error) {
	return json.Marshal(images)
}
