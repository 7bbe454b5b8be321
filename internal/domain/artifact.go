package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact — именованный набор файлов, записанный одной стадией и прочитанный следующей.
//
// Artifact не изменяется после создания: следующий execution пишет
// новый artifact с тем же Name по другому ключу.
type Artifact struct {
	// ID — уникальный идентификатор artifact.
	ID uuid.UUID `json:"id"`

	// ExecutionID — execution-владелец.
	ExecutionID uuid.UUID `json:"execution_id"`

	// Name — имя artifact из определения (например, "SourceOutput").
	Name string `json:"name"`

	// Revision — ревизия источника, из которой получен artifact.
	Revision string `json:"revision,omitempty"`

	// Prefix — ключ-префикс в хранилище: executions/{execution_id}/{name}/{id}/.
	Prefix string `json:"prefix"`

	// Files — относительные пути файлов внутри artifact.
	Files []string `json:"files"`

	// Digests — sha256 digest содержимого каждого файла (path → digest).
	Digests map[string]string `json:"digests,omitempty"`

	// Metadata — произвольные метаданные (revision, branch, repository, ...).
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactPrefix формирует префикс ключей artifact.
func ArtifactPrefix(executionID uuid.UUID, name string, id uuid.UUID) string {
	return fmt.Sprintf("executions/%s/%s/%s/", executionID, name, id)
}

// Key возвращает ключ файла artifact в хранилище.
func (a *Artifact) Key(path string) string {
	return a.Prefix + path
}

// HasFile проверяет, что artifact содержит файл.
func (a *Artifact) HasFile(path string) bool {
	for _, f := range a.Files {
		if f == path {
			return true
		}
	}
	return false
}

// ImageDefinition — запись image descriptor: контейнер → образ.
//
// Формат файла: [{"name":"app","imageUri":"registry/app:deadbee"}]
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// LatestTag — тег образа, если ревизия неизвестна.
const LatestTag = "latest"

// DeriveImageTag вычисляет тег образа по ревизии источника:
// первые 7 символов, или "latest" если ревизии нет.
func DeriveImageTag(revision string) string {
	if revision == "" {
		return LatestTag
	}
	if len(revision) > 7 {
		return revision[:7]
	}
	return revision
}
