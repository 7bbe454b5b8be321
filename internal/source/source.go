// Package source материализует ревизию репозитория для Source стадии.
//
// Fetcher получает файлы ревизии и разрешённый commit hash,
// любая ошибка получения отображается в domain.ErrSourceUnavailable.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Request — что нужно получить.
type Request struct {
	Owner      string
	Repository string
	Branch     string

	// Revision — commit (полный или сокращённый hash). Пусто = голова ветки.
	Revision string

	// TokenSecret — имя секрета с OAuth токеном. Пусто = default провайдера.
	TokenSecret string
}

// Snapshot — содержимое ревизии.
type Snapshot struct {
	// Revision — разрешённый полный commit hash.
	Revision string

	Branch  string
	Message string
	Author  string

	// Files — относительный путь → содержимое.
	Files map[string][]byte
}

// Fetcher получает ревизию репозитория.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Snapshot, error)
}

// MemoryFetcher — Fetcher над заранее заданными снимками (dev, тесты).
//
// Ключ — "owner/repository". Запрошенная ревизия должна совпадать
// с Snapshot.Revision (или быть его префиксом).
type MemoryFetcher struct {
	mu    sync.RWMutex
	repos map[string]Snapshot
}

// NewMemoryFetcher создаёт пустой MemoryFetcher.
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{repos: make(map[string]Snapshot)}
}

// Set задаёт голову репозитория.
func (f *MemoryFetcher) Set(owner, repository string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[owner+"/"+repository] = snap
}

// Fetch реализует Fetcher.
func (f *MemoryFetcher) Fetch(ctx context.Context, req Request) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	f.mu.RLock()
	snap, ok := f.repos[req.Owner+"/"+req.Repository]
	f.mu.RUnlock()

	if !ok {
		return Snapshot{}, fmt.Errorf("%w: repository %s/%s not found", domain.ErrSourceUnavailable, req.Owner, req.Repository)
	}
	if snap.Branch != "" && req.Branch != "" && snap.Branch != req.Branch {
		return Snapshot{}, fmt.Errorf("%w: branch %s not found", domain.ErrSourceUnavailable, req.Branch)
	}
	if req.Revision != "" && !hasPrefix(snap.Revision, req.Revision) {
		return Snapshot{}, fmt.Errorf("%w: revision %s not found", domain.ErrSourceUnavailable, req.Revision)
	}
	return snap, nil
}

func hasPrefix(full, short string) bool {
	return len(short) <= len(full) && full[:len(short)] == short
}
