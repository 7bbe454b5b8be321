package artifacts

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

type memObject struct {
	data      []byte
	createdAt time.Time
}

// MemoryStore — хранилище артефактов в памяти (dev, тесты).
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// Put реализует Store.
func (s *MemoryStore) Put(_ context.Context, a domain.Artifact, files map[string][]byte) (domain.Artifact, error) {
	a, err := prepare(a, files, s.now())
	if err != nil {
		return a, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, data := range files {
		s.objects[a.Key(path)] = memObject{data: slices.Clone(data), createdAt: a.CreatedAt}
	}
	return a, nil
}

// Open реализует Store.
func (s *MemoryStore) Open(_ context.Context, a domain.Artifact, path string) ([]byte, error) {
	if err := lookup(a, path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	obj, ok := s.objects[a.Key(path)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, a.Key(path))
	}

	data := slices.Clone(obj.data)
	if err := verify(a, path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Purge реализует Store.
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, obj := range s.objects {
		if obj.createdAt.Before(before) {
			delete(s.objects, key)
			n++
		}
	}
	return n, nil
}

// Len возвращает число объектов.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
