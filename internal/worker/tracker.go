package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// tracker — action, выполняемые сейчас, по execution.
type tracker struct {
	mu      sync.Mutex
	next    int
	running map[uuid.UUID]map[int]context.CancelFunc
}

func newTracker() *tracker {
	return &tracker{running: make(map[uuid.UUID]map[int]context.CancelFunc)}
}

// track возвращает контекст action, отменяемый Cancel(executionID), и функцию освобождения.
func (t *tracker) track(ctx context.Context, executionID uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.next++
	id := t.next
	jobs, ok := t.running[executionID]
	if !ok {
		jobs = make(map[int]context.CancelFunc)
		t.running[executionID] = jobs
	}
	jobs[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		cancel()
		t.mu.Lock()
		jobs := t.running[executionID]
		delete(jobs, id)
		if len(jobs) == 0 {
			delete(t.running, executionID)
		}
		t.mu.Unlock()
	}
}

// Cancel отменяет все action execution и возвращает их число.
func (t *tracker) Cancel(executionID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := t.running[executionID]
	for _, cancel := range jobs {
		cancel()
	}
	return len(jobs)
}

// Len возвращает число выполняемых action.
func (t *tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, jobs := range t.running {
		n += len(jobs)
	}
	return n
}
