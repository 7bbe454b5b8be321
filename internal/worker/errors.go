package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownActionKind — нет executor'а для вида action.
	ErrUnknownActionKind = errors.New("unknown action kind")

	// ErrMissingConfig — action не содержит параметров своего вида.
	ErrMissingConfig = errors.New("action config missing")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)
