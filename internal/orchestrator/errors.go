package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNoDispatcher — Dispatcher не задан.
	ErrNoDispatcher = errors.New("no dispatcher configured")

	// ErrMissingInput — входной артефакт action ещё не создан.
	ErrMissingInput = errors.New("input artifact not available")
)
