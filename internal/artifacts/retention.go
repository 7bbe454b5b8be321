package artifacts

import (
	"context"
	"log/slog"
	"time"
)

const defaultRetentionInterval = time.Hour

// Retention удаляет артефакты старше MaxAge.
type Retention struct {
	Store  Store
	MaxAge time.Duration

	// Interval — период очистки в Run (default: 1h).
	Interval time.Duration

	Logger *slog.Logger
}

// PurgeOnce удаляет объекты, созданные раньше now - MaxAge.
// MaxAge <= 0 отключает очистку.
func (r *Retention) PurgeOnce(ctx context.Context, now time.Time) (int, error) {
	if r.MaxAge <= 0 {
		return 0, nil
	}
	return r.Store.Purge(ctx, now.Add(-r.MaxAge))
}

// Run выполняет PurgeOnce каждые Interval до отмены ctx.
func (r *Retention) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.PurgeOnce(ctx, time.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("artifact purge failed", "error", err)
		case n > 0:
			logger.Info("artifacts purged", "objects", n, "max_age", r.MaxAge)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
