package sync

import (
	"context"
	"log/slog"
	"time"
)

// Watch runs the given pass immediately and then once per interval until
// the context is cancelled. Passes never overlap: the ticker buffers at
// most one pending tick while a slow pass runs, so at most one follow-up
// run is queued. A failed pass is logged and the next tick retries.
func Watch(ctx context.Context, interval time.Duration, logger *slog.Logger, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("sync pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("stopping watch")
			return nil
		case <-ticker.C:
		}
	}
}
