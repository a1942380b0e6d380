package tracker

import (
	"context"
	"log/slog"
	"time"

	"biovote/internal/platform/metrics"
)

// RunSweeper calls s.Sweep every interval until ctx is done. Sweep failures
// are logged and retried on the next tick.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.Sweep(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WarnContext(ctx, "consumed session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.AddSessionsSwept(n)
				logger.DebugContext(ctx, "swept consumed sessions", "count", n)
			}
		}
	}
}
