package violations

import (
	"context"
	"log/slog"
	"time"
)

// sweepInterval is how often the retention sweep runs.
const sweepInterval = time.Hour

// Sweeper is implemented by stores that support bulk retention deletes.
type Sweeper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRetentionSweep deletes violations older than the retention period on an
// hourly cadence until ctx is cancelled. Blocks; run in a goroutine.
func RunRetentionSweep(ctx context.Context, store Sweeper, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := slog.Default().With("component", "retention-sweep")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Retention sweep stopped")
			return
		case <-ticker.C:
			removed, err := store.DeleteOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("Retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Retention sweep removed expired violations", "removed", removed)
			}
		}
	}
}
