// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartPendingLengthUpdater samples the pending list length and updates a gauge.
func StartPendingLengthUpdater(ctx context.Context, interval time.Duration, llen func(context.Context) (int64, error), log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := llen(ctx)
				if err != nil {
					log.Debug("pending length poll error", Err(err))
					continue
				}
				PendingLength.Set(float64(n))
			}
		}
	}()
}
