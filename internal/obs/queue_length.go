// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples each stage's Redis list length on an
// interval and updates the QueueLength gauge.
func StartQueueLengthUpdater(ctx context.Context, rdb *redis.Client, queueKeys map[string]string, interval time.Duration, log *zap.Logger) {
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
				for stage, key := range queueKeys {
					n, err := rdb.LLen(ctx, key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("stage", stage), Err(err))
						continue
					}
					QueueLength.WithLabelValues(stage).Set(float64(n))
				}
			}
		}
	}()
}
