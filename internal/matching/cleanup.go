package matching

import (
	"context"
	"log"
	"time"

	"github.com/pairup/collab/internal/metrics"
)

// StartCleanup periodically removes ghost queue entries left behind by a
// crashed process (their active search expired or was replaced) and
// publishes the total queue size. It blocks until ctx is cancelled.
func StartCleanup(ctx context.Context, store QueueStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			sweepOnce(ctx, store)
		}
	}
}

func sweepOnce(ctx context.Context, store QueueStore) {
	removed, waiting, err := store.Sweep(ctx)
	if err != nil {
		log.Printf("[matcher] cleanup: sweep failed: %v", err)
		return
	}

	metrics.MatchQueueSize.Set(float64(waiting))
	if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
}
