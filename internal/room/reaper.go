package room

import (
	"context"
	"log"
	"time"

	"github.com/pairup/collab/internal/metrics"
)

// StartReaper sweeps the registry every interval and destroys rooms that have
// been empty for at least cooldown. Each sweep also refreshes the document
// size gauge. It blocks until ctx is cancelled.
func StartReaper(ctx context.Context, g *Registry, interval, cooldown time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[reaper] started (interval=%s, cooldown=%s)", interval, cooldown)

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case now := <-ticker.C:
			if ids := g.Reap(now, cooldown); len(ids) > 0 {
				log.Printf("[reaper] destroyed %d idle rooms %v (%d left)", len(ids), ids, g.Len())
			}
			observe(g)
		}
	}
}

// observe sets the document size gauge from a registry snapshot.
func observe(g *Registry) {
	total := 0
	for _, in := range g.Snapshot() {
		total += in.Bytes
	}
	metrics.DocumentBytes.Set(float64(total))
}
