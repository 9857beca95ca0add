package results

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes finished requests older than the retention period.
type Pruner struct {
	store     *Store
	retention time.Duration
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(store *Store, retention time.Duration) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		log:       slog.Default().With("component", "result-pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at 10% of retention, between 1s and 1h
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune removes expired results once.
func (p *Pruner) Prune() int {
	n := p.store.Prune(p.store.now().Add(-p.retention))
	if n > 0 {
		p.log.Debug("Pruned finished requests", "count", n)
	}
	return n
}
