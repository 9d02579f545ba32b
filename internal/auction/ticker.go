package auction

import (
	"context"
	"time"

	"github.com/robertarktes/ticket-auctions/internal/observability"
)

// Ticker polls every registered listing and opens bidding once its window
// starts. Engines also open tickets lazily, so the interval only affects how
// soon events are emitted for untouched tickets.
type Ticker struct {
	registry *Registry
	logger   observability.Logger
}

func NewTicker(registry *Registry, logger observability.Logger) *Ticker {
	return &Ticker{registry: registry, logger: logger}
}

func (t *Ticker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick refreshes every listing once and returns the number of tickets opened.
func (t *Ticker) Tick(ctx context.Context) int {
	total := 0
	for _, e := range t.registry.All() {
		n, err := e.Refresh(ctx)
		if err != nil {
			t.logger.WithField("listing_id", e.ListingID()).Error("failed to refresh listing: ", err)
			continue
		}
		if n > 0 {
			t.logger.WithField("listing_id", e.ListingID()).WithField("opened", n).Info("auction window opened")
		}
		total += n
	}
	return total
}
