package auction

import (
	"context"
	"testing"
	"time"

	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTicker_TickOpensListings(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(eventTime.Add(-25 * time.Hour))
	store := NewMemoryStore()

	reg := NewRegistry()
	listings, err := DefaultListings("evt", "Finals", eventTime)
	require.NoError(t, err)
	for _, l := range listings {
		e, err := NewEngine(ctx, l, store, clk)
		require.NoError(t, err)
		require.NoError(t, reg.Add(e))
	}

	ticker := NewTicker(reg, observability.NewLoggerWithLevel("panic"))
	assert.Equal(t, 0, ticker.Tick(ctx))

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 15, ticker.Tick(ctx))
	assert.Equal(t, 0, ticker.Tick(ctx))

	e, err := reg.Get("evt-high")
	require.NoError(t, err)
	tk, err := store.Get(ctx, e.ListingID(), "5")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketBidding, tk.State)
	assert.Equal(t, 30.0, tk.Price)
}

func TestTicker_RunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewTicker(reg, observability.NewLoggerWithLevel("panic")).Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
