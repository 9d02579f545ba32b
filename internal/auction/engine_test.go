package auction

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventTime = time.Date(2026, 7, 4, 20, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(ctx context.Context, evt domain.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestEngine(t *testing.T, clk clock.Clock, store Store, tickets []domain.Ticket, opts ...Option) *Engine {
	t.Helper()
	listing, err := domain.NewListing("evt-high", "evt", "High", eventTime, tickets)
	require.NoError(t, err)
	e, err := NewEngine(context.Background(), listing, store, clk, opts...)
	require.NoError(t, err)
	return e
}

func TestEngine_ScenarioA_OutsideWindow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-30*time.Hour)), NewMemoryStore(), DefaultTickets(10))

	assert.False(t, e.IsAuctionActive())

	_, err := e.PlaceIncrementalBid(ctx, "1", "u1")
	assert.True(t, errors.Is(err, domain.ErrAuctionNotActive), "got %v", err)

	_, err = e.PlaceCustomBid(ctx, "1", "u1", 50)
	assert.True(t, errors.Is(err, domain.ErrAuctionNotActive), "got %v", err)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, snap.Tickets[0].Price)
	assert.Equal(t, domain.TicketListed, snap.Tickets[0].State)
}

func TestEngine_ScenariosBThroughD(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-2*time.Hour)), NewMemoryStore(), DefaultTickets(10), WithSinks(sink))

	// B
	require.True(t, e.IsAuctionActive())
	tk, err := e.PlaceIncrementalBid(ctx, "1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 11.0, tk.Price)
	assert.Equal(t, "u1", tk.CurrentBidder)
	assert.Equal(t, domain.TicketBidding, tk.State)

	// C
	_, err = e.PlaceCustomBid(ctx, "1", "u2", 11)
	assert.True(t, errors.Is(err, domain.ErrInvalidBid), "got %v", err)
	tk, err = e.PlaceCustomBid(ctx, "1", "u2", 15)
	require.NoError(t, err)
	assert.Equal(t, 15.0, tk.Price)
	assert.Equal(t, "u2", tk.CurrentBidder)

	// D
	require.NoError(t, e.SelectTicket(ctx, "sess-1", "1"))
	_, err = e.AttemptPurchase(ctx, "sess-1", "1", "u1")
	assert.True(t, errors.Is(err, domain.ErrNotHighestBidder), "got %v", err)

	receipt, err := e.AttemptPurchase(ctx, "sess-1", "1", "u2")
	require.NoError(t, err)
	assert.Equal(t, 15.0, receipt.Price)
	assert.Equal(t, "1", receipt.TicketID)
	assert.Equal(t, "5", receipt.Seat)
	assert.Equal(t, "12", receipt.Row)
	assert.Equal(t, "A", receipt.Gate)

	assert.Equal(t, []string{
		domain.EventAuctionOpened,
		domain.EventBidPlaced,
		domain.EventBidPlaced,
		domain.EventTicketPurchased,
	}, sink.types())
}

func TestEngine_SoldTicketIsTerminal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-time.Hour)), NewMemoryStore(), DefaultTickets(10))

	_, err := e.PlaceIncrementalBid(ctx, "2", "u1")
	require.NoError(t, err)
	require.NoError(t, e.SelectTicket(ctx, "s1", "2"))
	_, err = e.AttemptPurchase(ctx, "s1", "2", "u1")
	require.NoError(t, err)

	_, err = e.PlaceIncrementalBid(ctx, "2", "u2")
	assert.True(t, errors.Is(err, domain.ErrTicketSold), "got %v", err)
	_, err = e.PlaceCustomBid(ctx, "2", "u2", 100)
	assert.True(t, errors.Is(err, domain.ErrTicketSold), "got %v", err)
	_, err = e.AttemptPurchase(ctx, "s1", "2", "u1")
	assert.True(t, errors.Is(err, domain.ErrTicketSold), "got %v", err)

	// Other tickets are unaffected.
	_, err = e.PlaceIncrementalBid(ctx, "3", "u2")
	assert.NoError(t, err)
}

func TestEngine_PurchaseEligibility(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		active   bool
		selected bool
		bidder   string
		buyer    string
		wantErr  error
	}{
		{"fixed price, selected", false, true, "", "u1", nil},
		{"fixed price, not selected", false, false, "", "u1", domain.ErrNoSelection},
		{"auction, highest bidder", true, true, "u1", "u1", nil},
		{"auction, outbid", true, true, "u2", "u1", domain.ErrNotHighestBidder},
		{"auction, no bids yet", true, true, "", "u1", domain.ErrNotHighestBidder},
		{"auction, highest bidder not selected", true, false, "u1", "u1", domain.ErrNoSelection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := eventTime.Add(-30 * time.Hour)
			if tt.active {
				now = eventTime.Add(-time.Hour)
			}
			e := newTestEngine(t, clock.NewFixed(now), NewMemoryStore(), DefaultTickets(10))
			if tt.bidder != "" {
				_, err := e.PlaceIncrementalBid(ctx, "1", tt.bidder)
				require.NoError(t, err)
			}
			if tt.selected {
				require.NoError(t, e.SelectTicket(ctx, "s", "1"))
			}

			receipt, err := e.AttemptPurchase(ctx, "s", "1", tt.buyer)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.buyer, receipt.BuyerID)
		})
	}
}

func TestEngine_Selection(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-30*time.Hour)), NewMemoryStore(), DefaultTickets(10))

	err := e.SelectTicket(ctx, "s", "99")
	assert.True(t, errors.Is(err, domain.ErrTicketNotFound), "got %v", err)

	_, err = e.AttemptPurchase(ctx, "s", "1", "u1")
	assert.True(t, errors.Is(err, domain.ErrNoSelection), "got %v", err)

	require.NoError(t, e.SelectTicket(ctx, "s", "1"))
	id, ok, err := e.Selection(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", id)

	// Buying a ticket other than the selected one is refused.
	_, err = e.AttemptPurchase(ctx, "s", "2", "u1")
	assert.True(t, errors.Is(err, domain.ErrNoSelection), "got %v", err)

	// Selection is per session.
	_, err = e.AttemptPurchase(ctx, "other", "1", "u1")
	assert.True(t, errors.Is(err, domain.ErrNoSelection), "got %v", err)

	require.NoError(t, e.ClearSelection(ctx, "s"))
	_, err = e.AttemptPurchase(ctx, "s", "", "u1")
	assert.True(t, errors.Is(err, domain.ErrNoSelection), "got %v", err)

	// Empty ticket id buys whatever is selected.
	require.NoError(t, e.SelectTicket(ctx, "s", "4"))
	r, err := e.AttemptPurchase(ctx, "s", "", "u1")
	require.NoError(t, err)
	assert.Equal(t, "4", r.TicketID)
	assert.Equal(t, 10.0, r.Price)
}

func TestEngine_UnknownTicket(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-time.Hour)), NewMemoryStore(), DefaultTickets(10))

	_, err := e.PlaceIncrementalBid(ctx, "nope", "u1")
	assert.True(t, errors.Is(err, domain.ErrTicketNotFound), "got %v", err)
	_, err = e.PlaceCustomBid(ctx, "nope", "u1", 99)
	assert.True(t, errors.Is(err, domain.ErrTicketNotFound), "got %v", err)

	_, err = e.PlaceIncrementalBid(ctx, "1", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)
}

func TestEngine_PriceNeverDecreases(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-time.Hour)), NewMemoryStore(), DefaultTickets(10))
	rng := rand.New(rand.NewSource(7))
	bidders := []string{"u1", "u2", "u3"}

	last := map[string]float64{}
	for i := 0; i < 500; i++ {
		id := DefaultTickets(0)[rng.Intn(5)].ID
		bidder := bidders[rng.Intn(len(bidders))]

		before, err := e.store.Get(ctx, e.ListingID(), id)
		require.NoError(t, err)

		var tk domain.Ticket
		if rng.Intn(2) == 0 {
			tk, err = e.PlaceIncrementalBid(ctx, id, bidder)
			require.NoError(t, err)
		} else {
			amount := before.Price + float64(rng.Intn(11)) - 5
			tk, err = e.PlaceCustomBid(ctx, id, bidder, amount)
			if amount <= before.Price && before.State == domain.TicketBidding {
				require.True(t, errors.Is(err, domain.ErrInvalidBid), "amount %v over %v: %v", amount, before.Price, err)
				continue
			}
			if err != nil {
				require.True(t, errors.Is(err, domain.ErrInvalidBid), "got %v", err)
				continue
			}
		}
		assert.GreaterOrEqual(t, tk.Price, last[id])
		assert.Equal(t, bidder, tk.CurrentBidder)
		last[id] = tk.Price
	}
}

func TestEngine_RefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(eventTime.Add(-30 * time.Hour))
	sink := &recordingSink{}
	tickets := DefaultTickets(0.5)
	tickets[1].Price = 25
	e := newTestEngine(t, clk, NewMemoryStore(), tickets, WithSinks(sink))

	n, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(7 * time.Hour)
	n, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MinAuctionPrice, snap.Tickets[0].Price)
	assert.Equal(t, 25.0, snap.Tickets[1].Price)
	for _, tk := range snap.Tickets {
		assert.Equal(t, domain.TicketBidding, tk.State)
	}

	_, err = e.PlaceCustomBid(ctx, "1", "u1", 3)
	require.NoError(t, err)

	n, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tk, err := e.store.Get(ctx, e.ListingID(), "1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, tk.Price)
	assert.Equal(t, "u1", tk.CurrentBidder)
	assert.Len(t, sink.types(), 6)
}

func TestEngine_SnapshotProjectsOpening(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-3*time.Hour)), NewMemoryStore(), DefaultTickets(0))

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.AuctionActive)
	assert.Equal(t, 3*time.Hour, snap.TimeUntilEvent)
	assert.Equal(t, domain.TicketBidding, snap.Tickets[0].State)
	assert.Equal(t, domain.MinAuctionPrice, snap.Tickets[0].Price)

	// Reads do not persist the transition.
	stored, err := e.store.Get(ctx, e.ListingID(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketListed, stored.State)
}

func TestEngine_ConcurrentBidsAreLinearized(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-time.Hour)), NewMemoryStore(), DefaultTickets(10))

	const bidders = 64
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.PlaceIncrementalBid(ctx, "1", "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tk, err := e.store.Get(ctx, e.ListingID(), "1")
	require.NoError(t, err)
	assert.Equal(t, 10.0+bidders, tk.Price)
}

// racingStore lets another writer slip in before the first Save.
type racingStore struct {
	*MemoryStore
	once sync.Once
}

func (s *racingStore) Save(ctx context.Context, listingID string, t domain.Ticket, evts []domain.Event) error {
	s.once.Do(func() {
		cur, _ := s.MemoryStore.Get(ctx, listingID, t.ID)
		cur.State = domain.TicketBidding
		cur.Price = 40
		cur.CurrentBidder = "elsewhere"
		_ = s.MemoryStore.Save(ctx, listingID, cur, nil)
	})
	return s.MemoryStore.Save(ctx, listingID, t, evts)
}

func TestEngine_RetriesOnWriteConflict(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore()}
	e := newTestEngine(t, clock.NewFixed(eventTime.Add(-time.Hour)), store, DefaultTickets(10))

	tk, err := e.PlaceIncrementalBid(ctx, "1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 41.0, tk.Price)
	assert.Equal(t, "u1", tk.CurrentBidder)
}

func TestEngine_AfterEventStarts(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(eventTime.Add(-time.Hour))
	e := newTestEngine(t, clk, NewMemoryStore(), DefaultTickets(10))

	tk, err := e.PlaceIncrementalBid(ctx, "1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 11.0, tk.Price)

	clk.Set(eventTime.Add(time.Minute))
	assert.False(t, e.IsAuctionActive())

	_, err = e.PlaceIncrementalBid(ctx, "1", "u2")
	assert.True(t, errors.Is(err, domain.ErrAuctionNotActive), "got %v", err)
	_, err = e.PlaceCustomBid(ctx, "1", "u2", 20)
	assert.True(t, errors.Is(err, domain.ErrAuctionNotActive), "got %v", err)

	// Once bidding has closed the ticket goes to whoever selected it, at the
	// last accepted price.
	require.NoError(t, e.SelectTicket(ctx, "s9", "1"))
	r, err := e.AttemptPurchase(ctx, "s9", "1", "u9")
	require.NoError(t, err)
	assert.Equal(t, 11.0, r.Price)
	assert.Equal(t, "u9", r.BuyerID)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketSoldPending, snap.Tickets[0].State)
	assert.Less(t, snap.TimeUntilEvent, time.Duration(0))
}

func TestEngine_PostTicket(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	clk := clock.NewManual(eventTime.Add(-30 * time.Hour))
	e := newTestEngine(t, clk, NewMemoryStore(), DefaultTickets(10), WithSinks(sink))

	fixed, err := e.PostTicket(ctx, "seller", domain.TicketPost{Gate: "F", Row: "3", Seat: "11", Price: 45})
	require.NoError(t, err)
	auctioned, err := e.PostTicket(ctx, "seller", domain.TicketPost{Gate: "F", Row: "3", Seat: "12", Price: 45, AuctionEnabled: true, StartingPrice: 25})
	require.NoError(t, err)
	assert.NotEqual(t, fixed.ID, auctioned.ID)
	assert.Equal(t, []string{domain.EventTicketPosted, domain.EventTicketPosted}, sink.types())

	_, err = e.PostTicket(ctx, "seller", domain.TicketPost{Gate: "F", Row: "3", Seat: "13", Price: 45, AuctionEnabled: true})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tickets, 7)
	assert.Equal(t, fixed.ID, snap.Tickets[5].ID)
	assert.Equal(t, 45.0, snap.Tickets[6].Price)

	clk.Set(eventTime.Add(-2 * time.Hour))
	opened, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, opened)

	snap, err = e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketListed, snap.Tickets[5].State)
	assert.Equal(t, domain.TicketBidding, snap.Tickets[6].State)
	assert.Equal(t, 25.0, snap.Tickets[6].Price)

	_, err = e.PlaceIncrementalBid(ctx, fixed.ID, "u1")
	assert.True(t, errors.Is(err, domain.ErrAuctionNotActive), "got %v", err)
	tk, err := e.PlaceIncrementalBid(ctx, auctioned.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 26.0, tk.Price)

	// Fixed-price tickets sell to any buyer who selected them, even while the
	// rest of the listing is being auctioned.
	require.NoError(t, e.SelectTicket(ctx, "s2", fixed.ID))
	r, err := e.AttemptPurchase(ctx, "s2", "", "u2")
	require.NoError(t, err)
	assert.Equal(t, 45.0, r.Price)

	clk.Set(eventTime.Add(time.Hour))
	_, err = e.PostTicket(ctx, "seller", domain.TicketPost{Gate: "F", Row: "3", Seat: "14", Price: 45})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "accepted", ResultLabel(nil))
	assert.Equal(t, "not_active", ResultLabel(errors.Wrap(domain.ErrAuctionNotActive, "x")))
	assert.Equal(t, "sold", ResultLabel(domain.ErrTicketSold))
	assert.Equal(t, "error", ResultLabel(errors.New("boom")))
}
