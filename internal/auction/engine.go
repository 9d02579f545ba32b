package auction

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxConflictRetries = 3

// Sink receives events after the change they describe is stored.
type Sink interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Engine owns bid and purchase state for one listing. Mutations on the same
// ticket are serialized; different tickets proceed independently.
type Engine struct {
	listing    domain.Listing
	store      Store
	selections Selections
	clock      clock.Clock
	window     time.Duration
	sinks      []Sink
	logger     observability.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Engine)

func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

func WithSelections(s Selections) Option {
	return func(e *Engine) { e.selections = s }
}

func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over listing. Stores implementing Seeder receive
// the listing's tickets first.
func NewEngine(ctx context.Context, listing domain.Listing, store Store, clk clock.Clock, opts ...Option) (*Engine, error) {
	e := &Engine{
		listing:    listing,
		store:      store,
		selections: NewMemorySelections(),
		clock:      clk,
		window:     domain.AuctionWindow,
		tracer:     otel.Tracer("auction"),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLoggerWithLevel("error")
	}
	e.logger = e.logger.WithField("listing_id", listing.ID)

	if seeder, ok := store.(Seeder); ok {
		if err := seeder.Seed(ctx, listing); err != nil {
			return nil, errors.Wrapf(err, "seed listing %s", listing.ID)
		}
	}
	return e, nil
}

func (e *Engine) ListingID() string { return e.listing.ID }

func (e *Engine) Listing() domain.Listing {
	l := e.listing
	l.Tickets = nil
	return l
}

// IsAuctionActive evaluates the bidding window against the injected clock.
func (e *Engine) IsAuctionActive() bool {
	return e.activeAt(e.clock.Now())
}

func (e *Engine) activeAt(now time.Time) bool {
	return domain.IsWithinWindow(now, e.listing.EventTime, e.window)
}

// activeFor is activeAt narrowed to one ticket; fixed-price tickets are never
// auctioned.
func (e *Engine) activeFor(t domain.Ticket, now time.Time) bool {
	return !t.FixedPrice && e.activeAt(now)
}

func (e *Engine) lockTicket(ticketID string) func() {
	e.mu.Lock()
	l, ok := e.locks[ticketID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ticketID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// mutate runs fn against the latest stored state of a ticket while holding
// its lock. A listed ticket is moved into bidding first when the window is
// open, so correctness never waits on the ticker.
func (e *Engine) mutate(ctx context.Context, ticketID string, fn func(t *domain.Ticket, now time.Time) (*domain.Event, error)) (domain.Ticket, error) {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	// Another process sharing the store can still win a race; re-read and
	// re-apply a few times before giving up.
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var t domain.Ticket
		t, err = e.mutateOnce(ctx, ticketID, fn)
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrSerializationFailure) {
			return t, err
		}
		e.logger.WithField("ticket_id", ticketID).WithField("attempt", attempt+1).Warn("ticket write conflict, retrying")
	}
	return domain.Ticket{}, err
}

func (e *Engine) mutateOnce(ctx context.Context, ticketID string, fn func(t *domain.Ticket, now time.Time) (*domain.Event, error)) (domain.Ticket, error) {
	t, err := e.store.Get(ctx, e.listing.ID, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	now := e.clock.Now()

	var evts []domain.Event
	if e.activeAt(now) && domain.OpenBidding(&t) {
		evts = append(evts, e.openedEvent(t, now))
	}
	evt, err := fn(&t, now)
	if err != nil {
		return domain.Ticket{}, err
	}
	if evt != nil {
		evts = append(evts, *evt)
	}
	if err := e.store.Save(ctx, e.listing.ID, t, evts); err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "save ticket %s", t.ID)
	}
	t.Version++
	if len(evts) > 0 && evts[0].Type == domain.EventAuctionOpened {
		observability.AuctionsOpened.Inc()
	}
	e.publish(ctx, evts)
	return t, nil
}

func (e *Engine) openedEvent(t domain.Ticket, now time.Time) domain.Event {
	return domain.Event{
		Type:       domain.EventAuctionOpened,
		ListingID:  e.listing.ID,
		TicketID:   t.ID,
		OccurredAt: now,
		Payload:    t,
	}
}

func (e *Engine) publish(ctx context.Context, evts []domain.Event) {
	for _, evt := range evts {
		for _, s := range e.sinks {
			if err := s.Publish(ctx, evt); err != nil {
				e.logger.WithField("event", evt.Type).WithField("ticket_id", evt.TicketID).Error("failed to publish event: ", err)
			}
		}
	}
}

func (e *Engine) startSpan(ctx context.Context, name, ticketID, actorID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("listing.id", e.listing.ID),
		attribute.String("ticket.id", ticketID),
		attribute.String("actor.id", actorID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// PlaceIncrementalBid raises the ticket price by one dollar for bidderID.
func (e *Engine) PlaceIncrementalBid(ctx context.Context, ticketID, bidderID string) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "auction.PlaceIncrementalBid", ticketID, bidderID)
	defer func() {
		observability.BidsTotal.WithLabelValues(string(domain.BidIncremental), ResultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if bidderID == "" {
		return domain.Ticket{}, errors.Wrap(domain.ErrInvalidInput, "bidder id is empty")
	}
	return e.mutate(ctx, ticketID, func(t *domain.Ticket, now time.Time) (*domain.Event, error) {
		if err := e.checkBiddable(*t, now); err != nil {
			return nil, err
		}
		t.Price += domain.BidIncrement
		t.CurrentBidder = bidderID
		return e.bidEvent(*t, domain.BidIncremental, now), nil
	})
}

// PlaceCustomBid sets the ticket price to amount, which must be finite and
// strictly greater than the current price.
func (e *Engine) PlaceCustomBid(ctx context.Context, ticketID, bidderID string, amount float64) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "auction.PlaceCustomBid", ticketID, bidderID)
	span.SetAttributes(attribute.Float64("bid.amount", amount))
	defer func() {
		observability.BidsTotal.WithLabelValues(string(domain.BidCustom), ResultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if bidderID == "" {
		return domain.Ticket{}, errors.Wrap(domain.ErrInvalidInput, "bidder id is empty")
	}
	return e.mutate(ctx, ticketID, func(t *domain.Ticket, now time.Time) (*domain.Event, error) {
		if err := e.checkBiddable(*t, now); err != nil {
			return nil, err
		}
		if err := domain.ValidateCustomBid(t.Price, amount); err != nil {
			return nil, errors.Wrapf(err, "ticket %s", t.ID)
		}
		t.Price = amount
		t.CurrentBidder = bidderID
		return e.bidEvent(*t, domain.BidCustom, now), nil
	})
}

func (e *Engine) checkBiddable(t domain.Ticket, now time.Time) error {
	if !e.activeAt(now) {
		return errors.Wrapf(domain.ErrAuctionNotActive, "event at %s", e.listing.EventTime.Format(time.RFC3339))
	}
	if t.FixedPrice {
		return errors.Wrapf(domain.ErrAuctionNotActive, "ticket %s is sold at a fixed price", t.ID)
	}
	if t.State == domain.TicketSoldPending {
		return errors.Wrapf(domain.ErrTicketSold, "ticket %s", t.ID)
	}
	return nil
}

func (e *Engine) bidEvent(t domain.Ticket, kind domain.BidKind, now time.Time) *domain.Event {
	return &domain.Event{
		Type:       domain.EventBidPlaced,
		ListingID:  e.listing.ID,
		TicketID:   t.ID,
		ActorID:    t.CurrentBidder,
		OccurredAt: now,
		Payload: domain.Bid{
			ListingID: e.listing.ID,
			TicketID:  t.ID,
			BidderID:  t.CurrentBidder,
			Amount:    t.Price,
			Kind:      kind,
			PlacedAt:  now,
		},
	}
}

// SelectTicket marks ticketID as the session's purchase candidate.
func (e *Engine) SelectTicket(ctx context.Context, sessionID, ticketID string) error {
	if sessionID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "session id is empty")
	}
	if _, err := e.store.Get(ctx, e.listing.ID, ticketID); err != nil {
		return err
	}
	return e.selections.Select(ctx, sessionID, e.listing.ID, ticketID)
}

// Selection returns the session's selected ticket, if any.
func (e *Engine) Selection(ctx context.Context, sessionID string) (string, bool, error) {
	return e.selections.Selected(ctx, sessionID, e.listing.ID)
}

// ClearSelection forgets the session's choice, as when the view closes.
func (e *Engine) ClearSelection(ctx context.Context, sessionID string) error {
	return e.selections.Clear(ctx, sessionID, e.listing.ID)
}

// AttemptPurchase buys the session's selected ticket. An empty ticketID means
// whatever the session has selected. While the auction runs only the highest
// bidder may buy.
func (e *Engine) AttemptPurchase(ctx context.Context, sessionID, ticketID, buyerID string) (r domain.Receipt, err error) {
	ctx, span := e.startSpan(ctx, "auction.AttemptPurchase", ticketID, buyerID)
	defer func() {
		observability.PurchasesTotal.WithLabelValues(ResultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if buyerID == "" {
		return domain.Receipt{}, errors.Wrap(domain.ErrInvalidInput, "buyer id is empty")
	}
	selected, ok, err := e.selections.Selected(ctx, sessionID, e.listing.ID)
	if err != nil {
		return domain.Receipt{}, errors.Wrap(err, "read selection")
	}
	if !ok {
		return domain.Receipt{}, domain.ErrNoSelection
	}
	if ticketID == "" {
		ticketID = selected
	}
	if selected != ticketID {
		return domain.Receipt{}, errors.Wrapf(domain.ErrNoSelection, "ticket %s is not selected", ticketID)
	}

	var receipt domain.Receipt
	_, err = e.mutate(ctx, ticketID, func(t *domain.Ticket, now time.Time) (*domain.Event, error) {
		if t.State == domain.TicketSoldPending {
			return nil, errors.Wrapf(domain.ErrTicketSold, "ticket %s", t.ID)
		}
		if e.activeFor(*t, now) && t.CurrentBidder != buyerID {
			return nil, errors.Wrapf(domain.ErrNotHighestBidder, "ticket %s", t.ID)
		}
		t.State = domain.TicketSoldPending
		receipt = domain.Receipt{
			ListingID:   e.listing.ID,
			TicketID:    t.ID,
			Seat:        t.Seat,
			Row:         t.Row,
			Gate:        t.Gate,
			Price:       t.Price,
			BuyerID:     buyerID,
			PurchasedAt: now,
		}
		return &domain.Event{
			Type:       domain.EventTicketPurchased,
			ListingID:  e.listing.ID,
			TicketID:   t.ID,
			ActorID:    buyerID,
			OccurredAt: now,
			Payload:    receipt,
		}, nil
	})
	if err != nil {
		return domain.Receipt{}, err
	}
	return receipt, nil
}

// PostTicket adds a seller's ticket to the listing. It is listed at its fixed
// price and, unless the seller disabled the auction, enters bidding with the
// rest of the listing.
func (e *Engine) PostTicket(ctx context.Context, sellerID string, post domain.TicketPost) (t domain.Ticket, err error) {
	ticketID := uuid.NewString()
	ctx, span := e.startSpan(ctx, "auction.PostTicket", ticketID, sellerID)
	defer func() { endSpan(span, err) }()

	t, err = domain.NewPostedTicket(ticketID, sellerID, post)
	if err != nil {
		return domain.Ticket{}, err
	}
	now := e.clock.Now()
	if !e.listing.EventTime.After(now) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrInvalidInput, "event at %s has started", e.listing.EventTime.Format(time.RFC3339))
	}
	evts := []domain.Event{{
		Type:       domain.EventTicketPosted,
		ListingID:  e.listing.ID,
		TicketID:   t.ID,
		ActorID:    sellerID,
		OccurredAt: now,
		Payload:    t,
	}}
	if err := e.store.Add(ctx, e.listing.ID, t, evts); err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "add ticket %s", t.ID)
	}
	e.publish(ctx, evts)
	return t, nil
}

// Refresh moves every listed ticket into bidding once the window is open and
// reports how many moved. Calling it again is a no-op.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	if !e.IsAuctionActive() {
		return 0, nil
	}
	tickets, err := e.store.Load(ctx, e.listing.ID)
	if err != nil {
		return 0, errors.Wrapf(err, "load listing %s", e.listing.ID)
	}
	opened := 0
	for _, t := range tickets {
		if t.State != domain.TicketListed || t.FixedPrice {
			continue
		}
		moved, err := e.openTicket(ctx, t.ID)
		if err != nil {
			return opened, err
		}
		if moved {
			opened++
		}
	}
	return opened, nil
}

func (e *Engine) openTicket(ctx context.Context, ticketID string) (bool, error) {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.Get(ctx, e.listing.ID, ticketID)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	if !e.activeAt(now) || !domain.OpenBidding(&t) {
		return false, nil
	}
	evts := []domain.Event{e.openedEvent(t, now)}
	if err := e.store.Save(ctx, e.listing.ID, t, evts); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Changed under us; whoever wrote it already applied the transition.
			return false, nil
		}
		return false, errors.Wrapf(err, "save ticket %s", t.ID)
	}
	observability.AuctionsOpened.Inc()
	e.publish(ctx, evts)
	return true, nil
}

// ListingView is a point-in-time picture of a listing for presenters.
type ListingView struct {
	ListingID      string          `json:"listing_id"`
	EventID        string          `json:"event_id"`
	EventName      string          `json:"event_name,omitempty"`
	EventSubtitle  string          `json:"event_subtitle,omitempty"`
	Tier           string          `json:"tier"`
	EventTime      time.Time       `json:"event_time"`
	AuctionActive  bool            `json:"auction_active"`
	TimeUntilEvent time.Duration   `json:"time_until_event"`
	Tickets        []domain.Ticket `json:"tickets"`
}

// Snapshot returns the tickets in listing order. Tickets the ticker has not
// opened yet are shown as they will be once bidding starts.
func (e *Engine) Snapshot(ctx context.Context) (ListingView, error) {
	tickets, err := e.store.Load(ctx, e.listing.ID)
	if err != nil {
		return ListingView{}, errors.Wrapf(err, "load listing %s", e.listing.ID)
	}
	now := e.clock.Now()
	active := e.activeAt(now)
	if active {
		for i := range tickets {
			domain.OpenBidding(&tickets[i])
		}
	}
	return ListingView{
		ListingID:      e.listing.ID,
		EventID:        e.listing.EventID,
		EventName:      e.listing.EventName,
		EventSubtitle:  e.listing.EventSubtitle,
		Tier:           e.listing.Tier,
		EventTime:      e.listing.EventTime,
		AuctionActive:  active,
		TimeUntilEvent: e.listing.EventTime.Sub(now),
		Tickets:        tickets,
	}, nil
}

// ResultLabel maps an operation outcome to a metrics label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrTicketNotFound), errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAuctionNotActive):
		return "not_active"
	case errors.Is(err, domain.ErrInvalidBid), errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, domain.ErrNotHighestBidder):
		return "not_highest_bidder"
	case errors.Is(err, domain.ErrNoSelection):
		return "no_selection"
	case errors.Is(err, domain.ErrTicketSold):
		return "sold"
	default:
		return "error"
	}
}
