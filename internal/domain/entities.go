package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

type TicketState string

const (
	TicketListed      TicketState = "LISTED"
	TicketBidding     TicketState = "BIDDING"
	TicketSoldPending TicketState = "SOLD_PENDING"
)

// Ticket is one seat of a listing. CurrentBidder is empty until the first
// accepted bid. Version counts stored writes and guards against lost updates.
//
// A FixedPrice ticket never enters bidding. StartingPrice, when set, replaces
// the fixed price at the moment bidding opens.
type Ticket struct {
	ID            string      `json:"id"`
	Gate          string      `json:"gate"`
	Row           string      `json:"row"`
	Seat          string      `json:"seat"`
	Price         float64     `json:"price"`
	CurrentBidder string      `json:"current_bidder,omitempty"`
	State         TicketState `json:"state"`
	SellerID      string      `json:"seller_id,omitempty"`
	FixedPrice    bool        `json:"fixed_price,omitempty"`
	StartingPrice float64     `json:"starting_price,omitempty"`
	Version       int64       `json:"-"`
}

func (t Ticket) HasBidder() bool {
	return t.CurrentBidder != ""
}

// Listing is the set of tickets offered at one quality tier of an event.
type Listing struct {
	ID            string
	EventID       string
	EventName     string
	EventSubtitle string
	Tier          string
	EventTime     time.Time
	Tickets       []Ticket
}

func NewListing(id, eventID, tier string, eventTime time.Time, tickets []Ticket) (Listing, error) {
	if id == "" {
		return Listing{}, errors.Wrap(ErrInvalidInput, "listing id is empty")
	}
	seen := make(map[string]struct{}, len(tickets))
	out := make([]Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.ID == "" {
			return Listing{}, errors.Wrap(ErrInvalidInput, "ticket id is empty")
		}
		if _, dup := seen[t.ID]; dup {
			return Listing{}, errors.Wrapf(ErrInvalidInput, "duplicate ticket id %q", t.ID)
		}
		if t.Price < 0 || t.StartingPrice < 0 {
			return Listing{}, errors.Wrapf(ErrInvalidInput, "ticket %q has negative price", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.State == "" {
			t.State = TicketListed
		}
		out = append(out, t)
	}
	return Listing{ID: id, EventID: eventID, Tier: tier, EventTime: eventTime, Tickets: out}, nil
}

// TicketPost is a seller's offer of one seat. StartingPrice is required when
// AuctionEnabled is set and ignored otherwise.
type TicketPost struct {
	Gate           string  `json:"gate"`
	Row            string  `json:"row"`
	Seat           string  `json:"seat"`
	Price          float64 `json:"price"`
	AuctionEnabled bool    `json:"auction_enabled"`
	StartingPrice  float64 `json:"starting_price,omitempty"`
}

// NewPostedTicket validates p and turns it into a listed ticket.
func NewPostedTicket(id, sellerID string, p TicketPost) (Ticket, error) {
	switch {
	case id == "":
		return Ticket{}, errors.Wrap(ErrInvalidInput, "ticket id is empty")
	case sellerID == "":
		return Ticket{}, errors.Wrap(ErrInvalidInput, "seller id is empty")
	case strings.TrimSpace(p.Gate) == "", strings.TrimSpace(p.Row) == "", strings.TrimSpace(p.Seat) == "":
		return Ticket{}, errors.Wrap(ErrInvalidInput, "gate, row and seat are required")
	case !isPositive(p.Price):
		return Ticket{}, errors.Wrap(ErrInvalidInput, "price must be positive")
	case p.AuctionEnabled && !isPositive(p.StartingPrice):
		return Ticket{}, errors.Wrap(ErrInvalidInput, "auction needs a positive starting price")
	}
	t := Ticket{
		ID:         id,
		Gate:       strings.TrimSpace(p.Gate),
		Row:        strings.TrimSpace(p.Row),
		Seat:       strings.TrimSpace(p.Seat),
		Price:      p.Price,
		State:      TicketListed,
		SellerID:   sellerID,
		FixedPrice: !p.AuctionEnabled,
	}
	if p.AuctionEnabled {
		t.StartingPrice = p.StartingPrice
	}
	return t, nil
}

func isPositive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0)
}

type BidKind string

const (
	BidIncremental BidKind = "incremental"
	BidCustom      BidKind = "custom"
)

type Bid struct {
	ListingID string    `json:"listing_id"`
	TicketID  string    `json:"ticket_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	Kind      BidKind   `json:"kind"`
	PlacedAt  time.Time `json:"placed_at"`
}

type Receipt struct {
	ListingID   string    `json:"listing_id"`
	TicketID    string    `json:"ticket_id"`
	Seat        string    `json:"seat"`
	Row         string    `json:"row"`
	Gate        string    `json:"gate"`
	Price       float64   `json:"price"`
	BuyerID     string    `json:"buyer_id"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// Summary renders the confirmation line shown to the buyer.
func (r Receipt) Summary() string {
	return fmt.Sprintf("Seat %s in Row %s, Gate %s for $%s",
		r.Seat, r.Row, r.Gate, decimal.NewFromFloat(r.Price).StringFixed(2))
}

const (
	EventAuctionOpened   = "auction.opened"
	EventBidPlaced       = "bid.placed"
	EventTicketPurchased = "ticket.purchased"
	EventTicketPosted    = "ticket.posted"
)

// Event is a state change worth telling the outside world about. Payload is
// one of Bid, Receipt or Ticket.
type Event struct {
	Type       string      `json:"type"`
	ListingID  string      `json:"listing_id"`
	TicketID   string      `json:"ticket_id"`
	ActorID    string      `json:"actor_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}
