package domain

import (
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

const (
	AuctionWindow = 24 * time.Hour
	// MinAuctionPrice is the floor applied when a ticket enters bidding.
	MinAuctionPrice = 1.0
	BidIncrement    = 1.0
)

// IsAuctionActive reports whether eventTime lies inside the bidding window
// that closes at the event. An event already in the past is not active.
func IsAuctionActive(now, eventTime time.Time) bool {
	return IsWithinWindow(now, eventTime, AuctionWindow)
}

func IsWithinWindow(now, eventTime time.Time, window time.Duration) bool {
	remaining := eventTime.Sub(now)
	return remaining > 0 && remaining <= window
}

// ParseBidAmount converts raw bid input into an amount.
func ParseBidAmount(raw string) (float64, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if raw == "" {
		return 0, errors.Wrap(ErrInvalidBid, "empty amount")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidBid, "amount %q is not a number", raw)
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, errors.Wrapf(ErrInvalidBid, "amount %q is not finite", raw)
	}
	return f, nil
}

// ValidateCustomBid requires a finite amount strictly above the current price.
func ValidateCustomBid(current, amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return errors.Wrap(ErrInvalidBid, "amount is not finite")
	}
	if amount <= current {
		return errors.Wrapf(ErrInvalidBid, "amount %.2f must exceed current price %.2f", amount, current)
	}
	return nil
}

// OpenBidding moves a listed ticket into the bidding state. It reports false
// when the ticket was already past LISTED or is sold at a fixed price,
// leaving it untouched.
func OpenBidding(t *Ticket) bool {
	if t.State != TicketListed || t.FixedPrice {
		return false
	}
	t.State = TicketBidding
	if t.StartingPrice > 0 {
		t.Price = t.StartingPrice
	}
	t.Price = math.Max(t.Price, MinAuctionPrice)
	t.CurrentBidder = ""
	return true
}
