package auction

import (
	"strings"
	"time"

	"github.com/robertarktes/ticket-auctions/internal/domain"
)

// Tier is a quality tier with its pre-auction price.
type Tier struct {
	Name  string
	Price float64
}

var DefaultTiers = []Tier{
	{Name: "Low", Price: 10},
	{Name: "Medium", Price: 20},
	{Name: "High", Price: 30},
}

// DefaultTickets is the stock set of five seats offered per tier when no
// catalog is configured.
func DefaultTickets(price float64) []domain.Ticket {
	return []domain.Ticket{
		{ID: "1", Gate: "A", Row: "12", Seat: "5", Price: price, State: domain.TicketListed},
		{ID: "2", Gate: "B", Row: "15", Seat: "8", Price: price, State: domain.TicketListed},
		{ID: "3", Gate: "C", Row: "10", Seat: "3", Price: price, State: domain.TicketListed},
		{ID: "4", Gate: "D", Row: "18", Seat: "7", Price: price, State: domain.TicketListed},
		{ID: "5", Gate: "E", Row: "20", Seat: "2", Price: price, State: domain.TicketListed},
	}
}

// DefaultListings builds one listing per default tier for an event, each
// priced at its tier's fixed price.
func DefaultListings(eventID, eventName string, eventTime time.Time) ([]domain.Listing, error) {
	out := make([]domain.Listing, 0, len(DefaultTiers))
	for _, tier := range DefaultTiers {
		l, err := domain.NewListing(ListingID(eventID, tier.Name), eventID, tier.Name, eventTime, DefaultTickets(tier.Price))
		if err != nil {
			return nil, err
		}
		l.EventName = eventName
		out = append(out, l)
	}
	return out, nil
}

// ListingID derives the stable id of an event's tier listing.
func ListingID(eventID, tier string) string {
	return eventID + "-" + strings.ToLower(tier)
}
