package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/auction"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	Venue       string    `bson:"venue"`
	Date        time.Time `bson:"date"`
	Tiers       []TierDoc `bson:"tiers"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// TierDoc is one quality tier of an event with its seat inventory.
type TierDoc struct {
	Name  string    `bson:"name"`
	Seats []SeatDoc `bson:"seats"`
}

type SeatDoc struct {
	TicketID string  `bson:"ticket_id"`
	Gate     string  `bson:"gate"`
	Row      string  `bson:"row"`
	Seat     string  `bson:"seat"`
	Price    float64 `bson:"price"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id string) (*EventDoc, error) {
	var event EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.Error("failed to get event", err)
		return nil, err
	}
	return &event, nil
}

func (c *CatalogRepository) CreateEvent(ctx context.Context, event EventDoc) error {
	event.CreatedAt = time.Now()
	event.UpdatedAt = time.Now()
	_, err := c.coll.InsertOne(ctx, event)
	if err != nil {
		c.logger.Error("failed to create event", err)
		return err
	}
	return nil
}

// Listings loads an event and turns each of its tiers into a listing.
func (c *CatalogRepository) Listings(ctx context.Context, eventID string) ([]domain.Listing, error) {
	event, err := c.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return event.Listings()
}

func (e EventDoc) Listings() ([]domain.Listing, error) {
	out := make([]domain.Listing, 0, len(e.Tiers))
	for _, tier := range e.Tiers {
		tickets := make([]domain.Ticket, 0, len(tier.Seats))
		for _, s := range tier.Seats {
			tickets = append(tickets, domain.Ticket{
				ID:    s.TicketID,
				Gate:  s.Gate,
				Row:   s.Row,
				Seat:  s.Seat,
				Price: s.Price,
				State: domain.TicketListed,
			})
		}
		l, err := domain.NewListing(auction.ListingID(e.ID, tier.Name), e.ID, tier.Name, e.Date, tickets)
		if err != nil {
			return nil, errors.Wrapf(err, "event %s tier %s", e.ID, tier.Name)
		}
		l.EventName = e.Name
		l.EventSubtitle = e.Description
		out = append(out, l)
	}
	return out, nil
}
