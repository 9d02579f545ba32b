package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger records every bid, purchase and auction opening.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	ListingID string    `bson:"listing_id"`
	TicketID  string    `bson:"ticket_id"`
	ActorID   string    `bson:"actor_id,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func NewAuditLog(evt domain.Event) (AuditLog, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return AuditLog{}, errors.Wrapf(err, "marshal %s payload", evt.Type)
	}
	var data bson.M
	if err := json.Unmarshal(raw, &data); err != nil {
		return AuditLog{}, errors.Wrapf(err, "decode %s payload", evt.Type)
	}
	return AuditLog{
		ID:        uuid.New().String(),
		Action:    evt.Type,
		ListingID: evt.ListingID,
		TicketID:  evt.TicketID,
		ActorID:   evt.ActorID,
		Timestamp: evt.OccurredAt,
		Data:      data,
	}, nil
}

// Publish stores evt as an audit entry.
func (a *AuditLogger) Publish(ctx context.Context, evt domain.Event) error {
	log, err := NewAuditLog(evt)
	if err != nil {
		return err
	}
	_, err = a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return err
	}
	return nil
}

// History returns a ticket's audit trail, oldest first.
func (a *AuditLogger) History(ctx context.Context, listingID, ticketID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"listing_id": listingID, "ticket_id": ticketID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
