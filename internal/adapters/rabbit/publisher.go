package rabbit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-auctions/internal/domain"
)

const Exchange = "auction.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	return p.ch.PublishWithContext(ctx, Exchange, key, false, false, msg)
}

// EventMessage encodes a domain event for the exchange. The event type is the
// routing key.
func EventMessage(evt domain.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, errors.Wrapf(err, "marshal %s", evt.Type)
	}
	return amqp.Publishing{
		MessageId:    uuid.New().String(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.OccurredAt,
		Type:         evt.Type,
		Body:         body,
	}, nil
}

// Sink publishes engine events straight to the exchange. Used when tickets
// live in memory and there is no outbox to relay from.
type Sink struct {
	pub *Publisher
}

func NewSink(pub *Publisher) *Sink {
	return &Sink{pub: pub}
}

func (s *Sink) Publish(ctx context.Context, evt domain.Event) error {
	msg, err := EventMessage(evt)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, evt.Type, msg)
}
