package rabbit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
)

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// NewConsumer declares a durable queue bound to the event exchange for the
// given routing keys.
func NewConsumer(conn *amqp.Connection, queue string, keys ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s to %s", queue, key)
		}
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

// Handler processes one decoded event.
type Handler interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Run hands every delivery to h until ctx ends. Undecodable messages are
// dropped; handler failures are requeued once.
func (c *Consumer) Run(ctx context.Context, h Handler, logger observability.Logger) error {
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			handleDelivery(ctx, d, h, logger)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, logger observability.Logger) {
	var evt domain.Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		logger.WithField("message_id", d.MessageId).Error("failed to decode event: ", err)
		d.Nack(false, false)
		return
	}
	if err := h.Publish(ctx, evt); err != nil {
		logger.WithField("message_id", d.MessageId).Error("failed to handle event: ", err)
		d.Nack(false, !d.Redelivered)
		return
	}
	d.Ack(false)
}
