package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-auctions/internal/adapters/crdb"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	records   []crdb.OutboxRecord
	published []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeRepo) GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error) {
	return f.records, nil
}

func (f *fakeRepo) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakePub struct {
	failKey string
	keys    []string
}

func (f *fakePub) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	if key == f.failKey {
		return errors.New("broker down")
	}
	return nil
}

func TestPublisher_Drain(t *testing.T) {
	ok := crdb.OutboxRecord{ID: uuid.New(), EventType: "bid.placed", Payload: []byte(`{}`), DedupeKey: "a", CreatedAt: time.Now()}
	bad := crdb.OutboxRecord{ID: uuid.New(), EventType: "ticket.purchased", Payload: []byte(`{}`), DedupeKey: "b", CreatedAt: time.Now()}
	repo := &fakeRepo{records: []crdb.OutboxRecord{ok, bad}}
	pub := &fakePub{failKey: "ticket.purchased"}

	p := NewPublisher(repo, pub, observability.NewLoggerWithLevel("panic"))
	p.backoff = time.Millisecond

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ok.ID}, repo.published)
	assert.Equal(t, []uuid.UUID{bad.ID}, repo.failed)
	assert.Len(t, pub.keys, 1+maxRetries)
}
