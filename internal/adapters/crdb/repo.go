package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

// Schema creates the tables the repository needs.
const Schema = `
CREATE TABLE IF NOT EXISTS tickets (
	listing_id     TEXT NOT NULL,
	id             TEXT NOT NULL,
	position       INT NOT NULL,
	gate           TEXT NOT NULL,
	row_label      TEXT NOT NULL,
	seat           TEXT NOT NULL,
	price          FLOAT8 NOT NULL CHECK (price >= 0),
	current_bidder TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL CHECK (state IN ('LISTED', 'BIDDING', 'SOLD_PENDING')),
	seller_id      TEXT NOT NULL DEFAULT '',
	fixed_price    BOOL NOT NULL DEFAULT false,
	starting_price FLOAT8 NOT NULL DEFAULT 0 CHECK (starting_price >= 0),
	version        INT8 NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (listing_id, id)
);
CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload_json   JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at   TIMESTAMPTZ,
	status         TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	dedupe_key     TEXT NOT NULL UNIQUE
);
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}
	return nil
}

// Seed inserts the listing's tickets. Tickets already stored keep their
// state, so restarting the service does not reset running auctions.
func (r *Repository) Seed(ctx context.Context, listing domain.Listing) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		for i, t := range listing.Tickets {
			_, err := tx.Exec(ctx, `
				INSERT INTO tickets (listing_id, id, position, gate, row_label, seat, price, current_bidder, state, seller_id, fixed_price, starting_price)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (listing_id, id) DO NOTHING
			`, listing.ID, t.ID, i, t.Gate, t.Row, t.Seat, t.Price, t.CurrentBidder, string(t.State), t.SellerID, t.FixedPrice, t.StartingPrice)
			if err != nil {
				return errors.Wrapf(err, "insert ticket %s", t.ID)
			}
		}
		return nil
	})
}

func (r *Repository) Load(ctx context.Context, listingID string) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets WHERE listing_id = $1 ORDER BY position ASC
	`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
	}
	return tickets, nil
}

func (r *Repository) Get(ctx context.Context, listingID, ticketID string) (domain.Ticket, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets WHERE listing_id = $1 AND id = $2
	`, listingID, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrTicketNotFound, "ticket %s in listing %s", ticketID, listingID)
	}
	return t, err
}

const ticketColumns = "id, gate, row_label, seat, price, current_bidder, state, seller_id, fixed_price, starting_price, version"

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	var state string
	err := row.Scan(&t.ID, &t.Gate, &t.Row, &t.Seat, &t.Price, &t.CurrentBidder, &state,
		&t.SellerID, &t.FixedPrice, &t.StartingPrice, &t.Version)
	t.State = domain.TicketState(state)
	return t, err
}

// Save writes the ticket and its events to the outbox in one transaction.
func (r *Repository) Save(ctx context.Context, listingID string, t domain.Ticket, evts []domain.Event) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE tickets
			SET price = $3, current_bidder = $4, state = $5, version = version + 1, updated_at = now()
			WHERE listing_id = $1 AND id = $2 AND version = $6
		`, listingID, t.ID, t.Price, t.CurrentBidder, string(t.State), t.Version)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			if _, err := r.getTx(ctx, tx, listingID, t.ID); err != nil {
				return err
			}
			return errors.Wrapf(domain.ErrConflict, "ticket %s changed since version %d", t.ID, t.Version)
		}
		return r.insertEvents(ctx, tx, evts)
	})
}

// Add appends a ticket after the listing's existing ones.
func (r *Repository) Add(ctx context.Context, listingID string, t domain.Ticket, evts []domain.Event) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var position *int
		if err := tx.QueryRow(ctx, `SELECT max(position) FROM tickets WHERE listing_id = $1`, listingID).Scan(&position); err != nil {
			return err
		}
		if position == nil {
			return errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
		}
		result, err := tx.Exec(ctx, `
			INSERT INTO tickets (listing_id, id, position, gate, row_label, seat, price, current_bidder, state, seller_id, fixed_price, starting_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (listing_id, id) DO NOTHING
		`, listingID, t.ID, *position+1, t.Gate, t.Row, t.Seat, t.Price, t.CurrentBidder, string(t.State), t.SellerID, t.FixedPrice, t.StartingPrice)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrConflict, "ticket %s already in listing %s", t.ID, listingID)
		}
		return r.insertEvents(ctx, tx, evts)
	})
}

func (r *Repository) insertEvents(ctx context.Context, tx pgx.Tx, evts []domain.Event) error {
	for _, evt := range evts {
		rec, err := NewOutboxRecord(evt)
		if err != nil {
			return err
		}
		if err := r.InsertOutbox(ctx, tx, rec); err != nil {
			return errors.Wrapf(err, "insert outbox %s", evt.Type)
		}
	}
	return nil
}

func (r *Repository) getTx(ctx context.Context, tx pgx.Tx, listingID, ticketID string) (domain.Ticket, error) {
	t, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets WHERE listing_id = $1 AND id = $2
	`, listingID, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrTicketNotFound, "ticket %s in listing %s", ticketID, listingID)
	}
	return t, err
}
