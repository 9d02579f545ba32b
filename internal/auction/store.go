package auction

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/domain"
)

// Store keeps ticket state for listings. Save writes t only if the stored
// version still equals t.Version, bumping it by one, and otherwise fails with
// domain.ErrConflict. A successful Save is visible to the next Get. evts are
// the changes that produced t; stores with an outbox persist them atomically
// with the ticket. Add appends a new ticket to a listing and fails with
// domain.ErrConflict when the id is taken.
type Store interface {
	Load(ctx context.Context, listingID string) ([]domain.Ticket, error)
	Get(ctx context.Context, listingID, ticketID string) (domain.Ticket, error)
	Save(ctx context.Context, listingID string, t domain.Ticket, evts []domain.Event) error
	Add(ctx context.Context, listingID string, t domain.Ticket, evts []domain.Event) error
}

// Seeder is implemented by stores that need tickets written before use.
type Seeder interface {
	Seed(ctx context.Context, listing domain.Listing) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	order   map[string][]string
	tickets map[string]map[string]domain.Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		order:   make(map[string][]string),
		tickets: make(map[string]map[string]domain.Ticket),
	}
}

func (s *MemoryStore) Seed(ctx context.Context, listing domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[listing.ID]; ok {
		return nil
	}
	byID := make(map[string]domain.Ticket, len(listing.Tickets))
	ids := make([]string, 0, len(listing.Tickets))
	for _, t := range listing.Tickets {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	s.tickets[listing.ID] = byID
	s.order[listing.ID] = ids
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, listingID string) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.tickets[listingID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
	}
	out := make([]domain.Ticket, 0, len(byID))
	for _, id := range s.order[listingID] {
		out = append(out, byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, listingID, ticketID string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[listingID][ticketID]
	if !ok {
		return domain.Ticket{}, errors.Wrapf(domain.ErrTicketNotFound, "ticket %s in listing %s", ticketID, listingID)
	}
	return t, nil
}

func (s *MemoryStore) Save(ctx context.Context, listingID string, t domain.Ticket, _ []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tickets[listingID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
	}
	cur, ok := byID[t.ID]
	if !ok {
		return errors.Wrapf(domain.ErrTicketNotFound, "ticket %s in listing %s", t.ID, listingID)
	}
	if cur.Version != t.Version {
		return errors.Wrapf(domain.ErrConflict, "ticket %s at version %d, have %d", t.ID, cur.Version, t.Version)
	}
	t.Version++
	byID[t.ID] = t
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, listingID string, t domain.Ticket, _ []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tickets[listingID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
	}
	if _, dup := byID[t.ID]; dup {
		return errors.Wrapf(domain.ErrConflict, "ticket %s already in listing %s", t.ID, listingID)
	}
	t.Version = 0
	byID[t.ID] = t
	s.order[listingID] = append(s.order[listingID], t.ID)
	return nil
}
