package auction

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/domain"
)

// Registry holds one engine per listing.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	engines map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

func (r *Registry) Add(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.ListingID()
	if _, ok := r.engines[id]; ok {
		return errors.Wrapf(domain.ErrConflict, "listing %s already registered", id)
	}
	r.engines[id] = e
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(listingID string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[listingID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "listing %s", listingID)
	}
	return e, nil
}

// All returns engines in registration order.
func (r *Registry) All() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}
