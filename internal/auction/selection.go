package auction

import (
	"context"
	"sync"
)

// Selections holds the per-session ticket choice for each listing.
type Selections interface {
	Select(ctx context.Context, sessionID, listingID, ticketID string) error
	Selected(ctx context.Context, sessionID, listingID string) (string, bool, error)
	Clear(ctx context.Context, sessionID, listingID string) error
}

type selectionKey struct {
	session string
	listing string
}

type MemorySelections struct {
	mu  sync.Mutex
	sel map[selectionKey]string
}

func NewMemorySelections() *MemorySelections {
	return &MemorySelections{sel: make(map[selectionKey]string)}
}

func (m *MemorySelections) Select(ctx context.Context, sessionID, listingID, ticketID string) error {
	m.mu.Lock()
	m.sel[selectionKey{sessionID, listingID}] = ticketID
	m.mu.Unlock()
	return nil
}

func (m *MemorySelections) Selected(ctx context.Context, sessionID, listingID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sel[selectionKey{sessionID, listingID}]
	return id, ok, nil
}

func (m *MemorySelections) Clear(ctx context.Context, sessionID, listingID string) error {
	m.mu.Lock()
	delete(m.sel, selectionKey{sessionID, listingID})
	m.mu.Unlock()
	return nil
}
