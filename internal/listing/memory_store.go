package listing

import (
	"context"
	"sort"
	"sync"

	"github.com/trueque-io/trueque/internal/pagination"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []*Listing
	for _, l := range m.listings {
		if l.Status != StatusOpen {
			continue
		}
		if after != nil && !beforeCursor(l, after) {
			continue
		}
		cp := *l
		open = append(open, &cp)
	}
	// Newest first, ID as tiebreaker so pagination is stable.
	sort.Slice(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.After(open[j].CreatedAt)
		}
		return open[i].ID > open[j].ID
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

// beforeCursor reports whether l belongs to a page after the cursor
// position in (created_at DESC, id DESC) order.
func beforeCursor(l *Listing, c *pagination.Cursor) bool {
	if !l.CreatedAt.Equal(c.CreatedAt) {
		return l.CreatedAt.Before(c.CreatedAt)
	}
	return l.ID < c.ID
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	return m.list(limit, func(l *Listing) bool { return l.OwnerID == ownerID })
}

func (m *MemoryStore) list(limit int, match func(*Listing) bool) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if match(l) {
			cp := *l
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
