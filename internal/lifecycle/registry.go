// Package lifecycle owns the market registry and the state machine that
// carries each market from proposal through activation, close, and
// resolution or refund.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// Registry holds every market behind a per-market mutex. All mutation goes
// through WithMarket, which serializes instructions touching the same
// market while leaving disjoint markets free to proceed in parallel.
type Registry struct {
	mu      sync.RWMutex // guards the map, not market contents
	markets map[string]*marketEntry
}

type marketEntry struct {
	mu sync.Mutex
	m  *domain.Market
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*marketEntry)}
}

// Add registers a new market. The id must be unused.
func (r *Registry) Add(m *domain.Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("lifecycle: market %s already registered", m.ID)
	}
	r.markets[m.ID] = &marketEntry{m: m}
	return nil
}

// WithMarket runs fn with exclusive access to the market. fn must not
// perform I/O or take other market locks.
func (r *Registry) WithMarket(id string, fn func(*domain.Market) error) error {
	r.mu.RLock()
	e, ok := r.markets[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMarketNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.m)
}

// Get returns a deep copy of the market, safe for callers to keep.
func (r *Registry) Get(id string) (domain.Market, error) {
	var out domain.Market
	err := r.WithMarket(id, func(m *domain.Market) error {
		out = copyMarket(m)
		return nil
	})
	return out, err
}

// IDs returns all market ids in stable order. The sweep iterates over this
// list and locks markets one at a time.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Markets returns deep copies of every market, for snapshots.
func (r *Registry) Markets() []domain.Market {
	ids := r.IDs()
	out := make([]domain.Market, 0, len(ids))
	for _, id := range ids {
		m, err := r.Get(id)
		if err != nil {
			continue // removed between listing and copy; snapshots tolerate it
		}
		out = append(out, m)
	}
	return out
}

// Restore replaces the registry contents. The caller must have quiesced
// all writers.
func (r *Registry) Restore(markets []domain.Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets = make(map[string]*marketEntry, len(markets))
	for i := range markets {
		m := copyMarket(&markets[i])
		r.markets[m.ID] = &marketEntry{m: &m}
	}
}

// copyMarket deep-copies a market so readers never alias live state.
func copyMarket(m *domain.Market) domain.Market {
	out := *m
	out.Outcomes = append([]string(nil), m.Outcomes...)
	out.Pool.Reserves = append([]float64(nil), m.Pool.Reserves...)
	out.Pool.LPShares = make(map[string]float64, len(m.Pool.LPShares))
	for k, v := range m.Pool.LPShares {
		out.Pool.LPShares[k] = v
	}
	out.Holdings = make(map[string][]float64, len(m.Holdings))
	for k, v := range m.Holdings {
		out.Holdings[k] = append([]float64(nil), v...)
	}
	out.Deposits = make(map[string]float64, len(m.Deposits))
	for k, v := range m.Deposits {
		out.Deposits[k] = v
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
