package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// Registry is the catalogue of all markets known to the node.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a new DRAFT market. Symbols are unique and immutable.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("market %s not found", symbol)
	}
	return m, nil
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.markets[symbol]
	return ok
}

func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) ListActive() []*Market {
	all := r.List()
	out := make([]*Market, 0, len(all))
	for _, m := range all {
		if m.Status == Active {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// validTransitions encodes the DRAFT -> DEPLOYED -> ACTIVE lifecycle, with
// ACTIVE <-> PAUSED, and both ACTIVE and PAUSED able to move to SETTLED.
// SETTLED is terminal: no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	Draft:    {Deployed: true},
	Deployed: {Active: true},
	Active:   {Paused: true, Settled: true},
	Paused:   {Active: true, Settled: true},
	Settled:  {},
}

func validateStatusTransition(from, to Status) error {
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("invalid market status transition %s -> %s", from, to)
	}
	return nil
}

// SetStatus transitions a market's status, enforcing the lifecycle graph.
func (r *Registry) SetStatus(symbol string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	if err := validateStatusTransition(m.Status, to); err != nil {
		return err
	}
	m.Status = to
	return nil
}

// Remove deletes a market from the registry; only permitted once SETTLED,
// so history isn't lost while a market is still economically relevant.
func (r *Registry) Remove(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	if m.Status != Settled {
		return fmt.Errorf("cannot remove market %s: status is %s, must be Settled", symbol, m.Status)
	}
	delete(r.markets, symbol)
	return nil
}

// UpdatePrices sets the mark and index price used by funding and
// liquidation scans.
func (r *Registry) UpdatePrices(symbol string, mark, index decimal.Fixed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	m.MarkPrice = mark
	m.IndexPrice = index
	return nil
}
