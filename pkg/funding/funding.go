// Package funding implements the funding rate accountant (C5): every
// funding interval it samples mark vs. index price per market and debits
// longs / credits shorts the resulting payment.
package funding

import (
	"sync"

	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

// Accountant tracks the last-applied funding timestamp per market so a
// missed interval (e.g. during an outage) is caught up exactly once,
// time-weighted, rather than skipped or double-applied.
type Accountant struct {
	mu          sync.Mutex
	lastApplied map[string]int64
}

func NewAccountant() *Accountant {
	return &Accountant{lastApplied: make(map[string]int64)}
}

// Rate computes clamp((mark-index)/index, -cap, +cap) for one market at
// one instant.
func Rate(mark, index decimal.Fixed, capBps int64) decimal.Fixed {
	if index.IsZero() {
		return decimal.Zero()
	}
	raw := mark.Sub(index).Div(index)
	bound := decimal.FromInt(capBps).Div(decimal.FromInt(10000))
	if raw.GT(bound) {
		return bound
	}
	if raw.LT(bound.Neg()) {
		return bound.Neg()
	}
	return raw
}

// Tick applies funding for mkt if at least one full funding_interval has
// elapsed since the last application, time-weighting the payment by the
// number of whole intervals caught up in one call. It never applies the
// same window twice: last_applied_ts only ever advances by whole
// intervals, so a caller invoking Tick more often than the interval is a
// safe no-op between intervals.
func (a *Accountant) Tick(mkt *market.Market, vaultMgr *vault.Manager, now int64) (decimal.Fixed, int64, error) {
	intervalSeconds := int64(mkt.FundingInterval.Seconds())
	if intervalSeconds <= 0 {
		return decimal.Zero(), 0, nil
	}

	a.mu.Lock()
	last, ok := a.lastApplied[mkt.Symbol]
	if !ok {
		last = now
		a.lastApplied[mkt.Symbol] = last
		a.mu.Unlock()
		return decimal.Zero(), 0, nil
	}
	elapsed := now - last
	periods := elapsed / intervalSeconds
	if periods < 1 {
		a.mu.Unlock()
		return decimal.Zero(), 0, nil
	}
	a.lastApplied[mkt.Symbol] = last + periods*intervalSeconds
	a.mu.Unlock()

	rate := Rate(mkt.MarkPrice, mkt.IndexPrice, mkt.MaxFundingRateBps)
	weighted := rate.Mul(decimal.FromInt(periods))

	for _, acc := range vaultMgr.ListAccounts() {
		pos := acc.GetPosition(mkt.Symbol)
		if pos == nil || pos.Size.IsZero() {
			continue
		}
		notional := pos.Notional(mkt.MarkPrice)
		payment := weighted.Mul(notional)
		if pos.IsShort() {
			payment = payment.Neg()
		}
		if err := vaultMgr.ApplyFunding(acc.Address, payment); err != nil {
			return weighted, periods, err
		}
	}
	return weighted, periods, nil
}
