package market

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

func newTestMarket(t *testing.T) *Market {
	t.Helper()
	creator := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	id := DeriveMarketID("GOLD-USD", creator, 1)
	m, err := New("GOLD-USD", creator, id, DefaultGOLDUSD())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func mustParse(t *testing.T, s string) decimal.Fixed {
	t.Helper()
	f, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func TestMarketValidateRejectsBadTick(t *testing.T) {
	m := newTestMarket(t)
	m.Status = Active
	bad := mustParse(t, "100.001")
	if err := m.ValidateOrder(bad, m.MinOrderSize); err == nil {
		t.Fatalf("expected tick-size violation to be rejected")
	}
}

func TestMarketValidateOrderHappyPath(t *testing.T) {
	m := newTestMarket(t)
	m.Status = Active
	qty := mustParse(t, "1.0")
	price := mustParse(t, "100.00")
	if err := m.ValidateOrder(price, qty); err != nil {
		t.Fatalf("expected valid order to pass: %v", err)
	}
}

func TestMarketRejectsOrdersWhenNotActive(t *testing.T) {
	m := newTestMarket(t) // still Draft
	qty := mustParse(t, "1.0")
	price := mustParse(t, "100.00")
	if err := m.ValidateOrder(price, qty); err == nil {
		t.Fatalf("expected draft market to reject orders")
	}
}

func TestRegistryLifecycleTransitions(t *testing.T) {
	r := NewRegistry()
	m := newTestMarket(t)
	if err := r.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(m); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := r.SetStatus(m.Symbol, Active); err == nil {
		t.Fatalf("expected Draft->Active to be rejected (must pass through Deployed)")
	}
	if err := r.SetStatus(m.Symbol, Deployed); err != nil {
		t.Fatalf("Draft->Deployed: %v", err)
	}
	if err := r.SetStatus(m.Symbol, Active); err != nil {
		t.Fatalf("Deployed->Active: %v", err)
	}
	if err := r.SetStatus(m.Symbol, Settled); err != nil {
		t.Fatalf("Active->Settled: %v", err)
	}
	if err := r.SetStatus(m.Symbol, Active); err == nil {
		t.Fatalf("expected Settled to be terminal")
	}
	if err := r.Remove(m.Symbol); err != nil {
		t.Fatalf("Remove after Settled: %v", err)
	}
}
