package funding

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

func fx(t *testing.T, s string) decimal.Fixed {
	t.Helper()
	f, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func newTestVault(t *testing.T) *vault.Manager {
	t.Helper()
	dbPath := fmt.Sprintf("./tmp_test_funding_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() { os.RemoveAll(dbPath) })
	m, err := vault.NewManager(dbPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRateClampsToCap(t *testing.T) {
	rate := Rate(fx(t, "110"), fx(t, "100"), 75) // raw = 10% >> 0.75% cap
	if !rate.Equal(fx(t, "0.0075")) {
		t.Fatalf("expected clamp to 0.0075, got %s", rate)
	}
	rate = Rate(fx(t, "90"), fx(t, "100"), 75)
	if !rate.Equal(fx(t, "-0.0075")) {
		t.Fatalf("expected clamp to -0.0075, got %s", rate)
	}
}

func TestFirstTickSeedsBaselineWithoutCharging(t *testing.T) {
	a := NewAccountant()
	vm := newTestVault(t)
	mkt := testMarket(t)
	_, periods, err := a.Tick(mkt, vm, 1000)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if periods != 0 {
		t.Fatalf("expected the first tick to only seed a baseline, got %d periods", periods)
	}
}

func TestLongPaysShortWhenMarkAboveIndex(t *testing.T) {
	a := NewAccountant()
	vm := newTestVault(t)
	mkt := testMarket(t)
	mkt.MarkPrice = fx(t, "110")
	mkt.IndexPrice = fx(t, "100")

	alice := common.HexToAddress("0xA1")
	bob := common.HexToAddress("0xB2")
	vm.Deposit(alice, fx(t, "10000"))
	vm.Deposit(bob, fx(t, "10000"))
	vm.ReserveMargin(uuid.New(), alice, mkt.Symbol, fx(t, "1000"))
	vm.ReserveMargin(uuid.New(), bob, mkt.Symbol, fx(t, "1000"))
	vm.SettleFill(vault.FillSide{Trader: alice, Symbol: mkt.Symbol, Side: 1, Qty: fx(t, "1"), Price: fx(t, "100"), ReservedUnit: fx(t, "100")})
	vm.SettleFill(vault.FillSide{Trader: bob, Symbol: mkt.Symbol, Side: -1, Qty: fx(t, "1"), Price: fx(t, "100"), ReservedUnit: fx(t, "100")})

	a.Tick(mkt, vm, 0) // seed baseline
	a.Tick(mkt, vm, int64(mkt.FundingInterval/time.Second))

	aliceBal := vm.GetAccount(alice).Balance
	bobBal := vm.GetAccount(bob).Balance
	if !aliceBal.LT(fx(t, "10000")) {
		t.Fatalf("expected long to pay funding, balance=%s", aliceBal)
	}
	if !bobBal.GT(fx(t, "10000")) {
		t.Fatalf("expected short to receive funding, balance=%s", bobBal)
	}
}

func testMarket(t *testing.T) *market.Market {
	t.Helper()
	creator := common.HexToAddress("0xCC00000000000000000000000000000000000001")
	id := market.DeriveMarketID("GOLD-USD", creator, 1)
	m, err := market.New("GOLD-USD", creator, id, market.DefaultGOLDUSD())
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	return m
}
