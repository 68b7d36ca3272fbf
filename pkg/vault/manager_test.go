package vault

import (
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := fmt.Sprintf("./tmp_test_vault_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() { os.RemoveAll(dbPath) })

	m, err := NewManager(dbPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func fx(t *testing.T, s string) decimal.Fixed {
	t.Helper()
	f, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

var alice = common.HexToAddress("0xAA00000000000000000000000000000000000001")

func TestDepositAndReserveMargin(t *testing.T) {
	m := newTestManager(t)
	if err := m.Deposit(alice, fx(t, "1000")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	orderID := uuid.New()
	if err := m.ReserveMargin(orderID, alice, "GOLD-USD", fx(t, "100")); err != nil {
		t.Fatalf("ReserveMargin: %v", err)
	}
	acc := m.GetAccount(alice)
	if !acc.AvailableBalance().Equal(fx(t, "900")) {
		t.Fatalf("expected available 900, got %s", acc.AvailableBalance())
	}
	if err := m.ReserveMargin(uuid.New(), alice, "GOLD-USD", fx(t, "2000")); err == nil {
		t.Fatalf("expected insufficient margin rejection")
	}
}

func TestReleaseMarginAfterCancel(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, fx(t, "1000"))
	orderID := uuid.New()
	m.ReserveMargin(orderID, alice, "GOLD-USD", fx(t, "100"))
	if err := m.ReleaseMargin(orderID); err != nil {
		t.Fatalf("ReleaseMargin: %v", err)
	}
	acc := m.GetAccount(alice)
	if !acc.AvailableBalance().Equal(fx(t, "1000")) {
		t.Fatalf("expected full release, available=%s", acc.AvailableBalance())
	}
}

// TestPartialFillKeepsUnfilledPortionLocked is the direct regression test
// for the margin-release fix: filling half an order must only release
// half its reserved margin, not the whole reservation.
func TestPartialFillKeepsUnfilledPortionLocked(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, fx(t, "1000"))
	orderID := uuid.New()
	// 2.0 qty @ unit margin 50 => 100 total reserved.
	if err := m.ReserveMargin(orderID, alice, "GOLD-USD", fx(t, "100")); err != nil {
		t.Fatalf("ReserveMargin: %v", err)
	}

	if err := m.SettleFill(FillSide{
		OrderID: orderID, Trader: alice, Symbol: "GOLD-USD", Side: 1,
		Qty: fx(t, "1.0"), Price: fx(t, "100"), FeeBps: 0, ReservedUnit: fx(t, "50"),
	}); err != nil {
		t.Fatalf("SettleFill: %v", err)
	}

	acc := m.GetAccount(alice)
	if !acc.LockedForOrders.Equal(fx(t, "50")) {
		t.Fatalf("expected 50 still locked against the unfilled half, got %s", acc.LockedForOrders)
	}
	if !acc.LockedForPositions.Equal(fx(t, "50")) {
		t.Fatalf("expected 50 moved into position margin, got %s", acc.LockedForPositions)
	}
	pos := acc.GetPosition("GOLD-USD")
	if pos == nil || !pos.Size.Equal(fx(t, "1.0")) {
		t.Fatalf("expected position size 1.0, got %+v", pos)
	}
}

func TestBridgeCreditNotWithdrawableDuringChallengeWindow(t *testing.T) {
	m := newTestManager(t)
	var txHash [32]byte
	txHash[0] = 1
	if err := m.CreditFromBridge(alice, fx(t, "500"), txHash, 1000); err != nil {
		t.Fatalf("CreditFromBridge: %v", err)
	}
	if err := m.Withdraw(alice, fx(t, "500"), 1100); err == nil {
		t.Fatalf("expected withdrawal to be rejected inside the challenge window")
	}
	if err := m.Withdraw(alice, fx(t, "500"), 1000+BridgeCreditChallengeSeconds+1); err != nil {
		t.Fatalf("expected withdrawal to succeed after the challenge window: %v", err)
	}
}

func TestBridgeCreditIsIdempotentOnTxHash(t *testing.T) {
	m := newTestManager(t)
	var txHash [32]byte
	txHash[0] = 7
	if err := m.CreditFromBridge(alice, fx(t, "10"), txHash, 0); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if err := m.CreditFromBridge(alice, fx(t, "10"), txHash, 0); err != nil {
		t.Fatalf("expected duplicate bridge credit to be absorbed without error, got %v", err)
	}
	acc := m.GetAccount(alice)
	if !acc.Balance.Equal(fx(t, "10")) {
		t.Fatalf("expected balance credited exactly once, got %s", acc.Balance)
	}
}

func TestSettleLiquidationSocializesDeficitToInsuranceFund(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, fx(t, "100"))
	orderID := uuid.New()
	m.ReserveMargin(orderID, alice, "GOLD-USD", fx(t, "100"))
	m.SettleFill(FillSide{
		OrderID: orderID, Trader: alice, Symbol: "GOLD-USD", Side: 1,
		Qty: fx(t, "100"), Price: fx(t, "10"), FeeBps: 0, ReservedUnit: fx(t, "1"),
	})
	// Mark price collapses, position now deeply underwater.
	deficit, err := m.SettleLiquidation(alice, map[string]decimal.Fixed{"GOLD-USD": fx(t, "1")})
	if err != nil {
		t.Fatalf("SettleLiquidation: %v", err)
	}
	if !deficit.IsPositive() {
		t.Fatalf("expected a positive deficit, got %s", deficit)
	}
	if !m.InsuranceFundBalance().Equal(deficit.Neg()) {
		t.Fatalf("expected insurance fund debited by the deficit, got %s", m.InsuranceFundBalance())
	}
	acc := m.GetAccount(alice)
	if !acc.Balance.IsZero() {
		t.Fatalf("expected balance floored at zero after liquidation, got %s", acc.Balance)
	}
}

func TestCheckMarginRequirementRejectsOversizedPosition(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, fx(t, "200000000"))
	m.GetAccount(alice) // ensure cached before RLock-only check

	creator := common.HexToAddress("0xCC00000000000000000000000000000000000001")
	id := market.DeriveMarketID("GOLD-USD", creator, 1)
	mkt, err := market.New("GOLD-USD", creator, id, market.DefaultGOLDUSD())
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}

	if err := m.CheckMarginRequirement(alice, mkt, fx(t, "100"), mkt.MaxPosition.Add(fx(t, "1"))); err == nil {
		t.Fatalf("expected position-size cap rejection")
	}
}
