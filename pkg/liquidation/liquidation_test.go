package liquidation

import (
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
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
	dbPath := fmt.Sprintf("./tmp_test_liquidation_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() { os.RemoveAll(dbPath) })
	m, err := vault.NewManager(dbPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// s4Market builds the spec's S4 scenario market: 10x leverage, 5%
// maintenance margin, GOLD-USD.
func s4Market(t *testing.T) *market.Market {
	t.Helper()
	creator := common.HexToAddress("0xCC00000000000000000000000000000000000002")
	id := market.DeriveMarketID("GOLD-USD", creator, 1)
	tick := fx(t, "0.01")
	lot := fx(t, "0.01")
	params := market.CustomPerpetual(tick, lot, 10)
	params.BaseAsset = "GOLD"
	params.QuoteAsset = "USD"
	params.MaintenanceMarginBps = 500 // 5%, matching S4 exactly
	params.StartingPrice = fx(t, "100")
	m, err := market.New("GOLD-USD", creator, id, params)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	m.Status = market.Active
	m.MarkPrice = fx(t, "100")
	m.IndexPrice = fx(t, "100")
	return m
}

type fakeBooks struct {
	books map[string]*orderbook.OrderBook
}

func (f *fakeBooks) Get(symbol string) (*orderbook.OrderBook, bool) {
	b, ok := f.books[symbol]
	return b, ok
}

func newFakeBooks(symbols ...string) *fakeBooks {
	f := &fakeBooks{books: make(map[string]*orderbook.OrderBook)}
	for _, s := range symbols {
		f.books[s] = orderbook.NewOrderBook(s)
	}
	return f
}

func newTestRegistry(t *testing.T, mkt *market.Market) *market.Registry {
	t.Helper()
	r := market.NewRegistry()
	if err := r.Register(mkt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

// TestS4NotLiquidatableAboveMaintenanceMargin mirrors spec.md §8's S4:
// long 10.0 @ entry 100, reserved 100 margin (10x), mark 94.95 keeps
// equity above the 5% maintenance requirement.
func TestS4NotLiquidatableAboveMaintenanceMargin(t *testing.T) {
	vm := newTestVault(t)
	mkt := s4Market(t)
	trader := common.HexToAddress("0xA11CE00000000000000000000000000000001")

	vm.Deposit(trader, fx(t, "1000"))
	orderID := uuid.New()
	vm.ReserveMargin(orderID, trader, mkt.Symbol, fx(t, "100"))
	if err := vm.SettleFill(vault.FillSide{
		OrderID: orderID, Trader: trader, Symbol: mkt.Symbol,
		Side: 1, Qty: fx(t, "10"), Price: fx(t, "100"), ReservedUnit: fx(t, "10"),
	}); err != nil {
		t.Fatalf("SettleFill: %v", err)
	}

	mkt.MarkPrice = fx(t, "94.95")
	liquidatable, equity, mmr, err := vm.CheckLiquidation(trader,
		map[string]*market.Market{mkt.Symbol: mkt},
		map[string]decimal.Fixed{mkt.Symbol: mkt.MarkPrice})
	if err != nil {
		t.Fatalf("CheckLiquidation: %v", err)
	}
	if liquidatable {
		t.Fatalf("expected not liquidatable at mark 94.95, equity=%s mmr=%s", equity, mmr)
	}
}

// TestS4LiquidatesAndClosesAtMarkWithFee continues S4: at mark 94.00 the
// position is liquidatable, the engine closes it fully against resting
// book liquidity, charges liquidation_fee_bps, and zeroes the position.
func TestS4LiquidatesAndClosesAtMarkWithFee(t *testing.T) {
	vm := newTestVault(t)
	mkt := s4Market(t)
	trader := common.HexToAddress("0xA11CE00000000000000000000000000000002")
	maker := common.HexToAddress("0xFEED000000000000000000000000000000001")

	vm.Deposit(trader, fx(t, "1000"))
	vm.Deposit(maker, fx(t, "100000"))
	orderID := uuid.New()
	vm.ReserveMargin(orderID, trader, mkt.Symbol, fx(t, "100"))
	vm.SettleFill(vault.FillSide{
		OrderID: orderID, Trader: trader, Symbol: mkt.Symbol,
		Side: 1, Qty: fx(t, "10"), Price: fx(t, "100"), ReservedUnit: fx(t, "10"),
	})

	mkt.MarkPrice = fx(t, "94.00")
	mkt.IndexPrice = fx(t, "94.00")

	books := newFakeBooks(mkt.Symbol)
	book, _ := books.Get(mkt.Symbol)
	// liquidation closes the long by selling, so it needs a resting BUY
	// to cross into.
	restingBuyForClose(t, book, mkt, maker, "94.00", "10")

	registry := newTestRegistry(t, mkt)
	queue := NewQueue(100)
	now := int64(10_000)
	engine := NewEngine(queue, vm, registry, books, 1, func() int64 { return now })

	liquidatable, equity, mmr, err := vm.CheckLiquidation(trader,
		map[string]*market.Market{mkt.Symbol: mkt},
		map[string]decimal.Fixed{mkt.Symbol: mkt.MarkPrice})
	if err != nil || !liquidatable {
		t.Fatalf("expected liquidatable at mark 94.00, equity=%s mmr=%s err=%v", equity, mmr, err)
	}

	queue.Push(&Job{Trader: trader, Symbol: mkt.Symbol, Reason: "maintenance_margin_breach", EarliestRunAt: now})
	job, ok := queue.Pop(now)
	if !ok {
		t.Fatalf("expected a ready job")
	}
	engine.process(job)

	acc := vm.GetAccount(trader)
	pos := acc.GetPosition(mkt.Symbol)
	if pos != nil && !pos.Size.IsZero() {
		t.Fatalf("expected position fully closed, size=%s", pos.Size)
	}
	if acc.LockedForPositions.IsPositive() {
		t.Fatalf("expected reserved margin released, locked=%s", acc.LockedForPositions)
	}
	// starting balance 1000, reserved 100 became position margin on open,
	// loss of 60 plus liquidation fee should leave balance below 1000.
	if !acc.Balance.LT(fx(t, "1000")) {
		t.Fatalf("expected balance to reflect a realized loss, got %s", acc.Balance)
	}
}

func restingBuyForClose(t *testing.T, book *orderbook.OrderBook, mkt *market.Market, maker common.Address, price, qty string) {
	t.Helper()
	order := &orderbook.Order{
		ID:     uuid.New(),
		Trader: maker,
		Symbol: mkt.Symbol,
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		TIF:    orderbook.GTC,
		Price:  fx(t, price),
		Qty:    fx(t, qty),
	}
	if _, err := book.Place(order, mkt, 0); err != nil {
		t.Fatalf("place resting buy: %v", err)
	}
}

// TestProcessSkipsStaleJobAfterRecovery verifies the state-drift path:
// if the account is no longer liquidatable by the time a worker pulls
// the job (e.g. mark price recovered), process is a silent no-op.
func TestProcessSkipsStaleJobAfterRecovery(t *testing.T) {
	vm := newTestVault(t)
	mkt := s4Market(t)
	trader := common.HexToAddress("0xA11CE00000000000000000000000000000003")

	vm.Deposit(trader, fx(t, "1000"))
	orderID := uuid.New()
	vm.ReserveMargin(orderID, trader, mkt.Symbol, fx(t, "100"))
	vm.SettleFill(vault.FillSide{
		OrderID: orderID, Trader: trader, Symbol: mkt.Symbol,
		Side: 1, Qty: fx(t, "10"), Price: fx(t, "100"), ReservedUnit: fx(t, "10"),
	})

	registry := newTestRegistry(t, mkt)
	books := newFakeBooks(mkt.Symbol)
	queue := NewQueue(10)
	now := int64(5000)
	engine := NewEngine(queue, vm, registry, books, 1, func() int64 { return now })

	// mark price back at entry: comfortably above maintenance.
	job := &Job{Trader: trader, Symbol: mkt.Symbol, EarliestRunAt: now}
	engine.process(job)

	acc := vm.GetAccount(trader)
	pos := acc.GetPosition(mkt.Symbol)
	if pos == nil || pos.Size.IsZero() {
		t.Fatalf("expected position untouched by a stale job, got %+v", pos)
	}
}

// TestQueueDedupesPerTraderSymbol exercises Push's re-enqueue collapse.
func TestQueueDedupesPerTraderSymbol(t *testing.T) {
	q := NewQueue(10)
	trader := common.HexToAddress("0xD00D000000000000000000000000000000001")
	q.Push(&Job{Trader: trader, Symbol: "GOLD-USD", Priority: 1, EarliestRunAt: 0})
	q.Push(&Job{Trader: trader, Symbol: "GOLD-USD", Priority: 5, EarliestRunAt: 0})
	if q.Len() != 1 {
		t.Fatalf("expected dedup to collapse to one job, got %d", q.Len())
	}
	job, ok := q.Pop(0)
	if !ok || job.Priority != 5 {
		t.Fatalf("expected the latest push to win, got %+v ok=%v", job, ok)
	}
}

// TestQueueEvictsLowestPriorityOverCapacity exercises the bounded
// backpressure behavior required by spec.md §6.
func TestQueueEvictsLowestPriorityOverCapacity(t *testing.T) {
	q := NewQueue(2)
	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	c := common.HexToAddress("0x3")
	q.Push(&Job{Trader: a, Symbol: "GOLD-USD", Priority: 10, EarliestRunAt: 0})
	q.Push(&Job{Trader: b, Symbol: "GOLD-USD", Priority: 1, EarliestRunAt: 0})
	q.Push(&Job{Trader: c, Symbol: "GOLD-USD", Priority: 20, EarliestRunAt: 0})
	if q.Len() != 2 {
		t.Fatalf("expected eviction to keep queue at MaxSize, got %d", q.Len())
	}
}
