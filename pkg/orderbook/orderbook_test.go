package orderbook

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
)

func testMarket(t *testing.T) *market.Market {
	t.Helper()
	creator := common.HexToAddress("0xAA00000000000000000000000000000000000001")
	id := market.DeriveMarketID("GOLD-USD", creator, 1)
	m, err := market.New("GOLD-USD", creator, id, market.DefaultGOLDUSD())
	if err != nil {
		t.Fatalf("New market: %v", err)
	}
	m.Status = market.Active
	return m
}

func p(t *testing.T, s string) decimal.Fixed {
	t.Helper()
	f, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func newOrder(side Side, typ OrderType, tif TIF, trader common.Address, price, qty string, t *testing.T) *Order {
	return &Order{
		ID:     uuid.New(),
		Trader: trader,
		Symbol: "GOLD-USD",
		Side:   side,
		Type:   typ,
		TIF:    tif,
		Price:  p(t, price),
		Qty:    p(t, qty),
	}
}

func TestLimitMatchPriceTimePriority(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")
	bob := common.HexToAddress("0x2")
	carol := common.HexToAddress("0x3")

	first := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(first, mkt, 1); err != nil {
		t.Fatalf("place first maker: %v", err)
	}
	second := newOrder(Sell, Limit, GTC, bob, "100.00", "1.00", t)
	if _, err := b.Place(second, mkt, 2); err != nil {
		t.Fatalf("place second maker: %v", err)
	}

	taker := newOrder(Buy, Limit, GTC, carol, "100.00", "1.50", t)
	fills, err := b.Place(taker, mkt, 3)
	if err != nil {
		t.Fatalf("place taker: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills (time priority split), got %d", len(fills))
	}
	if fills[0].MakerID != first.ID {
		t.Fatalf("expected first maker filled before second (time priority)")
	}
	if !fills[0].Qty.Equal(p(t, "1.00")) {
		t.Fatalf("expected first fill to exhaust first maker: got %s", fills[0].Qty)
	}
	if !fills[1].Qty.Equal(p(t, "0.50")) {
		t.Fatalf("expected remainder against second maker: got %s", fills[1].Qty)
	}
	if first.Status != Filled || second.Status != Partial {
		t.Fatalf("unexpected maker statuses: first=%s second=%s", first.Status, second.Status)
	}
	if taker.Status != Filled {
		t.Fatalf("expected taker filled, got %s", taker.Status)
	}
}

func TestIOCCancelsUnfilledRemainder(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")
	bob := common.HexToAddress("0x2")

	maker := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(maker, mkt, 1); err != nil {
		t.Fatalf("place maker: %v", err)
	}
	taker := newOrder(Buy, Limit, IOC, bob, "100.00", "2.00", t)
	fills, err := b.Place(taker, mkt, 2)
	if err != nil {
		t.Fatalf("place taker: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if taker.Status != Partial {
		t.Fatalf("expected IOC remainder cancelled (status Partial), got %s", taker.Status)
	}
	if _, ok := b.GetBestBid(); ok {
		t.Fatalf("IOC remainder must not rest on the book")
	}
}

func TestFOKRejectsWhenUnfillable(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")
	bob := common.HexToAddress("0x2")

	maker := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(maker, mkt, 1); err != nil {
		t.Fatalf("place maker: %v", err)
	}
	taker := newOrder(Buy, Limit, FOK, bob, "100.00", "5.00", t)
	fills, err := b.Place(taker, mkt, 2)
	if err == nil {
		t.Fatalf("expected FOK rejection")
	}
	if len(fills) != 0 {
		t.Fatalf("expected no fills on FOK rejection")
	}
	if taker.Status != Rejected {
		t.Fatalf("expected taker Rejected, got %s", taker.Status)
	}
	if maker.Status != Pending {
		t.Fatalf("maker must be untouched by a rejected FOK taker")
	}
}

func TestPostOnlyRejectsCrossingOrder(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")
	bob := common.HexToAddress("0x2")

	maker := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(maker, mkt, 1); err != nil {
		t.Fatalf("place maker: %v", err)
	}
	taker := newOrder(Buy, Limit, GTC, bob, "100.00", "1.00", t)
	taker.PostOnly = true
	_, err := b.Place(taker, mkt, 2)
	if err == nil {
		t.Fatalf("expected post-only crossing order to be rejected")
	}
	if taker.Status != Rejected {
		t.Fatalf("expected Rejected, got %s", taker.Status)
	}
}

func TestSelfTradePreventionCancelsRestingMaker(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")

	maker := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(maker, mkt, 1); err != nil {
		t.Fatalf("place maker: %v", err)
	}
	taker := newOrder(Buy, Limit, GTC, alice, "100.00", "1.00", t)
	fills, err := b.Place(taker, mkt, 2)
	if err != nil {
		t.Fatalf("place taker: %v", err)
	}
	if len(fills) != 1 || !fills[0].IsMakerCancelled {
		t.Fatalf("expected a self-trade-prevention cancellation, got %+v", fills)
	}
	if maker.Status != Cancelled {
		t.Fatalf("expected resting maker cancelled, got %s", maker.Status)
	}
	// taker had no opposing liquidity left and must rest as a new maker.
	if taker.Status != Pending {
		t.Fatalf("expected taker resting after self-trade skip, got %s", taker.Status)
	}
}

func TestStopMarketTriggersOnMarkCross(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")
	bob := common.HexToAddress("0x2")

	liquidity := newOrder(Sell, Limit, GTC, alice, "101.00", "1.00", t)
	if _, err := b.Place(liquidity, mkt, 1); err != nil {
		t.Fatalf("place liquidity: %v", err)
	}

	stop := newOrder(Buy, StopMarket, GTC, bob, "0", "1.00", t)
	stop.StopPrice = p(t, "100.50")
	if _, err := b.Place(stop, mkt, 2); err != nil {
		t.Fatalf("place stop: %v", err)
	}
	if stop.Status != Pending {
		t.Fatalf("stop order should wait untriggered, got %s", stop.Status)
	}

	fills := b.CheckStopTriggers(p(t, "100.75"), mkt, 3)
	if len(fills) != 1 {
		t.Fatalf("expected triggered stop to fill against resting liquidity, got %d fills", len(fills))
	}
	if stop.Status != Filled {
		t.Fatalf("expected triggered stop-market fully filled, got %s", stop.Status)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")

	o := newOrder(Sell, Limit, GTC, alice, "100.00", "1.00", t)
	if _, err := b.Place(o, mkt, 1); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := b.Cancel(o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != Cancelled {
		t.Fatalf("expected Cancelled, got %s", o.Status)
	}
	if _, ok := b.GetBestAsk(); ok {
		t.Fatalf("cancelled order must not remain on the book")
	}
}

func TestExpireBeforeCancelsGTDOrders(t *testing.T) {
	mkt := testMarket(t)
	b := NewOrderBook("GOLD-USD")
	alice := common.HexToAddress("0x1")

	o := newOrder(Sell, Limit, GTD, alice, "100.00", "1.00", t)
	o.ExpiryTs = 100
	if _, err := b.Place(o, mkt, 1); err != nil {
		t.Fatalf("place: %v", err)
	}
	if expired := b.ExpireBefore(50); len(expired) != 0 {
		t.Fatalf("expected nothing expired before deadline")
	}
	expired := b.ExpireBefore(150)
	if len(expired) != 1 || expired[0].ID != o.ID {
		t.Fatalf("expected order to expire at/after deadline")
	}
	if o.Status != Expired {
		t.Fatalf("expected Expired, got %s", o.Status)
	}
}
