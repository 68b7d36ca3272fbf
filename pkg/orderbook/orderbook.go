package orderbook

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/apperr"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
)

// level is one price's FIFO maker queue.
type level struct {
	price  decimal.Fixed
	orders []*Order
}

func priceKey(p decimal.Fixed) string { return p.Raw().String() }

// OrderBook is a single market's price-time priority book. Methods are
// safe for concurrent use.
type OrderBook struct {
	mu sync.Mutex

	Symbol string

	bids    map[string]*level
	asks    map[string]*level
	bidHeap maxPriceHeap
	askHeap minPriceHeap

	orders map[uuid.UUID]*Order

	stopBuys  []*Order // pending STOP_LIMIT/STOP_MARKET, triggers when mark >= StopPrice
	stopSells []*Order // triggers when mark <= StopPrice

	expiry expiryHeap

	lastPrice decimal.Fixed
	seq       uint64
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   make(map[string]*level),
		asks:   make(map[string]*level),
		orders: make(map[uuid.UUID]*Order),
	}
}

func (b *OrderBook) nextSeq() uint64 {
	b.seq++
	return b.seq
}

// Place admits a new order and attempts to match it, per spec.md §4.1.
// The returned fills are already reflected in both orders' FilledQty and
// Status; callers are responsible for settling them against the vault.
func (b *OrderBook) Place(o *Order, mkt *market.Market, now int64) ([]Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Type == Limit || o.Type == Iceberg || o.Type == StopLimit {
		if err := mkt.ValidateOrder(o.Price, o.Qty); err != nil {
			o.Status = Rejected
			return nil, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidPrice, "order failed market validation", err)
		}
	} else {
		if mkt.Status != market.Active {
			o.Status = Rejected
			return nil, apperr.New(apperr.KindValidation, apperr.CodeMarketPaused, "market is not active")
		}
		if err := mkt.ValidateOrderSize(o.Qty); err != nil {
			o.Status = Rejected
			return nil, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidQty, "order failed size validation", err)
		}
	}

	o.CreatedTs = now
	o.UpdatedTs = now
	o.Status = Pending
	o.seq = b.nextSeq()

	if o.Type == StopLimit || o.Type == StopMarket {
		if o.Side == Buy {
			b.stopBuys = append(b.stopBuys, o)
		} else {
			b.stopSells = append(b.stopSells, o)
		}
		b.orders[o.ID] = o
		return nil, nil
	}

	if o.PostOnly && b.wouldCross(o) {
		o.Status = Rejected
		return nil, apperr.New(apperr.KindValidation, apperr.CodePostOnlyCross, "post-only order would cross the book")
	}

	if o.TIF == FOK && !b.canFillFully(o) {
		o.Status = Rejected
		return nil, apperr.New(apperr.KindValidation, apperr.CodeFOKUnfillable, "insufficient resting liquidity to fill order")
	}

	fills := b.match(o)

	if o.Remaining().IsZero() {
		o.Status = Filled
		delete(b.orders, o.ID)
		return fills, nil
	}

	switch {
	case o.Type == Market || o.Type == StopMarket:
		// market orders never rest; whatever can't fill is cancelled.
		if o.FilledQty.IsPositive() {
			o.Status = Partial
		} else {
			o.Status = Cancelled
		}
	case o.TIF == IOC || o.TIF == FOK:
		if o.FilledQty.IsPositive() {
			o.Status = Partial
		} else {
			o.Status = Cancelled
		}
	default:
		if o.FilledQty.IsPositive() {
			o.Status = Partial
		}
		b.insert(o)
		if o.TIF == GTD && o.ExpiryTs > 0 {
			heap.Push(&b.expiry, expiryEntry{deadline: o.ExpiryTs, orderID: o.ID})
		}
		return fills, nil
	}
	delete(b.orders, o.ID)
	return fills, nil
}

// wouldCross reports whether o, if matched now, would take liquidity
// immediately (used for the POST_ONLY admission check).
func (b *OrderBook) wouldCross(o *Order) bool {
	if o.Side == Buy {
		best, ok := b.bestAskLocked()
		return ok && o.Price.GTE(best)
	}
	best, ok := b.bestBidLocked()
	return ok && o.Price.LTE(best)
}

// canFillFully sums resting opposing liquidity within o's price bound to
// approve FOK orders; it treats iceberg hidden quantity as available,
// since a full-size taker will walk through every slice of a level.
func (b *OrderBook) canFillFully(o *Order) bool {
	need := o.Remaining()
	if o.Side == Buy {
		total := decimal.Zero()
		for _, lv := range b.asks {
			if o.Type != Market && o.Price.LT(lv.price) {
				continue
			}
			for _, mk := range lv.orders {
				if mk.Trader == o.Trader {
					continue
				}
				total = total.Add(mk.Remaining())
			}
		}
		return total.GTE(need)
	}
	total := decimal.Zero()
	for _, lv := range b.bids {
		if o.Type != Market && o.Price.GT(lv.price) {
			continue
		}
		for _, mk := range lv.orders {
			if mk.Trader == o.Trader {
				continue
			}
			total = total.Add(mk.Remaining())
		}
	}
	return total.GTE(need)
}

// match walks the opposing side of the book, filling o against resting
// makers in price-time priority until o is exhausted, the book runs out
// of crossable liquidity, or a slippage bound stops a MARKET order.
func (b *OrderBook) match(o *Order) []Fill {
	var fills []Fill
	for !o.Remaining().IsZero() {
		best, ok := b.peekOpposite(o.Side)
		if !ok {
			break
		}
		if !b.crosses(o, best) {
			break
		}
		lv := b.levelAt(o.Side.opposite(), best)
		if lv == nil || len(lv.orders) == 0 {
			b.removeEmptyLevel(o.Side.opposite(), best)
			continue
		}

		i := 0
		for i < len(lv.orders) && !o.Remaining().IsZero() {
			maker := lv.orders[i]
			if maker.IsClosed() {
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				continue
			}
			if maker.Trader == o.Trader {
				maker.Status = Cancelled
				delete(b.orders, maker.ID)
				fills = append(fills, Fill{
					TakerID: o.ID, MakerID: maker.ID,
					TakerTrader: o.Trader, MakerTrader: maker.Trader,
					IsMakerCancelled: true,
				})
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				continue
			}

			tradeQty := decimal.Min(o.Remaining(), maker.VisibleQty())
			maker.FilledQty = maker.FilledQty.Add(tradeQty)
			o.FilledQty = o.FilledQty.Add(tradeQty)
			b.lastPrice = best

			fills = append(fills, Fill{
				TakerID: o.ID, MakerID: maker.ID,
				TakerTrader: o.Trader, MakerTrader: maker.Trader,
				Price: best, Qty: tradeQty,
			})

			if maker.Remaining().IsZero() {
				maker.Status = Filled
				delete(b.orders, maker.ID)
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				continue
			}
			maker.Status = Partial
			if maker.Type == Iceberg {
				// visible slice exhausted but hidden size remains: resubmit
				// to the back of the queue, forfeiting time priority.
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				lv.orders = append(lv.orders, maker)
				continue
			}
			i++
		}

		if len(lv.orders) == 0 {
			b.removeEmptyLevel(o.Side.opposite(), best)
		}
	}
	return fills
}

func (s Side) opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (b *OrderBook) crosses(taker *Order, oppositeBest decimal.Fixed) bool {
	if taker.Type == Market || taker.Type == StopMarket {
		if !taker.SlippageBound.IsZero() {
			if taker.Side == Buy && oppositeBest.GT(taker.SlippageBound) {
				return false
			}
			if taker.Side == Sell && oppositeBest.LT(taker.SlippageBound) {
				return false
			}
		}
		return true
	}
	if taker.Side == Buy {
		return taker.Price.GTE(oppositeBest)
	}
	return taker.Price.LTE(oppositeBest)
}

func (b *OrderBook) peekOpposite(takerSide Side) (decimal.Fixed, bool) {
	if takerSide == Buy {
		return b.bestAskLocked()
	}
	return b.bestBidLocked()
}

func (b *OrderBook) levelAt(side Side, price decimal.Fixed) *level {
	if side == Buy {
		return b.bids[priceKey(price)]
	}
	return b.asks[priceKey(price)]
}

func (b *OrderBook) removeEmptyLevel(side Side, price decimal.Fixed) {
	key := priceKey(price)
	if side == Buy {
		delete(b.bids, key)
	} else {
		delete(b.asks, key)
	}
}

// insert rests o in the book at its limit price, creating the price
// level if needed and pushing the price onto the lazy-deletion heap.
func (b *OrderBook) insert(o *Order) {
	b.orders[o.ID] = o
	key := priceKey(o.Price)
	if o.Side == Buy {
		lv, ok := b.bids[key]
		if !ok {
			lv = &level{price: o.Price}
			b.bids[key] = lv
			heap.Push(&b.bidHeap, o.Price)
		}
		lv.orders = append(lv.orders, o)
		return
	}
	lv, ok := b.asks[key]
	if !ok {
		lv = &level{price: o.Price}
		b.asks[key] = lv
		heap.Push(&b.askHeap, o.Price)
	}
	lv.orders = append(lv.orders, o)
}

// bestBidLocked pops stale (now-empty) prices off the bid heap and
// returns the current best bid.
func (b *OrderBook) bestBidLocked() (decimal.Fixed, bool) {
	for b.bidHeap.Len() > 0 {
		top := b.bidHeap.Peek()
		if _, ok := b.bids[priceKey(top)]; ok {
			return top, true
		}
		heap.Pop(&b.bidHeap)
	}
	return decimal.Zero(), false
}

func (b *OrderBook) bestAskLocked() (decimal.Fixed, bool) {
	for b.askHeap.Len() > 0 {
		top := b.askHeap.Peek()
		if _, ok := b.asks[priceKey(top)]; ok {
			return top, true
		}
		heap.Pop(&b.askHeap)
	}
	return decimal.Zero(), false
}

// Cancel removes a resting or pending-stop order from the book.
func (b *OrderBook) Cancel(orderID uuid.UUID) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelLocked(orderID)
}

func (b *OrderBook) cancelLocked(orderID uuid.UUID) (*Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "order not found")
	}
	if o.IsClosed() {
		return nil, apperr.New(apperr.KindConflict, apperr.CodeOrderAlreadyTerminal, "order already in a terminal state")
	}
	if o.Type == StopLimit || o.Type == StopMarket {
		b.removeStop(o)
	} else {
		b.removeResting(o)
	}
	o.Status = Cancelled
	delete(b.orders, orderID)
	return o, nil
}

func (b *OrderBook) removeResting(o *Order) {
	lv := b.levelAt(o.Side, o.Price)
	if lv == nil {
		return
	}
	for i, cur := range lv.orders {
		if cur.ID == o.ID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			break
		}
	}
	if len(lv.orders) == 0 {
		b.removeEmptyLevel(o.Side, o.Price)
	}
}

func (b *OrderBook) removeStop(o *Order) {
	list := &b.stopBuys
	if o.Side == Sell {
		list = &b.stopSells
	}
	for i, cur := range *list {
		if cur.ID == o.ID {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// Modify cancels and replaces a resting order's price/quantity. Time
// priority is preserved only when the price is unchanged and the new
// quantity does not exceed the old one; otherwise the order goes to the
// back of its new price level, matching the teacher's own loss-of-priority
// convention for any qty increase or price change.
func (b *OrderBook) Modify(orderID uuid.UUID, newPrice, newQty decimal.Fixed, mkt *market.Market, now int64) ([]Fill, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return nil, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "order not found")
	}
	if o.IsClosed() {
		b.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, apperr.CodeOrderAlreadyTerminal, "order already in a terminal state")
	}
	samePriority := o.Price.Equal(newPrice) && newQty.LTE(o.Qty) && (o.Type == Limit || o.Type == Iceberg)
	if samePriority {
		o.Qty = newQty
		o.UpdatedTs = now
		if o.Remaining().IsZero() {
			o.Status = Filled
			b.removeResting(o)
			delete(b.orders, o.ID)
		}
		b.mu.Unlock()
		return nil, nil
	}
	b.removeResting(o)
	delete(b.orders, o.ID)
	b.mu.Unlock()

	o.Price = newPrice
	o.Qty = newQty
	o.FilledQty = decimal.Zero()
	o.Status = Pending
	return b.Place(o, mkt, now)
}

// CheckStopTriggers scans pending stop orders against the latest mark
// price, activating any whose trigger condition is now satisfied and
// routing them through the normal matching path.
func (b *OrderBook) CheckStopTriggers(markPrice decimal.Fixed, mkt *market.Market, now int64) []Fill {
	b.mu.Lock()
	var triggered []*Order
	remaining := b.stopBuys[:0]
	for _, o := range b.stopBuys {
		if markPrice.GTE(o.StopPrice) {
			triggered = append(triggered, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	b.stopBuys = remaining

	remainingSell := b.stopSells[:0]
	for _, o := range b.stopSells {
		if markPrice.LTE(o.StopPrice) {
			triggered = append(triggered, o)
		} else {
			remainingSell = append(remainingSell, o)
		}
	}
	b.stopSells = remainingSell
	for _, o := range triggered {
		delete(b.orders, o.ID) // re-added inside Place
	}
	b.mu.Unlock()

	var fills []Fill
	for _, o := range triggered {
		if o.Type == StopLimit {
			o.Type = Limit
		} else {
			o.Type = Market
		}
		f, _ := b.Place(o, mkt, now)
		fills = append(fills, f...)
	}
	return fills
}

// ExpireBefore cancels and returns every GTD order whose deadline has
// passed.
func (b *OrderBook) ExpireBefore(now int64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []*Order
	for b.expiry.Len() > 0 && b.expiry[0].deadline <= now {
		entry := heap.Pop(&b.expiry).(expiryEntry)
		o, ok := b.orders[entry.orderID]
		if !ok || o.IsClosed() {
			continue
		}
		b.removeResting(o)
		o.Status = Expired
		delete(b.orders, o.ID)
		expired = append(expired, o)
	}
	return expired
}

func (b *OrderBook) GetBestBid() (decimal.Fixed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bestBidLocked()
}

func (b *OrderBook) GetBestAsk() (decimal.Fixed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bestAskLocked()
}

func (b *OrderBook) GetMidPrice() (decimal.Fixed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, okB := b.bestBidLocked()
	ask, okA := b.bestAskLocked()
	if !okB || !okA {
		return decimal.Zero(), false
	}
	return bid.Add(ask).Div(decimal.FromInt(2)), true
}

func (b *OrderBook) GetSpread() (decimal.Fixed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, okB := b.bestBidLocked()
	ask, okA := b.bestAskLocked()
	if !okB || !okA {
		return decimal.Zero(), false
	}
	return ask.Sub(bid), true
}

func (b *OrderBook) GetLastPrice() decimal.Fixed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice
}

func aggregateLevels(levels map[string]*level, limit int, ascending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, lv := range levels {
		qty := decimal.Zero()
		for _, o := range lv.orders {
			qty = qty.Add(o.Remaining())
		}
		if qty.IsPositive() {
			out = append(out, PriceLevel{Price: lv.price, Qty: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LT(out[j].Price)
		}
		return out[i].Price.GT(out[j].Price)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetBidLevels returns up to limit bid price levels, best (highest) first.
func (b *OrderBook) GetBidLevels(limit int) []PriceLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return aggregateLevels(b.bids, limit, false)
}

// GetAskLevels returns up to limit ask price levels, best (lowest) first.
func (b *OrderBook) GetAskLevels(limit int) []PriceLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return aggregateLevels(b.asks, limit, true)
}

func (b *OrderBook) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}
