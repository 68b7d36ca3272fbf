package liquidation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/apperr"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

// DefaultSlippageCapBps bounds how far a liquidation market order may
// walk the book before the remainder is re-queued, per spec.md §4.4's
// 5% default liquidation_slippage_cap.
const DefaultSlippageCapBps = 500

// backoff returns the exponential, capped retry delay for a given
// attempt count, in the style of the teacher's pacemaker view timers
// (fixed base doubled per attempt, capped so a flapping job never waits
// indefinitely).
func backoff(attempt int) time.Duration {
	base := time.Second
	d := base << uint(attempt)
	const maxBackoff = 2 * time.Minute
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Books resolves a market's live order book for a liquidation close.
type Books interface {
	Get(symbol string) (*orderbook.OrderBook, bool)
}

// Engine is the bounded worker pool that drains the liquidation Queue.
type Engine struct {
	Queue   *Queue
	Vault   *vault.Manager
	Markets *market.Registry
	Books   Books
	Workers int
	OnFatal func(job *Job, err error) // escalation hook: alert + halt, never silently dropped
	nowFn    func() int64
	stopCh   chan struct{}
}

func NewEngine(q *Queue, vaultMgr *vault.Manager, markets *market.Registry, books Books, workers int, nowFn func() int64) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		Queue:   q,
		Vault:   vaultMgr,
		Markets: markets,
		Books:   books,
		Workers: workers,
		nowFn:   nowFn,
		stopCh:  make(chan struct{}),
	}
}

// ScanMarket evaluates every position in mkt against the supplied mark
// price and enqueues any that fall below maintenance margin, per
// spec.md §4.4 step 1.
func (e *Engine) ScanMarket(mkt *market.Market) {
	now := e.nowFn()
	markPrices := map[string]decimal.Fixed{mkt.Symbol: mkt.MarkPrice}
	markets := map[string]*market.Market{mkt.Symbol: mkt}
	for _, acc := range e.Vault.ListAccounts() {
		pos := acc.GetPosition(mkt.Symbol)
		if pos == nil || pos.Size.IsZero() {
			continue
		}
		liquidatable, equity, mmr, err := e.Vault.CheckLiquidation(acc.Address, markets, markPrices)
		if err != nil || !liquidatable {
			continue
		}
		priority := int64(0)
		if mmr.IsPositive() {
			priority = mmr.Sub(equity).Div(mmr).MulBps(10000).Raw().Int64() / 1e14 // scale 18d bps ratio to a small int
		}
		e.Queue.Push(&Job{
			Trader:        acc.Address,
			Symbol:        mkt.Symbol,
			Reason:        "maintenance_margin_breach",
			Priority:      priority,
			EarliestRunAt: now,
		})
	}
}

// Run starts Workers goroutines draining the queue until ctx is
// cancelled; each worker polls at pollInterval when the queue has
// nothing immediately ready.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	for i := 0; i < e.Workers; i++ {
		go e.workerLoop(ctx, pollInterval)
	}
}

func (e *Engine) workerLoop(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			job, ok := e.Queue.Pop(e.nowFn())
			if !ok {
				continue
			}
			e.process(job)
		}
	}
}

func (e *Engine) Stop() { close(e.stopCh) }

// process re-verifies liquidatability and, if still underwater, closes
// the position at the current book with a slippage bound, per spec.md
// §4.4 steps 2-4. Errors are classified three ways: state-drift (job is
// done, no longer liquidatable, nothing to do), transient (re-queued
// with exponential backoff), and fatal (escalated via OnFatal, never
// silently dropped).
func (e *Engine) process(job *Job) {
	mkt, err := e.Markets.Get(job.Symbol)
	if err != nil {
		e.escalate(job, err)
		return
	}
	markPrices := map[string]decimal.Fixed{job.Symbol: mkt.MarkPrice}
	markets := map[string]*market.Market{job.Symbol: mkt}

	liquidatable, _, _, err := e.Vault.CheckLiquidation(job.Trader, markets, markPrices)
	if err != nil {
		e.classifyAndHandle(job, err)
		return
	}
	if !liquidatable {
		return // state-drift: already closed or recovered, job is done
	}

	acc := e.Vault.GetAccount(job.Trader)
	pos := acc.GetPosition(job.Symbol)
	if pos == nil || pos.Size.IsZero() {
		return // already closed
	}

	book, ok := e.Books.Get(job.Symbol)
	if !ok {
		e.escalate(job, apperr.New(apperr.KindFatal, apperr.CodeBookInvariantBroken, "no order book for market"))
		return
	}

	closeOrder := buildCloseOrder(job.Trader, pos, mkt)
	fills, err := book.Place(closeOrder, mkt, e.nowFn())
	if err != nil && len(fills) == 0 {
		e.classifyAndHandle(job, err)
		return
	}

	for _, f := range fills {
		if f.IsMakerCancelled {
			continue
		}
		side := int8(1)
		if closeOrder.Side == orderbook.Sell {
			side = -1
		}
		settleErr := e.Vault.SettleFill(vault.FillSide{
			OrderID:      closeOrder.ID,
			Trader:       job.Trader,
			Symbol:       job.Symbol,
			Side:         side,
			Qty:          f.Qty,
			Price:        f.Price,
			FeeBps:       mkt.LiquidationFeeBps,
			ReservedUnit: decimal.Zero(), // liquidation closes; no new reservation to release
		})
		if settleErr != nil {
			e.escalate(job, settleErr)
			return
		}
	}

	if !closeOrder.Remaining().IsZero() {
		job.Attempt++
		job.EarliestRunAt = e.nowFn() + int64(backoff(job.Attempt).Seconds())
		e.Queue.Push(job)
	}
}

// buildCloseOrder builds the MARKET order that closes pos entirely,
// opposite its current direction, bounded by the market's slippage cap.
func buildCloseOrder(trader common.Address, pos *vault.Position, mkt *market.Market) *orderbook.Order {
	side := orderbook.Sell
	if pos.IsShort() {
		side = orderbook.Buy
	}
	capFrac := decimal.FromInt(DefaultSlippageCapBps).Div(decimal.FromInt(10000))
	var bound decimal.Fixed
	if side == orderbook.Sell {
		bound = mkt.MarkPrice.Mul(decimal.FromInt(1).Sub(capFrac))
	} else {
		bound = mkt.MarkPrice.Mul(decimal.FromInt(1).Add(capFrac))
	}
	return &orderbook.Order{
		ID:            uuid.New(),
		Trader:        trader,
		Symbol:        mkt.Symbol,
		Side:          side,
		Type:          orderbook.Market,
		TIF:           orderbook.IOC,
		Qty:           pos.Size.Abs(),
		SlippageBound: bound,
	}
}

func (e *Engine) classifyAndHandle(job *Job, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindTransient:
		job.Attempt++
		job.EarliestRunAt = e.nowFn() + int64(backoff(job.Attempt).Seconds())
		e.Queue.Push(job)
	case apperr.KindValidation, apperr.KindInsufficient, apperr.KindConflict:
		// state-drift: nothing more to do for this job.
	default:
		e.escalate(job, err)
	}
}

func (e *Engine) escalate(job *Job, err error) {
	if e.OnFatal != nil {
		e.OnFatal(job, err)
	}
}
