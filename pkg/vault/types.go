// Package vault implements the margin ledger and position engine (C3/C4):
// per-trader balances, order-level margin reservations, and perpetual
// positions with volume-weighted entry price and realized PnL.
package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// BridgeCredit records one deposit received from the chain bridge. It is
// usable for trading immediately but not withdrawable until ClearAt, so a
// reorg of the source chain can still be absorbed without the funds
// having already left the exchange.
type BridgeCredit struct {
	TxHash  [32]byte
	Amount  decimal.Fixed
	ClearAt int64 // unix ts after which this credit may be withdrawn
}

// Position is one trader's open exposure in a single market.
type Position struct {
	Symbol string

	// Size is signed: positive is long, negative is short, in base units.
	Size decimal.Fixed

	// EntryPrice is the size-weighted average entry price.
	EntryPrice decimal.Fixed

	// Margin is the initial margin currently allocated to this position,
	// separate from LockedForOrders on the parent account.
	Margin decimal.Fixed
}

func (p *Position) IsFlat() bool  { return p.Size.IsZero() }
func (p *Position) IsLong() bool  { return p.Size.IsPositive() }
func (p *Position) IsShort() bool { return p.Size.IsNegative() }

func (p *Position) Notional(price decimal.Fixed) decimal.Fixed {
	return p.Size.Abs().Mul(price)
}

// UnrealizedPnL is (markPrice - entryPrice) * size; the sign of Size
// already accounts for long/short.
func (p *Position) UnrealizedPnL(markPrice decimal.Fixed) decimal.Fixed {
	if p.Size.IsZero() {
		return decimal.Zero()
	}
	return markPrice.Sub(p.EntryPrice).Mul(p.Size)
}

// Account is one trader's full ledger state.
type Account struct {
	Address common.Address

	Balance decimal.Fixed // total collateral, including amounts locked below; AvailableBalance subtracts them

	LockedForOrders    decimal.Fixed // sum of open order margin reservations
	LockedForPositions decimal.Fixed // sum of open position margins

	Positions     map[string]*Position
	BridgeCredits []BridgeCredit

	RealizedPnL     decimal.Fixed
	TotalFeesPaid   decimal.Fixed
	TotalFeesEarned decimal.Fixed
	TotalVolume     decimal.Fixed
	TradeCount      int64
}

func NewAccount(addr common.Address) *Account {
	return &Account{
		Address:            addr,
		Balance:            decimal.Zero(),
		LockedForOrders:    decimal.Zero(),
		LockedForPositions: decimal.Zero(),
		Positions:          make(map[string]*Position),
		RealizedPnL:        decimal.Zero(),
		TotalFeesPaid:      decimal.Zero(),
		TotalFeesEarned:    decimal.Zero(),
		TotalVolume:        decimal.Zero(),
	}
}

// AvailableBalance is what remains for new order margin reservations.
func (a *Account) AvailableBalance() decimal.Fixed {
	return a.Balance.Sub(a.LockedForOrders).Sub(a.LockedForPositions)
}

// WithdrawableBalance excludes bridge credit still inside its challenge
// window, per the BridgedCreditNonWithdrawable invariant.
func (a *Account) WithdrawableBalance(now int64) decimal.Fixed {
	pending := decimal.Zero()
	for _, c := range a.BridgeCredits {
		if now < c.ClearAt {
			pending = pending.Add(c.Amount)
		}
	}
	avail := a.AvailableBalance()
	withdrawable := avail.Sub(pending)
	if withdrawable.IsNegative() {
		return decimal.Zero()
	}
	return withdrawable
}

func (a *Account) GetPosition(symbol string) *Position {
	return a.Positions[symbol]
}

// TotalEquity is balance plus unrealized PnL across all open positions,
// mark-to-market against the supplied prices.
func (a *Account) TotalEquity(markPrices map[string]decimal.Fixed) decimal.Fixed {
	equity := a.Balance
	for symbol, pos := range a.Positions {
		if pos.Size.IsZero() {
			continue
		}
		mark, ok := markPrices[symbol]
		if !ok {
			mark = pos.EntryPrice
		}
		equity = equity.Add(pos.UnrealizedPnL(mark))
	}
	return equity
}

// reservation tracks one order's locked margin so it can be released or
// partially consumed without ever touching another order's share.
type reservation struct {
	trader common.Address
	symbol string
	amount decimal.Fixed
}

// OrderID-keyed reservation table; kept in memory in the Manager and not
// persisted, so reservations do not survive a restart.
type reservationTable map[uuid.UUID]*reservation
