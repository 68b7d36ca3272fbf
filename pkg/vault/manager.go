package vault

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/apperr"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
)

// BridgeCreditChallengeSeconds is how long a bridge deposit must sit
// before it becomes withdrawable, guarding against a source-chain reorg.
const BridgeCreditChallengeSeconds = 3600

// Manager is the thread-safe in-memory cache + Pebble persistence layer
// for every trader's ledger. It fixes the one-shot margin release bug: a
// reservation is only ever consumed in proportion to the quantity that
// actually filled, and the rest stays locked against the resting order
// until it fills further, is cancelled, or expires.
type Manager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	store    *Store

	reservations reservationTable

	insuranceFund decimal.Fixed
}

func NewManager(dbPath string) (*Manager, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	fundRaw, err := store.LoadInsuranceFund()
	if err != nil {
		return nil, err
	}
	fund, err := decimal.Parse(fundRaw)
	if err != nil {
		fund = decimal.Zero()
	}
	return &Manager{
		accounts:      make(map[common.Address]*Account),
		store:         store,
		reservations:  make(reservationTable),
		insuranceFund: fund,
	}, nil
}

func (m *Manager) Close() error { return m.store.Close() }

func (m *Manager) getOrLoadLocked(addr common.Address) *Account {
	if acc, ok := m.accounts[addr]; ok {
		return acc
	}
	acc, err := m.store.LoadAccount(addr)
	if err != nil || acc == nil {
		acc = NewAccount(addr)
	}
	m.accounts[addr] = acc
	return acc
}

func (m *Manager) GetAccount(addr common.Address) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrLoadLocked(addr)
}

// Deposit adds freely-withdrawable collateral, e.g. an operator credit or
// test fixture seed; bridge deposits must go through CreditFromBridge so
// the challenge window is honored.
func (m *Manager) Deposit(addr common.Address, amount decimal.Fixed) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, "deposit amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	acc.Balance = acc.Balance.Add(amount)
	return m.store.SaveAccount(acc)
}

// CreditFromBridge applies a deposit observed by the event ingestion
// pipeline (C9). It is idempotent on txHash: a replayed event is a no-op.
func (m *Manager) CreditFromBridge(addr common.Address, amount decimal.Fixed, txHash [32]byte, now int64) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, "bridge credit amount must be positive")
	}
	seen, err := m.store.HasBridgeCredit(addr, txHash)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	acc.Balance = acc.Balance.Add(amount)
	credit := BridgeCredit{TxHash: txHash, Amount: amount, ClearAt: now + BridgeCreditChallengeSeconds}
	acc.BridgeCredits = append(acc.BridgeCredits, credit)
	if err := m.store.SaveBridgeCredit(addr, credit); err != nil {
		return err
	}
	return m.store.SaveAccount(acc)
}

// ReconcilePosition overwrites a trader's position in symbol to match an
// on-chain observation from the event ingestion pipeline (C9), used when
// the chain is the source of truth for open/close/liquidate events
// rather than this engine's own fills. It does not touch Balance or
// LockedForOrders; only the position's size, entry price and allocated
// margin are corrected to the observed values.
func (m *Manager) ReconcilePosition(addr common.Address, symbol string, size, entryPrice, margin decimal.Fixed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	pos := acc.GetPosition(symbol)
	if pos == nil {
		pos = &Position{Symbol: symbol}
		acc.Positions[symbol] = pos
	}
	acc.LockedForPositions = acc.LockedForPositions.Sub(pos.Margin).Add(margin)
	if acc.LockedForPositions.IsNegative() {
		acc.LockedForPositions = decimal.Zero()
	}
	pos.Size = size
	pos.EntryPrice = entryPrice
	pos.Margin = margin
	if pos.Size.IsZero() {
		pos.EntryPrice = decimal.Zero()
		pos.Margin = decimal.Zero()
	}
	return m.store.SaveAccount(acc)
}

// Withdraw debits withdrawable collateral, rejecting any amount still
// inside a bridge credit's challenge window.
func (m *Manager) Withdraw(addr common.Address, amount decimal.Fixed, now int64) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, "withdraw amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	withdrawable := acc.WithdrawableBalance(now)
	if withdrawable.LT(amount) {
		if acc.AvailableBalance().GTE(amount) {
			return apperr.New(apperr.KindInsufficient, apperr.CodeBridgedCreditNonWithdrawable, "funds are still inside the bridge challenge window")
		}
		return apperr.New(apperr.KindInsufficient, apperr.CodeInsufficientMargin, "insufficient available balance")
	}
	acc.Balance = acc.Balance.Sub(amount)
	return m.store.SaveAccount(acc)
}

// ReserveMargin locks margin against a newly-admitted order. The
// reservation is tracked independently per order so a partial fill can
// later release exactly the consumed share.
func (m *Manager) ReserveMargin(orderID uuid.UUID, addr common.Address, symbol string, amount decimal.Fixed) error {
	if amount.IsNegative() {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, "reservation amount cannot be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	if acc.AvailableBalance().LT(amount) {
		return apperr.New(apperr.KindInsufficient, apperr.CodeInsufficientMargin, "insufficient available balance to reserve margin")
	}
	acc.LockedForOrders = acc.LockedForOrders.Add(amount)
	m.reservations[orderID] = &reservation{trader: addr, symbol: symbol, amount: amount}
	return m.store.SaveAccount(acc)
}

// ReleaseMargin releases whatever remains of an order's reservation, used
// when an order is cancelled, rejected, or expires.
func (m *Manager) ReleaseMargin(orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[orderID]
	if !ok {
		return nil // nothing reserved (e.g. a MARKET order that never rested)
	}
	acc := m.getOrLoadLocked(res.trader)
	acc.LockedForOrders = acc.LockedForOrders.Sub(res.amount)
	if acc.LockedForOrders.IsNegative() {
		acc.LockedForOrders = decimal.Zero()
	}
	delete(m.reservations, orderID)
	return m.store.SaveAccount(acc)
}

// consumeReservationLocked releases exactly `amount` of an order's outstanding
// reservation (used as a fill consumes a slice of the order), leaving the
// rest locked for the remainder of the order's life. This is the fix for
// the release-everything-on-every-fill bug: a partially filled order
// keeps the unfilled portion's margin locked until it fills further,
// cancels, or expires.
func (m *Manager) consumeReservationLocked(orderID uuid.UUID, amount decimal.Fixed) {
	res, ok := m.reservations[orderID]
	if !ok {
		return
	}
	take := decimal.Min(amount, res.amount)
	res.amount = res.amount.Sub(take)
	if res.amount.IsZero() {
		delete(m.reservations, orderID)
	}
}

// FillSide describes which side of a trade an account is on, needed to
// apply fees and position direction for a single SettleFill call.
type FillSide struct {
	OrderID      uuid.UUID
	Trader       common.Address
	Symbol       string
	Side         int8 // +1 buy, -1 sell
	Qty          decimal.Fixed
	Price        decimal.Fixed
	FeeBps       int64
	ReservedUnit decimal.Fixed // the per-unit margin that was reserved at order placement
}

// SettleFill applies one matched fill to a trader's position and margin
// accounting: moves the filled portion's margin from the order reservation
// into the position's margin bucket, updates VWAP entry price, realizes
// PnL on any reduction, and applies the trading fee.
func (m *Manager) SettleFill(f FillSide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(f.Trader)

	sizeDelta := f.Qty
	if f.Side < 0 {
		sizeDelta = sizeDelta.Neg()
	}
	marginDelta := f.ReservedUnit.Mul(f.Qty)
	m.consumeReservationLocked(f.OrderID, marginDelta)
	acc.LockedForOrders = acc.LockedForOrders.Sub(marginDelta)
	if acc.LockedForOrders.IsNegative() {
		acc.LockedForOrders = decimal.Zero()
	}

	pos, ok := acc.Positions[f.Symbol]
	if !ok {
		pos = &Position{Symbol: f.Symbol}
		acc.Positions[f.Symbol] = pos
	}
	applyFillToPosition(acc, pos, sizeDelta, f.Price, marginDelta)

	fee := f.Price.Mul(f.Qty).MulBps(f.FeeBps)
	acc.Balance = acc.Balance.Sub(fee)
	if fee.IsPositive() {
		acc.TotalFeesPaid = acc.TotalFeesPaid.Add(fee)
	} else {
		acc.TotalFeesEarned = acc.TotalFeesEarned.Add(fee.Neg())
	}
	acc.TotalVolume = acc.TotalVolume.Add(f.Price.Mul(f.Qty))
	acc.TradeCount++

	return m.store.SaveAccount(acc)
}

// applyFillToPosition mirrors the VWAP/realize logic used throughout the
// stack, generalized to decimal.Fixed and to Manager's independent
// position-margin bucket.
func applyFillToPosition(acc *Account, pos *Position, sizeDelta, price, marginDelta decimal.Fixed) {
	oldSize := pos.Size
	newSize := oldSize.Add(sizeDelta)

	sameDirection := (oldSize.GTE(decimal.Zero()) && newSize.GTE(decimal.Zero())) ||
		(oldSize.LTE(decimal.Zero()) && newSize.LTE(decimal.Zero()))

	switch {
	case newSize.IsZero():
		realized := price.Sub(pos.EntryPrice).Mul(oldSize)
		acc.RealizedPnL = acc.RealizedPnL.Add(realized)
		acc.Balance = acc.Balance.Add(realized)
		acc.LockedForPositions = acc.LockedForPositions.Sub(pos.Margin)
		pos.Size = decimal.Zero()
		pos.EntryPrice = decimal.Zero()
		pos.Margin = decimal.Zero()

	case sameDirection:
		if oldSize.IsZero() {
			pos.EntryPrice = price
		} else {
			oldAbs := oldSize.Abs()
			deltaAbs := sizeDelta.Abs()
			newAbs := newSize.Abs()
			pos.EntryPrice = pos.EntryPrice.Mul(oldAbs).Add(price.Mul(deltaAbs)).Div(newAbs)
		}
		pos.Size = newSize
		pos.Margin = pos.Margin.Add(marginDelta)
		acc.LockedForPositions = acc.LockedForPositions.Add(marginDelta)

	default:
		oldAbs := oldSize.Abs()
		deltaAbs := sizeDelta.Abs()
		closedSize := decimal.Min(oldAbs, deltaAbs)
		realized := price.Sub(pos.EntryPrice).Mul(closedSize)
		if oldSize.IsNegative() {
			realized = realized.Neg()
		}
		acc.RealizedPnL = acc.RealizedPnL.Add(realized)
		acc.Balance = acc.Balance.Add(realized)

		flipped := (oldSize.IsPositive() && newSize.IsNegative()) || (oldSize.IsNegative() && newSize.IsPositive())
		pos.Size = newSize
		if newSize.IsZero() {
			acc.LockedForPositions = acc.LockedForPositions.Sub(pos.Margin)
			pos.EntryPrice = decimal.Zero()
			pos.Margin = decimal.Zero()
		} else if flipped {
			acc.LockedForPositions = acc.LockedForPositions.Sub(pos.Margin).Add(marginDelta)
			pos.EntryPrice = price
			pos.Margin = marginDelta
		} else {
			pos.Margin = pos.Margin.Add(marginDelta)
			acc.LockedForPositions = acc.LockedForPositions.Add(marginDelta)
		}
	}
}

// CheckMarginRequirement validates that opening sizeDelta more of a
// position at price satisfies initial margin and position-size bounds.
func (m *Manager) CheckMarginRequirement(addr common.Address, mkt *market.Market, price, sizeDelta decimal.Fixed) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "account not found")
	}
	required := mkt.RequiredInitialMargin(price, sizeDelta.Abs())
	if acc.AvailableBalance().LT(required) {
		return apperr.New(apperr.KindInsufficient, apperr.CodeInsufficientMargin, "insufficient available margin")
	}
	pos := acc.GetPosition(mkt.Symbol)
	newSize := sizeDelta.Abs()
	if pos != nil {
		newSize = pos.Size.Add(sizeDelta).Abs()
	}
	if newSize.GT(mkt.MaxPosition) {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, "position would exceed max size")
	}
	return nil
}

// CheckLiquidation reports whether a trader's equity (the margin held by
// open positions plus their unrealized PnL) has fallen below their
// aggregate maintenance margin requirement.
func (m *Manager) CheckLiquidation(addr common.Address, markets map[string]*market.Market, markPrices map[string]decimal.Fixed) (bool, decimal.Fixed, decimal.Fixed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return false, decimal.Zero(), decimal.Zero(), apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "account not found")
	}
	if len(acc.Positions) == 0 {
		return false, acc.Balance, decimal.Zero(), nil
	}
	equity := decimal.Zero()
	requiredMM := decimal.Zero()
	for symbol, pos := range acc.Positions {
		if pos.Size.IsZero() {
			continue
		}
		mkt, ok := markets[symbol]
		if !ok {
			continue
		}
		mark, ok := markPrices[symbol]
		if !ok {
			mark = pos.EntryPrice
		}
		equity = equity.Add(pos.Margin).Add(pos.UnrealizedPnL(mark))
		requiredMM = requiredMM.Add(mkt.RequiredMaintenanceMargin(mark, pos.Size.Abs()))
	}
	return equity.LT(requiredMM), equity, requiredMM, nil
}

// SettleLiquidation force-closes every open position for addr at the
// supplied mark prices, realizing PnL and releasing all position margin.
// Any resulting negative balance is socialized into the insurance fund
// and the account balance floored at zero.
func (m *Manager) SettleLiquidation(addr common.Address, markPrices map[string]decimal.Fixed) (deficit decimal.Fixed, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return decimal.Zero(), apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "account not found")
	}
	for symbol, pos := range acc.Positions {
		if pos.Size.IsZero() {
			continue
		}
		mark, ok := markPrices[symbol]
		if !ok {
			mark = pos.EntryPrice
		}
		realized := mark.Sub(pos.EntryPrice).Mul(pos.Size)
		acc.RealizedPnL = acc.RealizedPnL.Add(realized)
		acc.Balance = acc.Balance.Add(realized)
		acc.LockedForPositions = acc.LockedForPositions.Sub(pos.Margin)
		pos.Size = decimal.Zero()
		pos.EntryPrice = decimal.Zero()
		pos.Margin = decimal.Zero()
	}
	if acc.LockedForPositions.IsNegative() {
		acc.LockedForPositions = decimal.Zero()
	}
	deficit = decimal.Zero()
	if acc.Balance.IsNegative() {
		deficit = acc.Balance.Neg()
		acc.Balance = decimal.Zero()
		m.insuranceFund = m.insuranceFund.Sub(deficit)
		if err := m.store.SaveInsuranceFund(m.insuranceFund.String()); err != nil {
			return deficit, err
		}
	}
	if err := m.store.SaveAccount(acc); err != nil {
		return deficit, err
	}
	return deficit, nil
}

// ApplyFunding debits or credits a trader's balance by the funding
// payment computed by the funding accountant (C5): positive `payment`
// means the trader pays, negative means the trader receives.
func (m *Manager) ApplyFunding(addr common.Address, payment decimal.Fixed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.getOrLoadLocked(addr)
	acc.Balance = acc.Balance.Sub(payment)
	return m.store.SaveAccount(acc)
}

func (m *Manager) InsuranceFundBalance() decimal.Fixed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.insuranceFund
}

// CreditInsuranceFund tops up the fund, e.g. from a protocol fee split.
func (m *Manager) CreditInsuranceFund(amount decimal.Fixed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insuranceFund = m.insuranceFund.Add(amount)
	return m.store.SaveInsuranceFund(m.insuranceFund.String())
}

func (m *Manager) ListAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	return out
}

func (m *Manager) WarmCache() error {
	accounts, err := m.store.LoadAllAccounts()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range accounts {
		m.accounts[acc.Address] = acc
	}
	return nil
}
