// Package market owns the market registry (C10): catalogue of tradeable
// markets, their risk parameters, and lifecycle state.
package market

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// Type distinguishes the market's settlement model.
type Type int8

const (
	Perpetual Type = iota // No expiry, has funding
	Future                // Has expiry date
	Spot                  // No leverage
)

func (mt Type) String() string {
	switch mt {
	case Perpetual:
		return "Perpetual"
	case Future:
		return "Future"
	case Spot:
		return "Spot"
	default:
		return "Unknown"
	}
}

// Status is the market lifecycle state. The valid transition graph is
// DRAFT -> DEPLOYED -> ACTIVE -> SETTLED, with ACTIVE <-> PAUSED and
// PAUSED -> SETTLED also allowed; SETTLED is terminal.
type Status int8

const (
	Draft Status = iota
	Deployed
	Active
	Paused
	Settled
)

func (s Status) String() string {
	switch s {
	case Draft:
		return "Draft"
	case Deployed:
		return "Deployed"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market holds all static and slow-moving parameters for one tradeable
// symbol (e.g. "GOLD-USD" perpetual).
type Market struct {
	MarketID   [32]byte // derived from symbol+creator+timestamp, unique
	Symbol     string   // "GOLD-USD", unique and immutable
	BaseAsset  string
	QuoteAsset string
	Type       Type
	Status     Status

	CollateralToken    common.Address
	CollateralDecimals int // e.g. 6 for USDC

	TickSize    decimal.Fixed // minimum price increment, 18d
	LotSize     decimal.Fixed // minimum qty increment, 18d
	MinNotional decimal.Fixed

	MaxLeverage          int64
	InitialMarginBps     int64
	MaintenanceMarginBps int64
	LiquidationFeeBps    int64
	TradingFeeBps        int64 // taker fee; maker fee derived via MakerFeeBps below
	MakerFeeBps          int64 // may be negative (rebate)

	FundingInterval   time.Duration
	MaxFundingRateBps int64

	MinOrderSize decimal.Fixed
	MaxOrderSize decimal.Fixed
	MaxPosition  decimal.Fixed

	StartingPrice decimal.Fixed
	MarkPrice     decimal.Fixed
	IndexPrice    decimal.Fixed

	Creator    common.Address // fixed at creation
	LaunchedAt int64          // unix ts when market became ACTIVE
}

// Params is the user-supplied subset needed to create a Market; New fills
// in the identity fields (MarketID, Creator, Status=Draft).
type Params struct {
	Type                 Type
	BaseAsset            string
	QuoteAsset           string
	CollateralToken      common.Address
	CollateralDecimals   int
	TickSize             decimal.Fixed
	LotSize              decimal.Fixed
	MinNotional          decimal.Fixed
	MaxLeverage          int64
	InitialMarginBps     int64
	MaintenanceMarginBps int64
	LiquidationFeeBps    int64
	TradingFeeBps        int64
	MakerFeeBps          int64
	FundingInterval      time.Duration
	MaxFundingRateBps    int64
	MinOrderSize         decimal.Fixed
	MaxOrderSize         decimal.Fixed
	MaxPosition          decimal.Fixed
	StartingPrice        decimal.Fixed
}

// New creates a DRAFT market from symbol + params, validating parameter
// sanity but not making it tradeable (Registry.SetStatus advances status).
func New(symbol string, creator common.Address, marketID [32]byte, params Params) (*Market, error) {
	m := &Market{
		MarketID:             marketID,
		Symbol:               symbol,
		BaseAsset:            params.BaseAsset,
		QuoteAsset:           params.QuoteAsset,
		Type:                 params.Type,
		Status:               Draft,
		CollateralToken:      params.CollateralToken,
		CollateralDecimals:   params.CollateralDecimals,
		TickSize:             params.TickSize,
		LotSize:              params.LotSize,
		MinNotional:          params.MinNotional,
		MaxLeverage:          params.MaxLeverage,
		InitialMarginBps:     params.InitialMarginBps,
		MaintenanceMarginBps: params.MaintenanceMarginBps,
		LiquidationFeeBps:    params.LiquidationFeeBps,
		TradingFeeBps:        params.TradingFeeBps,
		MakerFeeBps:          params.MakerFeeBps,
		FundingInterval:      params.FundingInterval,
		MaxFundingRateBps:    params.MaxFundingRateBps,
		MinOrderSize:         params.MinOrderSize,
		MaxOrderSize:         params.MaxOrderSize,
		MaxPosition:          params.MaxPosition,
		StartingPrice:        params.StartingPrice,
		MarkPrice:            params.StartingPrice,
		IndexPrice:           params.StartingPrice,
		Creator:              creator,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks parameter sanity; it does not check Status, since a
// DRAFT market is valid before it is ever tradeable.
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.CollateralDecimals <= 0 {
		return fmt.Errorf("collateral decimals must be positive")
	}

	if m.Type != Spot {
		if m.MaxLeverage <= 0 {
			return fmt.Errorf("max leverage must be positive")
		}
		if m.InitialMarginBps <= 0 {
			return fmt.Errorf("initial margin must be positive")
		}
		if m.MaintenanceMarginBps <= 0 {
			return fmt.Errorf("maintenance margin must be positive")
		}
		if m.MaintenanceMarginBps > m.InitialMarginBps {
			return fmt.Errorf("maintenance margin cannot exceed initial margin")
		}
		expectedLeverage := 10000 / m.InitialMarginBps
		if m.MaxLeverage > expectedLeverage*2 || m.MaxLeverage < expectedLeverage/2 {
			return fmt.Errorf("max leverage (%d) inconsistent with initial margin (%d bps)", m.MaxLeverage, m.InitialMarginBps)
		}
	}

	if m.Type == Perpetual {
		if m.FundingInterval <= 0 {
			return fmt.Errorf("funding interval must be positive")
		}
		if m.MaxFundingRateBps < 0 {
			return fmt.Errorf("max funding rate cannot be negative")
		}
	}

	if !m.MinOrderSize.IsPositive() {
		return fmt.Errorf("min order size must be positive")
	}
	if !m.MaxOrderSize.IsPositive() {
		return fmt.Errorf("max order size must be positive")
	}
	if m.MinOrderSize.GT(m.MaxOrderSize) {
		return fmt.Errorf("min order size cannot exceed max order size")
	}
	if m.MaxPosition.LT(m.MaxOrderSize) {
		return fmt.Errorf("max position should be >= max order size")
	}
	if m.TradingFeeBps < 0 {
		return fmt.Errorf("trading fee cannot be negative")
	}
	return nil
}

// RequiredInitialMargin returns the collateral needed to open a position
// of the given notional: notional * InitialMarginBps / 10000.
func (m *Market) RequiredInitialMargin(price, qty decimal.Fixed) decimal.Fixed {
	return price.Mul(qty).MulBps(m.InitialMarginBps)
}

// RequiredMaintenanceMargin returns the MMR for a position of the given
// notional: notional * MaintenanceMarginBps / 10000.
func (m *Market) RequiredMaintenanceMargin(price, qty decimal.Fixed) decimal.Fixed {
	return price.Mul(qty).MulBps(m.MaintenanceMarginBps)
}

// ValidateOrderSize checks order qty against [MinOrderSize, MaxOrderSize]
// and the lot-size multiple requirement.
func (m *Market) ValidateOrderSize(qty decimal.Fixed) error {
	if qty.LT(m.MinOrderSize) {
		return fmt.Errorf("order size %s below minimum %s", qty, m.MinOrderSize)
	}
	if qty.GT(m.MaxOrderSize) {
		return fmt.Errorf("order size %s exceeds maximum %s", qty, m.MaxOrderSize)
	}
	if !qty.IsMultipleOf(m.LotSize) {
		return fmt.Errorf("order size %s is not a multiple of lot size %s", qty, m.LotSize)
	}
	return nil
}

// ValidateOrderPrice checks that price is a non-negative multiple of
// TickSize, as spec.md §4.1 requires for LIMIT/STOP_LIMIT orders.
func (m *Market) ValidateOrderPrice(price decimal.Fixed) error {
	if price.IsNegative() {
		return fmt.Errorf("price cannot be negative")
	}
	if !price.IsMultipleOf(m.TickSize) {
		return fmt.Errorf("price %s is not a multiple of tick size %s", price, m.TickSize)
	}
	return nil
}

// ValidateOrderNotional checks order value against MinNotional.
func (m *Market) ValidateOrderNotional(price, qty decimal.Fixed) error {
	notional := price.Mul(qty)
	if notional.LT(m.MinNotional) {
		return fmt.Errorf("order notional %s below minimum %s", notional, m.MinNotional)
	}
	return nil
}

// ValidateOrder runs the full order-admission check: market must be
// ACTIVE, price/qty must be positive, tick/lot multiples, size and
// notional bounds.
func (m *Market) ValidateOrder(price, qty decimal.Fixed) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if err := m.ValidateOrderPrice(price); err != nil {
		return err
	}
	if err := m.ValidateOrderSize(qty); err != nil {
		return err
	}
	if err := m.ValidateOrderNotional(price, qty); err != nil {
		return err
	}
	return nil
}
