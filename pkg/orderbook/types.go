// Package orderbook implements the per-market matching engine (C2): a
// price-time priority CLOB supporting the full order type and
// time-in-force matrix from spec.md §3/§4.1.
package orderbook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

type OrderType int8

const (
	Market OrderType = iota
	Limit
	StopLimit
	StopMarket
	Iceberg
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	case StopLimit:
		return "STOP_LIMIT"
	case StopMarket:
		return "STOP_MARKET"
	case Iceberg:
		return "ICEBERG"
	default:
		return "UNKNOWN"
	}
}

// TIF is the time-in-force instruction attached to an order.
type TIF int8

const (
	GTC TIF = iota // Good-Til-Cancelled
	IOC            // Immediate-Or-Cancel
	FOK            // Fill-Or-Kill
	GTD            // Good-Til-Deadline
)

func (t TIF) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTD:
		return "GTD"
	default:
		return "UNKNOWN"
	}
}

type OrderStatus int8

const (
	Pending OrderStatus = iota
	Partial
	Filled
	Cancelled
	Expired
	Rejected
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Partial:
		return "PARTIAL"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Expired:
		return "EXPIRED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further fills may apply to an order in
// this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case Filled, Cancelled, Expired, Rejected:
		return true
	default:
		return false
	}
}

// Order is the book's resting/incoming order representation. Price is
// required for Limit/StopLimit/Iceberg and ignored (zero) for Market;
// StopPrice is required for StopLimit/StopMarket.
type Order struct {
	ID     uuid.UUID
	Trader common.Address
	Symbol string

	Side Side
	Type OrderType
	TIF  TIF

	Qty       decimal.Fixed
	FilledQty decimal.Fixed
	Price     decimal.Fixed
	StopPrice decimal.Fixed

	PostOnly bool

	// DisplayQty is the visible slice size for ICEBERG orders; zero means
	// the whole remaining Qty is shown (a plain LIMIT order).
	DisplayQty decimal.Fixed

	// SlippageBound, if non-zero, bounds a MARKET order's worst acceptable
	// price: for BUY the ceiling, for SELL the floor.
	SlippageBound decimal.Fixed

	Status OrderStatus

	CreatedTs int64
	ExpiryTs  int64 // only meaningful when TIF == GTD
	UpdatedTs int64

	// seq breaks ties within a price level for FIFO ordering; assigned by
	// the book on insertion.
	seq uint64
}

// Remaining returns the order's unfilled quantity.
func (o *Order) Remaining() decimal.Fixed { return o.Qty.Sub(o.FilledQty) }

func (o *Order) IsClosed() bool { return o.Status.IsTerminal() }

// VisibleQty returns the quantity an ICEBERG order exposes at its price
// level; non-iceberg orders always show their full remaining quantity.
func (o *Order) VisibleQty() decimal.Fixed {
	if o.Type != Iceberg || o.DisplayQty.IsZero() {
		return o.Remaining()
	}
	return decimal.Min(o.DisplayQty, o.Remaining())
}

// Fill records one match between a taker and a resting maker.
type Fill struct {
	TakerID     uuid.UUID
	MakerID     uuid.UUID
	TakerTrader common.Address
	MakerTrader common.Address
	Price       decimal.Fixed
	Qty         decimal.Fixed
	// IsMakerCancelled is set when this "fill" is actually a self-trade
	// prevention skip: the maker was cancelled, not matched.
	IsMakerCancelled bool
}

// PriceLevel is an aggregated view of one price for depth/state-hash
// reporting.
type PriceLevel struct {
	Price decimal.Fixed
	Qty   decimal.Fixed
}
