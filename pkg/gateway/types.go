// Package gateway implements the signed-order relayer (C7): the HTTP/
// WebSocket front door that authenticates EIP-712 signed orders and
// session permits, enforces per-session notional caps, and pushes
// order/fill/book state to subscribers.
package gateway

import (
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// MarketInfo mirrors a market's static configuration for REST responses.
type MarketInfo struct {
	Symbol               string        `json:"symbol"`
	BaseAsset            string        `json:"baseAsset"`
	QuoteAsset           string        `json:"quoteAsset"`
	Type                 string        `json:"type"`
	Status               string        `json:"status"`
	TickSize             decimal.Fixed `json:"tickSize"`
	LotSize              decimal.Fixed `json:"lotSize"`
	MaxLeverage          int64         `json:"maxLeverage"`
	TakerFeeBps          int64         `json:"takerFeeBps"`
	MakerFeeBps          int64         `json:"makerFeeBps"`
	MaintenanceMarginBps int64         `json:"maintenanceMarginBps"`
	MarkPrice            decimal.Fixed `json:"markPrice"`
	IndexPrice           decimal.Fixed `json:"indexPrice"`
}

// OrderbookSnapshot is the current depth for one market.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

type PriceLevel struct {
	Price decimal.Fixed `json:"price"`
	Size  decimal.Fixed `json:"size"`
}

// AccountInfo is a trader's balance summary.
type AccountInfo struct {
	Address            string        `json:"address"`
	Balance            decimal.Fixed `json:"balance"`
	LockedForOrders    decimal.Fixed `json:"lockedForOrders"`
	LockedForPositions decimal.Fixed `json:"lockedForPositions"`
	AvailableBalance   decimal.Fixed `json:"availableBalance"`
}

// PositionInfo is one open position.
type PositionInfo struct {
	Symbol        string        `json:"symbol"`
	Size          decimal.Fixed `json:"size"`
	EntryPrice    decimal.Fixed `json:"entryPrice"`
	MarkPrice     decimal.Fixed `json:"markPrice"`
	UnrealizedPnL decimal.Fixed `json:"unrealizedPnl"`
	Margin        decimal.Fixed `json:"margin"`
}

// OrderRequest is the POST /orders body: a signed EIP-712 order plus the
// session permit it's submitted under.
type OrderRequest struct {
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	Side      uint8  `json:"side"` // 0 = buy, 1 = sell
	OrderType string `json:"orderType"`
	TIF       string `json:"tif"`
	Qty       string `json:"qty"`
	Price     string `json:"price"`
	StopPrice string `json:"stopPrice,omitempty"`
	Deadline  int64  `json:"deadline"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`

	// SessionID, if set, routes this order through an active session
	// permit instead of requiring the trader's own signature; Signature is
	// then not checked, and the session's expiry, revocation, method
	// bitmap and notional caps gate the order instead.
	SessionID string `json:"sessionId,omitempty"`
}

// OrderResponse acknowledges an accepted order submission.
type OrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// CancelRequest is the POST /orders/cancel body.
type CancelRequest struct {
	Trader    string `json:"trader"`
	OrderID   string `json:"orderId"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionInitRequest is the POST /session/init body: a signed
// SessionPermit plus the Merkle proof that the relayer submitting it
// belongs to the permit's relayer_set_root.
type SessionInitRequest struct {
	Trader                string   `json:"trader"`
	RelayerSetRoot         string   `json:"relayerSetRoot"`
	Relayer                string   `json:"relayer"`
	RelayerProof           []string `json:"relayerProof"`
	Expiry                 int64    `json:"expiry"`
	MaxNotionalPerTrade    string   `json:"maxNotionalPerTrade"`
	MaxNotionalPerSession  string   `json:"maxNotionalPerSession"`
	MethodsBitmap          uint64   `json:"methodsBitmap"`
	Salt                   string   `json:"salt"`
	Nonce                  int64    `json:"nonce"`
	Signature              string   `json:"signature"`
}

// SessionInitResponse returns the derived session_id for subsequent
// order/cancel submissions.
type SessionInitResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SessionRevokeRequest is the POST /session/revoke body.
type SessionRevokeRequest struct {
	SessionID string `json:"sessionId"`
	Signature string `json:"signature"`
}

// ErrorResponse is returned for every non-2xx response, code naming the
// stable apperr.Code so clients can branch without string matching.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// OrderbookUpdate is broadcast on orderbook:<symbol> after an order
// submitted through the gateway produces fills; Bids and Asks are left
// empty.
type OrderbookUpdate struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// FillUpdate is broadcast on trades:<symbol> for each fill of an order
// submitted through the gateway; liquidation fills are not broadcast.
type FillUpdate struct {
	Type      string        `json:"type"`
	Symbol    string        `json:"symbol"`
	Price     decimal.Fixed `json:"price"`
	Qty       decimal.Fixed `json:"qty"`
	Side      string        `json:"side"`
	Timestamp int64         `json:"timestamp"`
}
