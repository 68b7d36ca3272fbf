// Package ingest consumes on-chain events — bridge deposits, position
// lifecycle events, and market-creation events — and reconciles them
// into the vault ledger and market registry, per spec.md §4.7. Every
// event is deduplicated on its (tx_hash, log_index) natural key.
package ingest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/market"
)

// Kind classifies the three event classes the ingestor understands.
type Kind string

const (
	KindDepositCredit     Kind = "deposit_credit"
	KindPositionReconcile Kind = "position_reconcile"
	KindMarketCreated     Kind = "market_created"
)

// EventKey is the natural key every event is deduplicated on. Duplicate
// insertion at this key is a silent no-op, never an error.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash.Hex(), k.LogIndex)
}

// RawEvent is the transport-agnostic shape both push (webhook/
// subscription) and pull (block-range scan) sources produce. Fields
// carries the event-specific decoded payload; which keys are present
// depends on Kind.
type RawEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	Contract    common.Address
	Kind        Kind
	Fields      map[string]interface{}
}

// EventRecord is the persisted, append-only audit row for one processed
// event.
type EventRecord struct {
	TxHash      common.Hash
	LogIndex    uint64
	BlockNumber uint64
	Contract    common.Address
	Kind        Kind
	ProcessedAt int64
}

// Expected Fields keys: trader and amount for KindDepositCredit, the
// position keys (symbol, size, entry price, margin), and the decoded
// market for KindMarketCreated.
const (
	FieldTrader = "trader"
	FieldAmount = "amount"

	FieldSymbol     = "symbol"
	FieldSize       = "size"
	FieldEntryPrice = "entry_price"
	FieldMargin     = "margin"

	FieldMarket = "market" // decoded *market.Market, for KindMarketCreated
)

// marketFromFields extracts the pre-decoded *market.Market a
// market-creation event carries; ABI decoding into the full Params shape
// happens upstream of this package, matching where the teacher's own
// boundary between "transport decoding" and "domain application" sits.
func marketFromFields(fields map[string]interface{}) (*market.Market, bool) {
	m, ok := fields[FieldMarket].(*market.Market)
	return m, ok
}
