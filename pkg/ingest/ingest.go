package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyperlicked/perpcore/pkg/apperr"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

// BlockRangeSource is the pull-mode RPC seam: scan one contract's logs
// over [from, to] and report the chain's current head, for the
// checkpointed backfill spec.md §4.7 describes.
type BlockRangeSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	ScanRange(ctx context.Context, contract common.Address, from, to uint64) ([]RawEvent, error)
}

// Stats are the counters the ingestor exposes for operator visibility,
// tracking the error-class metric spec.md §4.7 calls for on dropped
// events.
type Stats struct {
	Processed uint64
	Duplicate uint64
	Dropped   uint64
}

// Ingestor reconciles on-chain events into the vault ledger and market
// registry. A single instance is the serializing point for both push and
// pull event streams, so the dedup check-then-insert against Store never
// races.
type Ingestor struct {
	store   *Store
	vault   *vault.Manager
	markets *market.Registry
	books   *orderbook.Books
	log     *zap.SugaredLogger
	nowFn   func() int64

	confirmations uint64

	mu        sync.Mutex
	monitored map[common.Address]bool

	processed atomic.Uint64
	duplicate atomic.Uint64
	dropped   atomic.Uint64
}

func NewIngestor(store *Store, vaultMgr *vault.Manager, markets *market.Registry, books *orderbook.Books, confirmations uint64, log *zap.SugaredLogger, nowFn func() int64) *Ingestor {
	return &Ingestor{
		store:         store,
		vault:         vaultMgr,
		markets:       markets,
		books:         books,
		log:           log,
		nowFn:         nowFn,
		confirmations: confirmations,
		monitored:     make(map[common.Address]bool),
	}
}

func (ing *Ingestor) Stats() Stats {
	return Stats{
		Processed: ing.processed.Load(),
		Duplicate: ing.duplicate.Load(),
		Dropped:   ing.dropped.Load(),
	}
}

// Watch adds a contract address to the monitored set used by both the
// push consumer (to filter incoming events) and pull backfill (to know
// what to scan). Called directly for statically configured contracts
// and by onMarketCreated for dynamically discovered ones.
func (ing *Ingestor) Watch(contract common.Address) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.monitored[contract] = true
}

func (ing *Ingestor) isMonitored(contract common.Address) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.monitored[contract]
}

func (ing *Ingestor) Monitored() []common.Address {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	out := make([]common.Address, 0, len(ing.monitored))
	for addr := range ing.monitored {
		out = append(out, addr)
	}
	return out
}

// Consume runs the push-mode fan-in loop: every event arriving on
// events is processed and deduplicated as it comes in, mirroring the
// gateway Hub's single select-loop ownership of shared state. It returns
// when ctx is cancelled or the channel is closed.
func (ing *Ingestor) Consume(ctx context.Context, events <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ing.isMonitored(ev.Contract) && ev.Kind != KindMarketCreated {
				continue
			}
			if err := ing.Process(ev); err != nil {
				ing.log.Warnw("event processing failed", "tx_hash", ev.TxHash.Hex(), "kind", ev.Kind, "err", err)
			}
		}
	}
}

// Backfill pulls and processes every event for contract between its
// last checkpoint and head-confirmations, then advances the checkpoint.
// It is the fallback path that catches events missed by the push
// stream across restarts or disconnects.
func (ing *Ingestor) Backfill(ctx context.Context, source BlockRangeSource, contract common.Address, genesisBlock uint64) error {
	head, err := source.HeadBlock(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "read chain head", err)
	}
	if head < ing.confirmations {
		return nil
	}
	to := head - ing.confirmations

	from, has, err := ing.store.LoadCheckpoint(contract)
	if err != nil {
		return err
	}
	if !has {
		from = genesisBlock
	} else {
		from++
	}
	if from > to {
		return nil
	}

	events, err := source.ScanRange(ctx, contract, from, to)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "scan block range", err)
	}
	for _, ev := range events {
		if err := ing.Process(ev); err != nil {
			ing.log.Warnw("backfilled event processing failed", "tx_hash", ev.TxHash.Hex(), "kind", ev.Kind, "err", err)
		}
	}
	return ing.store.SaveCheckpoint(contract, to)
}

// Process applies one event, deduplicating on (tx_hash, log_index) and
// dispatching by Kind. Duplicate insertion and a missing/invalid log
// index are both silent-success paths from the caller's perspective —
// the event-class counters are how an operator observes them.
func (ing *Ingestor) Process(ev RawEvent) error {
	logIndex, err := extractLogIndex(ev.Fields)
	if err != nil {
		ing.dropped.Add(1)
		ing.log.Errorw("dropping event with unusable log index", "tx_hash", ev.TxHash.Hex(), "kind", ev.Kind, "err", err)
		return nil
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()

	key := EventKey{TxHash: ev.TxHash, LogIndex: logIndex}
	exists, err := ing.store.HasEvent(key)
	if err != nil {
		return err
	}
	if exists {
		ing.duplicate.Add(1)
		return nil
	}

	if err := ing.apply(ev); err != nil {
		return err
	}

	rec := &EventRecord{
		TxHash:      ev.TxHash,
		LogIndex:    logIndex,
		BlockNumber: ev.BlockNumber,
		Contract:    ev.Contract,
		Kind:        ev.Kind,
		ProcessedAt: ing.nowFn(),
	}
	if err := ing.store.SaveEvent(rec); err != nil {
		return err
	}
	ing.processed.Add(1)
	return nil
}

func (ing *Ingestor) apply(ev RawEvent) error {
	switch ev.Kind {
	case KindDepositCredit:
		return ing.onDepositCredit(ev)
	case KindPositionReconcile:
		return ing.onPositionReconcile(ev)
	case KindMarketCreated:
		return ing.onMarketCreated(ev)
	default:
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "unknown event kind")
	}
}

func (ing *Ingestor) onDepositCredit(ev RawEvent) error {
	trader, ok := ev.Fields[FieldTrader].(common.Address)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "deposit event missing trader field")
	}
	amount, ok := ev.Fields[FieldAmount].(decimal.Fixed)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "deposit event missing amount field")
	}
	return ing.vault.CreditFromBridge(trader, amount, [32]byte(ev.TxHash), ing.nowFn())
}

func (ing *Ingestor) onPositionReconcile(ev RawEvent) error {
	trader, ok := ev.Fields[FieldTrader].(common.Address)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "position event missing trader field")
	}
	symbol, ok := ev.Fields[FieldSymbol].(string)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "position event missing symbol field")
	}
	size, ok := ev.Fields[FieldSize].(decimal.Fixed)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "position event missing size field")
	}
	entryPrice, _ := ev.Fields[FieldEntryPrice].(decimal.Fixed)
	margin, _ := ev.Fields[FieldMargin].(decimal.Fixed)
	return ing.vault.ReconcilePosition(trader, symbol, size, entryPrice, margin)
}

// onMarketCreated is the dynamic contract discovery path: it registers
// the new market, opens its order book, and adds it to the monitored
// set for both push and pull ingestion going forward.
func (ing *Ingestor) onMarketCreated(ev RawEvent) error {
	mkt, ok := marketFromFields(ev.Fields)
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeKeyMissing, "market-creation event missing decoded market")
	}
	if err := ing.markets.Register(mkt); err != nil {
		return err
	}
	ing.books.GetOrCreate(mkt.Symbol)
	ing.monitored[ev.Contract] = true
	return nil
}
