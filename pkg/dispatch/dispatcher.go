package dispatch

import (
	"context"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/apperr"
	hcrypto "github.com/hyperlicked/perpcore/pkg/crypto"
)

// TStuckSeconds is how long a BROADCAST submission may sit without a
// receipt before it becomes eligible for replace-by-fee, per spec.md
// §4.6/§5.
const TStuckSeconds = 120

// MaxAllocationRetries bounds the nonce-error resync-and-retry loop so a
// persistently wedged RPC endpoint fails loud instead of spinning.
const MaxAllocationRetries = 3

// TxBuilder signs a transaction for signer using the allocated nonce and
// gas price, returning the raw signed bytes and the resulting tx hash.
type TxBuilder func(signer *hcrypto.Signer, nonce uint64, gasPrice *big.Int) (signedTx []byte, txHash common.Hash, err error)

// Dispatcher wires the signer Pool, the submission Store, and a
// ChainClient together: it is the C8 entry point. cmd/node constructs one
// when a primary chain RPC is configured; no other package calls it.
type Dispatcher struct {
	pool   *Pool
	store  *Store
	chain  ChainClient
	nowFn  func() int64
	killed atomic.Bool
}

func NewDispatcher(pool *Pool, store *Store, chain ChainClient, nowFn func() int64) *Dispatcher {
	return &Dispatcher{pool: pool, store: store, chain: chain, nowFn: nowFn}
}

// SetKillSwitch engages or disengages the global submission kill switch.
// While engaged, Dispatch rejects every request synchronously; it does
// not touch in-flight receipt tracking.
func (d *Dispatcher) SetKillSwitch(engaged bool) {
	d.killed.Store(engaged)
}

func (d *Dispatcher) KillSwitchEngaged() bool {
	return d.killed.Load()
}

// allocate runs the six-step allocation algorithm from spec.md §4.6
// under the per-(signer, chain) lock, returning the chosen signer and
// the newly-allocated ALLOCATED submission row.
func (d *Dispatcher) allocate(ctx context.Context, chainID uint64, method, correlationID string) (*hcrypto.Signer, *Submission, error) {
	signer, st, err := d.pool.Select(chainID)
	if err != nil {
		return nil, nil, err
	}
	k := SignerKey{Address: signer.Address(), ChainID: chainID}
	lock := d.pool.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	return d.allocateLocked(ctx, signer, st, method, correlationID)
}

// allocateLocked performs steps 2-6 of the allocation algorithm; the
// caller must already hold the per-(signer, chain) lock.
func (d *Dispatcher) allocateLocked(ctx context.Context, signer *hcrypto.Signer, st *SignerState, method, correlationID string) (*hcrypto.Signer, *Submission, error) {
	chainPending, err := d.chain.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "read chain pending nonce", err)
	}
	dbNext := st.NextNonce
	useNonce := chainPending
	if dbNext > useNonce {
		useNonce = dbNext
	}

	sub := &Submission{
		Signer:        signer.Address(),
		ChainID:       st.ChainID,
		Nonce:         useNonce,
		Method:        method,
		CorrelationID: correlationID,
		Status:        Allocated,
		SubmittedAt:   d.nowFn(),
	}
	st.NextNonce = useNonce + 1

	if err := d.store.CommitAllocation(st, sub); err != nil {
		if apperr.Is(err, apperr.CodeAllocationRace) {
			// Hard inconsistency: under the lock this should never happen.
			// Re-read the chain nonce once and retry before surfacing the
			// alarm, per spec.md §4.6's "failure is a hard inconsistency
			// alarm" note — one retry absorbs a db/chain race on startup,
			// anything past that is a real bug.
			chainPending, rerr := d.chain.PendingNonceAt(ctx, signer.Address())
			if rerr != nil {
				return nil, nil, err
			}
			if chainPending > st.NextNonce {
				st.NextNonce = chainPending
			}
			sub.Nonce = st.NextNonce
			st.NextNonce++
			if err2 := d.store.CommitAllocation(st, sub); err2 != nil {
				return nil, nil, err2
			}
			d.pool.adjustPending(SignerKey{Address: signer.Address(), ChainID: st.ChainID}, 1)
			return signer, sub, nil
		}
		return nil, nil, err
	}

	d.pool.adjustPending(SignerKey{Address: signer.Address(), ChainID: st.ChainID}, 1)
	return signer, sub, nil
}

// Dispatch allocates a nonce, builds and signs the transaction, and
// broadcasts it. A nonce error from the broadcast, or a failed gas-price
// read, leads to a fresh allocation and another attempt, up to
// MaxAllocationRetries, with no delay between attempts. Any other
// broadcast error is returned at once as a transient error: it is not
// retried and there is no backoff. It never retries a revert; those are
// surfaced to the caller unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, chainID uint64, method, correlationID string, build TxBuilder) (*Submission, error) {
	if d.killed.Load() {
		return nil, apperr.New(apperr.KindConflict, apperr.CodeKillSwitchEngaged, "submission kill switch engaged")
	}

	var lastErr error
	for attempt := 0; attempt < MaxAllocationRetries; attempt++ {
		signer, sub, err := d.allocate(ctx, chainID, method, correlationID)
		if err != nil {
			return nil, err
		}

		gasPrice, err := d.chain.SuggestGasPrice(ctx)
		if err != nil {
			lastErr = apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "suggest gas price", err)
			continue
		}

		signedTx, txHash, err := build(signer, sub.Nonce, gasPrice)
		if err != nil {
			sub.Status = Failed
			sub.LastError = err.Error()
			d.store.SaveSubmission(sub)
			return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "build transaction", err)
		}

		sub.TxHash = txHash
		sub.GasPrice = gasPrice

		broadcastHash, err := d.chain.SendRawTransaction(ctx, signedTx)
		k := SignerKey{Address: signer.Address(), ChainID: chainID}
		if err != nil {
			if isNonceError(err) {
				sub.Status = Failed
				sub.LastError = err.Error()
				d.store.SaveSubmission(sub)
				d.pool.adjustPending(k, -1)
				lastErr = apperr.Wrap(apperr.KindTransient, apperr.CodeNonceDrift, "nonce rejected, resyncing", err)
				continue
			}
			sub.Status = Failed
			sub.LastError = err.Error()
			d.store.SaveSubmission(sub)
			d.pool.adjustPending(k, -1)
			d.pool.recordFailure(k, d.nowFn())
			return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "broadcast transaction", err)
		}

		sub.TxHash = broadcastHash
		sub.Status = Broadcast
		if err := d.store.SaveSubmission(sub); err != nil {
			return nil, err
		}
		d.pool.recordSuccess(k)
		return sub, nil
	}
	return nil, lastErr
}

// isNonceError matches the nonce-race error messages ("nonce too low",
// "replacement underpriced", "already known"); anything else is treated
// as an ordinary transient RPC failure.
func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement underpriced") || strings.Contains(msg, "already known")
}

// CheckReceipt polls for sub's receipt and advances its status to MINED
// or REVERTED. It returns (stuck=true) without mutating status when no
// receipt exists yet and TStuckSeconds has elapsed since broadcast, so
// the caller can decide to issue a replace-by-fee.
func (d *Dispatcher) CheckReceipt(ctx context.Context, sub *Submission) (stuck bool, err error) {
	if sub.Status != Broadcast {
		return false, nil
	}
	receipt, err := d.chain.TransactionReceipt(ctx, sub.TxHash)
	if err == ErrReceiptNotFound {
		if d.nowFn()-sub.SubmittedAt > TStuckSeconds {
			return true, nil
		}
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "poll receipt", err)
	}

	k := SignerKey{Address: sub.Signer, ChainID: sub.ChainID}
	if receipt.Status == 1 {
		sub.Status = Mined
	} else {
		sub.Status = Reverted
	}
	d.pool.adjustPending(k, -1)
	return false, d.store.SaveSubmission(sub)
}

// ReplaceByFee re-broadcasts a stuck submission at the same nonce with a
// higher gas price, under the signer's lock so it can never race a fresh
// allocation for the same (signer, chain). If the prior nonce has since
// been mined by another transaction (receipt now present), the stuck
// submission is marked DROPPED instead of replaced.
func (d *Dispatcher) ReplaceByFee(ctx context.Context, sub *Submission, build TxBuilder, bumpedGasPrice *big.Int) (*Submission, error) {
	k := SignerKey{Address: sub.Signer, ChainID: sub.ChainID}
	lock := d.pool.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	if receipt, err := d.chain.TransactionReceipt(ctx, sub.TxHash); err == nil && receipt != nil {
		sub.Status = Dropped
		d.pool.adjustPending(k, -1)
		return sub, d.store.SaveSubmission(sub)
	}

	signer := d.pool.signers[k]
	if signer == nil {
		return nil, apperr.New(apperr.KindFatal, apperr.CodeKeyMissing, "signer no longer registered for replace-by-fee")
	}

	signedTx, _, err := build(signer, sub.Nonce, bumpedGasPrice)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "build replacement transaction", err)
	}

	broadcastHash, err := d.chain.SendRawTransaction(ctx, signedTx)
	if err != nil {
		if isNonceError(err) {
			sub.Status = Dropped
			d.pool.adjustPending(k, -1)
			return sub, d.store.SaveSubmission(sub)
		}
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeRPCTimeout, "broadcast replacement transaction", err)
	}

	sub.TxHash = broadcastHash
	sub.GasPrice = bumpedGasPrice
	sub.Status = Broadcast
	sub.SubmittedAt = d.nowFn()
	return sub, d.store.SaveSubmission(sub)
}
