package dispatch

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt is the subset of a transaction receipt the tracker needs to
// advance a submission's status.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64 // 1 = success, 0 = reverted, per go-ethereum/core/types.Receipt
}

// ChainClient is the RPC seam to one chain, narrowed to exactly the calls
// the allocator and submitter need: PendingNonceAt for step 2 of the
// allocation algorithm, SendRawTransaction/TransactionReceipt for
// broadcast and receipt tracking, SuggestGasPrice for replace-by-fee
// bumps. A production binary backs this with *ethclient.Client; tests use
// an in-memory fake.
type ChainClient interface {
	ChainID(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, signedTx []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// ErrReceiptNotFound is returned by TransactionReceipt implementations
// while a transaction is still pending.
var ErrReceiptNotFound = errReceiptNotFound{}

type errReceiptNotFound struct{}

func (errReceiptNotFound) Error() string { return "receipt not found" }
