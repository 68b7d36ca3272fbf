// Package dispatch manages a pool of signer identities across chains,
// allocates strictly monotonic per-(signer, chain) nonces under lock, and
// tracks submissions from broadcast through receipt per spec.md §4.6.
package dispatch

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status is a submission's lifecycle state.
type Status string

const (
	Allocated Status = "ALLOCATED"
	Broadcast Status = "BROADCAST"
	Mined     Status = "MINED"
	Reverted  Status = "REVERTED"
	Dropped   Status = "DROPPED"
	Replaced  Status = "REPLACED"
	Failed    Status = "FAILED"
)

func (s Status) IsTerminal() bool {
	switch s {
	case Mined, Reverted, Dropped, Replaced, Failed:
		return true
	default:
		return false
	}
}

// SignerKey identifies one pooled identity on one chain; the unit the
// per-(signer, chain) lock and nonce stream are scoped to.
type SignerKey struct {
	Address common.Address
	ChainID uint64
}

// SignerState is the persisted routing/health state for one SignerKey.
type SignerState struct {
	Address       common.Address
	ChainID       uint64
	Enabled       bool
	NextNonce     uint64
	PendingCount  int
	FailureCount  int
	LastErrorTs   int64
	LastHeartbeat int64
}

// Submission is one allocated-nonce attempt to get a transaction mined,
// keyed uniquely by (Signer, ChainID, Nonce) — the primary safety net
// against nonce races per spec.md §3's Relayer Submission entity.
type Submission struct {
	Signer        common.Address
	ChainID       uint64
	Nonce         uint64
	Method        string
	CorrelationID string
	TxHash        common.Hash
	GasPrice      *big.Int
	Status        Status
	SubmittedAt   int64
	LastError     string
}

func (s *Submission) Key() SubmissionKey {
	return SubmissionKey{Signer: s.Signer, ChainID: s.ChainID, Nonce: s.Nonce}
}

// SubmissionKey is the uniqueness tuple from spec.md §3:
// (relayer_address, chain_id, nonce).
type SubmissionKey struct {
	Signer  common.Address
	ChainID uint64
	Nonce   uint64
}
