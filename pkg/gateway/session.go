package gateway

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/apperr"
	hcrypto "github.com/hyperlicked/perpcore/pkg/crypto"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// Method bits for SessionPermit.MethodsBitmap, per spec.md §3's
// methods_bitmap field: which relayer-submittable actions a session may
// perform without the trader's own signature on every request.
const (
	MethodPlaceOrder uint64 = 1 << iota
	MethodCancelOrder
)

// Session is the runtime state of one accepted SessionPermit: the
// permit's terms plus the running notional_used counter.
type Session struct {
	ID             [32]byte
	Trader         common.Address
	RelayerSetRoot [32]byte
	Expiry         int64
	MaxPerTrade    decimal.Fixed
	MaxPerSession  decimal.Fixed
	MethodsBitmap  uint64
	NotionalUsed   decimal.Fixed
	Revoked        bool
}

func (s *Session) allows(method uint64) bool { return s.MethodsBitmap&method != 0 }

// SessionStore holds every accepted session permit, keyed by session_id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[[32]byte]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[[32]byte]*Session)}
}

// Init verifies the caller is a member of the permit's relayer_set_root
// via Merkle proof, derives session_id, and stores the session. It does
// not verify the trader's EIP-712 signature over the permit itself; callers
// must do that before calling Init (kept separate so tests can construct
// permits without a live signer).
func (s *SessionStore) Init(trader common.Address, relayerSetRoot [32]byte, relayer common.Address, proof [][32]byte, expiry int64, maxPerTrade, maxPerSession decimal.Fixed, methodsBitmap uint64, salt *big.Int) (*Session, error) {
	if !hcrypto.VerifyMerkleProof(relayerSetRoot, relayer, proof) {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "relayer not a member of relayer_set_root")
	}
	id := hcrypto.SessionID(trader, relayerSetRoot, salt)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{
		ID:             id,
		Trader:         trader,
		RelayerSetRoot: relayerSetRoot,
		Expiry:         expiry,
		MaxPerTrade:    maxPerTrade,
		MaxPerSession:  maxPerSession,
		MethodsBitmap:  methodsBitmap,
		NotionalUsed:   decimal.Zero(),
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *SessionStore) Get(id [32]byte) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Revoke marks a session permanently unusable. Revocation is terminal: a
// trader who wants a fresh session must call Init again with a new salt.
func (s *SessionStore) Revoke(id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "unknown session")
	}
	sess.Revoked = true
	return nil
}

// Authorize checks a session permit against the method being invoked and
// the trade's notional, and if it passes, records the usage against
// notional_used. now is the caller's clock (unix seconds).
func (s *SessionStore) Authorize(id [32]byte, now int64, method uint64, notional decimal.Fixed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "unknown session")
	}
	if sess.Revoked {
		return apperr.New(apperr.KindConflict, apperr.CodeSessionRevoked, "session revoked")
	}
	if now > sess.Expiry {
		return apperr.New(apperr.KindValidation, apperr.CodeExpired, "session expired")
	}
	if !sess.allows(method) {
		return apperr.New(apperr.KindValidation, apperr.CodeMethodNotAllowed, "method not permitted by session")
	}
	if notional.GT(sess.MaxPerTrade) {
		return apperr.New(apperr.KindConflict, apperr.CodeSessionBudgetExhaust, "trade notional exceeds max_notional_per_trade")
	}
	if sess.NotionalUsed.Add(notional).GT(sess.MaxPerSession) {
		return apperr.New(apperr.KindConflict, apperr.CodeSessionBudgetExhaust, "session notional budget exhausted")
	}
	sess.NotionalUsed = sess.NotionalUsed.Add(notional)
	return nil
}
