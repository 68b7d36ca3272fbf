package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for all typed data signed against
// this exchange: trader orders, cancels, and session permits.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderTypedMessage is the EIP-712 message a trader signs per spec.md
// §4.5(a): {trader, market, side, qty, price, deadline, nonce}. Qty and
// Price are the raw 18-decimal big.Int backing a decimal.Fixed, not
// native-chain-decimal amounts.
type OrderTypedMessage struct {
	Trader   common.Address
	Market   string
	Side     uint8 // 0 = buy, 1 = sell
	Qty      *big.Int
	Price    *big.Int
	Deadline *big.Int
	Nonce    *big.Int
}

// CancelTypedMessage is the EIP-712 message for POST /orders/cancel's
// per-action signed form.
type CancelTypedMessage struct {
	Trader  common.Address
	OrderID string
	Nonce   *big.Int
}

// SessionPermitTypedMessage is the EIP-712 message for
// POST /session/init, per spec.md §3/§4.5(b). RelayerSetRoot is the
// Merkle root of the relayer addresses authorized to submit trades under
// this session; MethodsBitmap gates which request kinds the session may
// invoke (bit 0 = place order, bit 1 = cancel order, ...).
type SessionPermitTypedMessage struct {
	Trader                common.Address
	RelayerSetRoot        [32]byte
	Expiry                *big.Int
	MaxNotionalPerTrade   *big.Int
	MaxNotionalPerSession *big.Int
	MethodsBitmap         uint64
	Salt                  *big.Int
	Nonce                 *big.Int
}

// SessionID computes session_id = H(trader, relayer_set_root, salt), the
// key a Session is stored and referenced under.
func SessionID(trader common.Address, relayerSetRoot [32]byte, salt *big.Int) [32]byte {
	buf := make([]byte, 0, 20+32+32)
	buf = append(buf, trader.Bytes()...)
	buf = append(buf, relayerSetRoot[:]...)
	buf = append(buf, common.LeftPadBytes(salt.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// EIP712Signer hashes and verifies typed-data messages against one
// domain, following the domain-separator + HashStruct pattern used for
// every signed payload in the gateway.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Perpcore",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) domainTypedData() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

func digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	msgHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, msgHash...)
	return crypto.Keccak256(raw), nil
}

// HashOrder returns the digest a trader signs for a per-action order.
func (e *EIP712Signer) HashOrder(o *OrderTypedMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "trader", Type: "address"},
				{Name: "market", Type: "string"},
				{Name: "side", Type: "uint8"},
				{Name: "qty", Type: "uint256"},
				{Name: "price", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain:      e.domainTypedData(),
		Message: apitypes.TypedDataMessage{
			"trader":   o.Trader.Hex(),
			"market":   o.Market,
			"side":     fmt.Sprintf("%d", o.Side),
			"qty":      o.Qty.String(),
			"price":    o.Price.String(),
			"deadline": o.Deadline.String(),
			"nonce":    o.Nonce.String(),
		},
	}
	return digest(typedData)
}

// HashCancel returns the digest a trader signs to cancel an order
// per-action (outside a session).
func (e *EIP712Signer) HashCancel(c *CancelTypedMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Cancel": []apitypes.Type{
				{Name: "trader", Type: "address"},
				{Name: "orderId", Type: "string"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Cancel",
		Domain:      e.domainTypedData(),
		Message: apitypes.TypedDataMessage{
			"trader":  c.Trader.Hex(),
			"orderId": c.OrderID,
			"nonce":   c.Nonce.String(),
		},
	}
	return digest(typedData)
}

// HashSessionPermit returns the digest a trader signs once to open a
// session under the relayer set root.
func (e *EIP712Signer) HashSessionPermit(p *SessionPermitTypedMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SessionPermit": []apitypes.Type{
				{Name: "trader", Type: "address"},
				{Name: "relayerSetRoot", Type: "bytes32"},
				{Name: "expiry", Type: "uint256"},
				{Name: "maxNotionalPerTrade", Type: "uint256"},
				{Name: "maxNotionalPerSession", Type: "uint256"},
				{Name: "methodsBitmap", Type: "uint256"},
				{Name: "salt", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SessionPermit",
		Domain:      e.domainTypedData(),
		Message: apitypes.TypedDataMessage{
			"trader":                p.Trader.Hex(),
			"relayerSetRoot":        fmt.Sprintf("0x%x", p.RelayerSetRoot),
			"expiry":                p.Expiry.String(),
			"maxNotionalPerTrade":   p.MaxNotionalPerTrade.String(),
			"maxNotionalPerSession": p.MaxNotionalPerSession.String(),
			"methodsBitmap":         fmt.Sprintf("%d", p.MethodsBitmap),
			"salt":                  p.Salt.String(),
			"nonce":                 p.Nonce.String(),
		},
	}
	return digest(typedData)
}

// VerifyAgainst recovers the signer of hash from signature and reports
// whether it matches want.
func VerifyAgainst(want common.Address, hash, signature []byte) (bool, error) {
	got, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
