package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestOrderSignatureRoundTrip(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	eip := NewEIP712Signer(DefaultDomain())
	order := &OrderTypedMessage{
		Trader:   signer.Address(),
		Market:   "GOLD-USD",
		Side:     0,
		Qty:      big.NewInt(1e18),
		Price:    big.NewInt(100e18),
		Deadline: big.NewInt(0),
		Nonce:    big.NewInt(1),
	}
	hash, err := eip.HashOrder(order)
	if err != nil {
		t.Fatalf("HashOrder: %v", err)
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := VerifyAgainst(signer.Address(), hash, sig)
	if err != nil {
		t.Fatalf("VerifyAgainst: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify against its own signer")
	}

	wrongAddr := common.HexToAddress("0x00000000000000000000000000000000000001")
	ok, err = VerifyAgainst(wrongAddr, hash, sig)
	if err != nil {
		t.Fatalf("VerifyAgainst: %v", err)
	}
	if ok {
		t.Fatalf("signature should not verify against an unrelated address")
	}
}

func TestSessionPermitHashChangesWithField(t *testing.T) {
	eip := NewEIP712Signer(DefaultDomain())
	trader := common.HexToAddress("0x00000000000000000000000000000000000002")
	base := &SessionPermitTypedMessage{
		Trader:                trader,
		RelayerSetRoot:        [32]byte{1},
		Expiry:                big.NewInt(1000),
		MaxNotionalPerTrade:   big.NewInt(1000e18),
		MaxNotionalPerSession: big.NewInt(10000e18),
		MethodsBitmap:         1,
		Salt:                  big.NewInt(7),
		Nonce:                 big.NewInt(1),
	}
	h1, err := eip.HashSessionPermit(base)
	if err != nil {
		t.Fatalf("HashSessionPermit: %v", err)
	}

	modified := *base
	modified.Expiry = big.NewInt(2000)
	h2, err := eip.HashSessionPermit(&modified)
	if err != nil {
		t.Fatalf("HashSessionPermit: %v", err)
	}
	if string(h1) == string(h2) {
		t.Fatalf("expected changing expiry to change the digest")
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	trader := common.HexToAddress("0x00000000000000000000000000000000000003")
	root := [32]byte{9}
	salt := big.NewInt(42)
	id1 := SessionID(trader, root, salt)
	id2 := SessionID(trader, root, salt)
	if id1 != id2 {
		t.Fatalf("expected SessionID to be deterministic for the same inputs")
	}
	id3 := SessionID(trader, root, big.NewInt(43))
	if id1 == id3 {
		t.Fatalf("expected a different salt to change the session id")
	}
}
