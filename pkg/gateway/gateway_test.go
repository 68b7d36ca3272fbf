package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	hcrypto "github.com/hyperlicked/perpcore/pkg/crypto"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
	"github.com/hyperlicked/perpcore/pkg/vault"
	"go.uber.org/zap"
)

func fx(t *testing.T, s string) decimal.Fixed {
	t.Helper()
	f, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return l.Sugar()
}

func newTestVault(t *testing.T) *vault.Manager {
	t.Helper()
	dbPath := fmt.Sprintf("./tmp_test_gateway_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() { os.RemoveAll(dbPath) })
	m, err := vault.NewManager(dbPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testMarket(t *testing.T) *market.Market {
	t.Helper()
	creator := common.HexToAddress("0xCC00000000000000000000000000000000000009")
	id := market.DeriveMarketID("GOLD-USD", creator, 1)
	tick := fx(t, "0.01")
	lot := fx(t, "0.01")
	params := market.CustomPerpetual(tick, lot, 10)
	params.BaseAsset = "GOLD"
	params.QuoteAsset = "USD"
	params.StartingPrice = fx(t, "100")
	m, err := market.New("GOLD-USD", creator, id, params)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	m.Status = market.Active
	m.MarkPrice = fx(t, "100")
	m.IndexPrice = fx(t, "100")
	return m
}

func newTestServer(t *testing.T) (*Server, *vault.Manager) {
	t.Helper()
	vm := newTestVault(t)
	mkt := testMarket(t)
	registry := market.NewRegistry()
	if err := registry.Register(mkt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	books := orderbook.NewBooks()
	sessions := NewSessionStore()
	eip := hcrypto.NewEIP712Signer(hcrypto.DefaultDomain())
	now := int64(1_700_000_000)
	s := NewServer(vm, registry, books, sessions, eip, testLogger(t), func() int64 { return now }, DefaultRateLimits())
	return s, vm
}

func sigHex(t *testing.T, signer *hcrypto.Signer, digest []byte) string {
	t.Helper()
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func TestSubmitOrderRestsOnBookWithValidSignature(t *testing.T) {
	s, vm := newTestServer(t)
	signer, err := hcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	trader := signer.Address()
	if err := vm.Deposit(trader, fx(t, "10000")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	msg := &hcrypto.OrderTypedMessage{
		Trader: trader, Market: "GOLD-USD", Side: 0,
		Qty: fx(t, "1.0").Raw(), Price: fx(t, "100").Raw(),
		Deadline: big.NewInt(0), Nonce: big.NewInt(1),
	}
	digest, err := s.EIP.HashOrder(msg)
	if err != nil {
		t.Fatalf("HashOrder: %v", err)
	}

	body := fmt.Sprintf(`{"trader":%q,"market":"GOLD-USD","side":0,"orderType":"LIMIT","tif":"GTC","qty":"1.0","price":"100","deadline":0,"nonce":1,"signature":%q}`,
		trader.Hex(), sigHex(t, signer, digest))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	acc := vm.GetAccount(trader)
	if acc.LockedForOrders.IsZero() {
		t.Fatalf("expected margin reserved against the resting order, got zero")
	}

	book, ok := s.Books.Get("GOLD-USD")
	if !ok {
		t.Fatalf("expected a book to exist for GOLD-USD")
	}
	if len(book.GetBidLevels(10)) != 1 {
		t.Fatalf("expected the order to rest on the bid side")
	}
}

func TestSubmitOrderRejectsWrongSignature(t *testing.T) {
	s, _ := newTestServer(t)
	signer, _ := hcrypto.GenerateKey()
	other, _ := hcrypto.GenerateKey()
	trader := signer.Address()

	msg := &hcrypto.OrderTypedMessage{
		Trader: trader, Market: "GOLD-USD", Side: 0,
		Qty: fx(t, "1.0").Raw(), Price: fx(t, "100").Raw(),
		Deadline: big.NewInt(0), Nonce: big.NewInt(1),
	}
	digest, _ := s.EIP.HashOrder(msg)

	body := fmt.Sprintf(`{"trader":%q,"market":"GOLD-USD","side":0,"orderType":"LIMIT","tif":"GTC","qty":"1.0","price":"100","deadline":0,"nonce":1,"signature":%q}`,
		trader.Hex(), sigHex(t, other, digest))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a mismatched signature, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSessionInitThenOrderWithinBudget(t *testing.T) {
	s, vm := newTestServer(t)
	trader, _ := hcrypto.GenerateKey()
	relayer, _ := hcrypto.GenerateKey()
	if err := vm.Deposit(trader.Address(), fx(t, "10000")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	relayerSet := []common.Address{relayer.Address()}
	root := hcrypto.MerkleRoot(relayerSet)
	proof := hcrypto.MerkleProof(relayerSet, 0)

	salt := big.NewInt(7)
	permit := &hcrypto.SessionPermitTypedMessage{
		Trader: trader.Address(), RelayerSetRoot: root, Expiry: big.NewInt(2_000_000_000),
		MaxNotionalPerTrade: fx(t, "500").Raw(), MaxNotionalPerSession: fx(t, "1000").Raw(),
		MethodsBitmap: MethodPlaceOrder | MethodCancelOrder, Salt: salt, Nonce: big.NewInt(1),
	}
	digest, err := s.EIP.HashSessionPermit(permit)
	if err != nil {
		t.Fatalf("HashSessionPermit: %v", err)
	}

	proofHexes := make([]string, len(proof))
	for i, p := range proof {
		proofHexes[i] = "0x" + hex.EncodeToString(p[:])
	}
	proofJSONBytes, err := json.Marshal(proofHexes)
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	proofJSON := string(proofJSONBytes)

	body := fmt.Sprintf(`{"trader":%q,"relayerSetRoot":"0x%s","relayer":%q,"relayerProof":%s,"expiry":2000000000,"maxNotionalPerTrade":"500","maxNotionalPerSession":"1000","methodsBitmap":%d,"salt":"0x%s","nonce":1,"signature":%q}`,
		trader.Address().Hex(), hex.EncodeToString(root[:]), relayer.Address().Hex(), proofJSON,
		MethodPlaceOrder|MethodCancelOrder, salt.Text(16), sigHex(t, trader, digest))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/init", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected session init to succeed, got %d: %s", w.Code, w.Body.String())
	}

	expectedID := hcrypto.SessionID(trader.Address(), root, salt)
	wantSessionID := "0x" + hex.EncodeToString(expectedID[:])
	if !strings.Contains(w.Body.String(), wantSessionID) {
		t.Fatalf("expected response to contain session id %s, got %s", wantSessionID, w.Body.String())
	}

	orderBody := fmt.Sprintf(`{"trader":%q,"market":"GOLD-USD","side":0,"orderType":"LIMIT","tif":"GTC","qty":"1.0","price":"100","deadline":0,"nonce":1,"sessionId":%q,"signature":"0x00"}`,
		trader.Address().Hex(), wantSessionID)
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(orderBody))
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected session-authorized order to succeed, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestSessionBudgetExhaustedRejectsTrade(t *testing.T) {
	s, vm := newTestServer(t)
	trader, _ := hcrypto.GenerateKey()
	relayer, _ := hcrypto.GenerateKey()
	vm.Deposit(trader.Address(), fx(t, "10000"))

	relayerSet := []common.Address{relayer.Address()}
	root := hcrypto.MerkleRoot(relayerSet)

	sessID, err := s.Sessions.Init(trader.Address(), root, relayer.Address(), hcrypto.MerkleProof(relayerSet, 0),
		2_000_000_000, fx(t, "50"), fx(t, "50"), MethodPlaceOrder, big.NewInt(1))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// notional 1.0 * 100 = 100, exceeds the 50 max-per-trade cap.
	if err := s.Sessions.Authorize(sessID.ID, 0, MethodPlaceOrder, fx(t, "100")); err == nil {
		t.Fatalf("expected budget exhaustion to reject the trade")
	}
}

func TestCancelOrderReleasesMargin(t *testing.T) {
	s, vm := newTestServer(t)
	signer, _ := hcrypto.GenerateKey()
	trader := signer.Address()
	vm.Deposit(trader, fx(t, "10000"))

	msg := &hcrypto.OrderTypedMessage{
		Trader: trader, Market: "GOLD-USD", Side: 0,
		Qty: fx(t, "1.0").Raw(), Price: fx(t, "100").Raw(),
		Deadline: big.NewInt(0), Nonce: big.NewInt(1),
	}
	digest, _ := s.EIP.HashOrder(msg)
	body := fmt.Sprintf(`{"trader":%q,"market":"GOLD-USD","side":0,"orderType":"LIMIT","tif":"GTC","qty":"1.0","price":"100","deadline":0,"nonce":1,"signature":%q}`,
		trader.Hex(), sigHex(t, signer, digest))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("order submission failed: %s", w.Body.String())
	}
	var resp OrderResponse
	decodeJSON(t, w.Body.Bytes(), &resp)

	cancelMsg := &hcrypto.CancelTypedMessage{Trader: trader, OrderID: resp.OrderID, Nonce: big.NewInt(2)}
	cancelDigest, _ := s.EIP.HashCancel(cancelMsg)
	cancelBody := fmt.Sprintf(`{"trader":%q,"orderId":%q,"nonce":2,"signature":%q}`,
		trader.Hex(), resp.OrderID, sigHex(t, signer, cancelDigest))
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/orders/cancel", strings.NewReader(cancelBody))
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected cancel to succeed, got %d: %s", w2.Code, w2.Body.String())
	}

	acc := vm.GetAccount(trader)
	if !acc.LockedForOrders.IsZero() {
		t.Fatalf("expected margin released after cancel, still locked %s", acc.LockedForOrders)
	}
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
