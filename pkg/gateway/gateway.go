package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperlicked/perpcore/pkg/apperr"
	hcrypto "github.com/hyperlicked/perpcore/pkg/crypto"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

// RateLimits configures the gateway's backpressure controls, per
// spec.md §5: a global cap on total order throughput plus a per-trader
// cap so one noisy session can't starve the rest.
type RateLimits struct {
	GlobalRPS      float64
	GlobalBurst    int
	PerTraderRPS   float64
	PerTraderBurst int
}

func DefaultRateLimits() RateLimits {
	return RateLimits{GlobalRPS: 500, GlobalBurst: 1000, PerTraderRPS: 20, PerTraderBurst: 40}
}

// LiquidationQueue is the subset of liquidation.Queue the admin API
// needs, narrowed so the gateway doesn't import the liquidation
// package's worker-pool machinery just to report queue depth.
type LiquidationQueue interface {
	Len() int
}

// Server is the signed-order gateway: REST + WebSocket front door over
// the vault, market registry and order books.
type Server struct {
	Vault    *vault.Manager
	Markets  *market.Registry
	Books    *orderbook.Books
	Sessions *SessionStore
	EIP      *hcrypto.EIP712Signer

	// LiqQueue and AdminToken back the operator-only admin routes
	// (perpctl markets-pause/markets-resume/liq-queue); AdminToken
	// empty disables the admin routes entirely.
	LiqQueue   LiquidationQueue
	AdminToken string

	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub
	nowFn  func() int64
	txLog  *os.File

	limits   RateLimits
	global   *rate.Limiter
	traderMu sync.Mutex
	trader   map[common.Address]*rate.Limiter
}

func NewServer(vaultMgr *vault.Manager, markets *market.Registry, books *orderbook.Books, sessions *SessionStore, eip *hcrypto.EIP712Signer, log *zap.SugaredLogger, nowFn func() int64, limits RateLimits) *Server {
	txLogPath := os.Getenv("GATEWAY_TX_LOG_FILE")
	if txLogPath == "" {
		txLogPath = "data/orders.log"
	}
	os.MkdirAll("data", 0755)
	txLog, err := os.OpenFile(txLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Warnw("failed to open order log, continuing without it", "path", txLogPath, "err", err)
		txLog = nil
	}

	s := &Server{
		Vault:    vaultMgr,
		Markets:  markets,
		Books:    books,
		Sessions: sessions,
		EIP:      eip,
		log:      log,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		nowFn:    nowFn,
		txLog:    txLog,
		limits:   limits,
		global:   rate.NewLimiter(rate.Limit(limits.GlobalRPS), limits.GlobalBurst),
		trader:   make(map[common.Address]*rate.Limiter),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/book", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/session/init", s.handleSessionInit).Methods("POST")
	api.HandleFunc("/session/revoke", s.handleSessionRevoke).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminToken)
	admin.HandleFunc("/markets/{symbol}/pause", s.handleAdminMarketPause).Methods("POST")
	admin.HandleFunc("/markets/{symbol}/resume", s.handleAdminMarketResume).Methods("POST")
	admin.HandleFunc("/liquidation/queue", s.handleAdminLiquidationQueue).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// requireAdminToken rejects every admin request when AdminToken is unset
// (the admin surface is opt-in), and otherwise requires a matching
// X-Admin-Token header.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.AdminToken {
			respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminMarketPause(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.Markets.SetStatus(symbol, market.Paused); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindConflict, apperr.CodeMarketPaused, "pause failed", err))
		return
	}
	s.log.Infow("market_paused_by_operator", "symbol", symbol)
	respondJSON(w, map[string]string{"symbol": symbol, "status": "Paused"})
}

func (s *Server) handleAdminMarketResume(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.Markets.SetStatus(symbol, market.Active); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindConflict, apperr.CodeMarketPaused, "resume failed", err))
		return
	}
	s.log.Infow("market_resumed_by_operator", "symbol", symbol)
	respondJSON(w, map[string]string{"symbol": symbol, "status": "Active"})
}

func (s *Server) handleAdminLiquidationQueue(w http.ResponseWriter, r *http.Request) {
	if s.LiqQueue == nil {
		respondJSON(w, map[string]int{"queue_len": 0})
		return
	}
	respondJSON(w, map[string]int{"queue_len": s.LiqQueue.Len()})
}

// Start runs the hub loop and serves the gateway on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.log.Infow("gateway starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) traderLimiter(addr common.Address) *rate.Limiter {
	s.traderMu.Lock()
	defer s.traderMu.Unlock()
	l, ok := s.trader[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.limits.PerTraderRPS), s.limits.PerTraderBurst)
		s.trader[addr] = l
	}
	return l
}

// allow enforces the global and per-trader token buckets; false means the
// caller responds with a transient "rate limit exceeded" error (HTTP 503)
// and drops the request.
func (s *Server) allow(addr common.Address) bool {
	return s.global.Allow() && s.traderLimiter(addr).Allow()
}

// ==============================
// Market / account read handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	mkts := s.Markets.List()
	out := make([]MarketInfo, len(mkts))
	for i, m := range mkts {
		out[i] = marketInfo(m)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, err := s.Markets.Get(symbol)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, marketInfo(m))
}

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:               m.Symbol,
		BaseAsset:            m.BaseAsset,
		QuoteAsset:           m.QuoteAsset,
		Type:                 m.Type.String(),
		Status:               m.Status.String(),
		TickSize:             m.TickSize,
		LotSize:              m.LotSize,
		MaxLeverage:          m.MaxLeverage,
		TakerFeeBps:          m.TradingFeeBps,
		MakerFeeBps:          m.MakerFeeBps,
		MaintenanceMarginBps: m.MaintenanceMarginBps,
		MarkPrice:            m.MarkPrice,
		IndexPrice:           m.IndexPrice,
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	book, ok := s.Books.Get(symbol)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "no book for symbol"))
		return
	}
	respondJSON(w, snapshotBook(symbol, book, s.nowFn()))
}

func snapshotBook(symbol string, book *orderbook.OrderBook, now int64) OrderbookSnapshot {
	bidLevels := book.GetBidLevels(50)
	askLevels := book.GetAskLevels(50)
	bids := make([]PriceLevel, len(bidLevels))
	for i, l := range bidLevels {
		bids[i] = PriceLevel{Price: l.Price, Size: l.Qty}
	}
	asks := make([]PriceLevel, len(askLevels))
	for i, l := range askLevels {
		asks[i] = PriceLevel{Price: l.Price, Size: l.Qty}
	}
	return OrderbookSnapshot{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: now}
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid address"))
		return
	}
	acc := s.Vault.GetAccount(addr)
	respondJSON(w, AccountInfo{
		Address:            acc.Address.Hex(),
		Balance:            acc.Balance,
		LockedForOrders:    acc.LockedForOrders,
		LockedForPositions: acc.LockedForPositions,
		AvailableBalance:   acc.AvailableBalance(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid address"))
		return
	}
	acc := s.Vault.GetAccount(addr)
	out := make([]PositionInfo, 0, len(acc.Positions))
	for symbol, pos := range acc.Positions {
		if pos.Size.IsZero() {
			continue
		}
		markPrice := pos.EntryPrice
		if m, err := s.Markets.Get(symbol); err == nil {
			markPrice = m.MarkPrice
		}
		out = append(out, PositionInfo{
			Symbol:        symbol,
			Size:          pos.Size,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     markPrice,
			UnrealizedPnL: pos.UnrealizedPnL(markPrice),
			Margin:        pos.Margin,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Order submission
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid request body", err))
		return
	}

	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid trader address"))
		return
	}
	if !s.allow(trader) {
		respondErr(w, apperr.New(apperr.KindTransient, apperr.CodeRPCTimeout, "rate limit exceeded"))
		return
	}

	mkt, err := s.Markets.Get(req.Market)
	if err != nil {
		respondErr(w, err)
		return
	}
	if mkt.Status != market.Active {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeMarketPaused, "market not active"))
		return
	}

	qty, err := decimal.Parse(req.Qty)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidQty, "invalid qty", err))
		return
	}
	var price decimal.Fixed
	if req.Price != "" {
		price, err = decimal.Parse(req.Price)
		if err != nil {
			respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidPrice, "invalid price", err))
			return
		}
	} else {
		price = mkt.MarkPrice
	}

	side := orderbook.Buy
	if req.Side == 1 {
		side = orderbook.Sell
	}
	orderType, tif, err := parseOrderType(req.OrderType, req.TIF)
	if err != nil {
		respondErr(w, err)
		return
	}

	msg := &hcrypto.OrderTypedMessage{
		Trader:   trader,
		Market:   mkt.Symbol,
		Side:     req.Side,
		Qty:      qty.Raw(),
		Price:    price.Raw(),
		Deadline: big.NewInt(req.Deadline),
		Nonce:    big.NewInt(req.Nonce),
	}
	digest, err := s.EIP.HashOrder(msg)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "failed to hash order", err))
		return
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		respondErr(w, err)
		return
	}

	notional := qty.Mul(price)

	if req.SessionID != "" {
		sessID, err := parseSessionID(req.SessionID)
		if err != nil {
			respondErr(w, err)
			return
		}
		if authErr := s.Sessions.Authorize(sessID, s.nowFn(), MethodPlaceOrder, notional); authErr != nil {
			respondErr(w, authErr)
			return
		}
	} else {
		signer, err := hcrypto.RecoverAddress(digest, sig)
		if err != nil || signer != trader {
			respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "order signature does not match trader"))
			return
		}
	}

	unitMargin := price.MulBps(mkt.InitialMarginBps)
	marginAmount := unitMargin.Mul(qty)
	orderID := uuid.New()
	if err := s.Vault.ReserveMargin(orderID, trader, mkt.Symbol, marginAmount); err != nil {
		respondErr(w, err)
		return
	}

	order := &orderbook.Order{
		ID:     orderID,
		Trader: trader,
		Symbol: mkt.Symbol,
		Side:   side,
		Type:   orderType,
		TIF:    tif,
		Qty:    qty,
		Price:  price,
	}
	book := s.Books.GetOrCreate(mkt.Symbol)
	fills, placeErr := book.Place(order, mkt, s.nowFn())
	if placeErr != nil && len(fills) == 0 {
		s.Vault.ReleaseMargin(orderID)
		respondErr(w, placeErr)
		return
	}

	for _, f := range fills {
		if f.IsMakerCancelled {
			continue
		}
		fillSide := int8(1)
		if side == orderbook.Sell {
			fillSide = -1
		}
		if err := s.Vault.SettleFill(vault.FillSide{
			OrderID:      orderID,
			Trader:       trader,
			Symbol:       mkt.Symbol,
			Side:         fillSide,
			Qty:          f.Qty,
			Price:        f.Price,
			FeeBps:       mkt.TradingFeeBps,
			ReservedUnit: unitMargin,
		}); err != nil {
			s.log.Errorw("settle fill failed after match", "order", orderID, "err", err)
		}
		s.hub.BroadcastToChannel("trades:"+mkt.Symbol, FillUpdate{
			Type: "trade", Symbol: mkt.Symbol, Price: f.Price, Qty: f.Qty,
			Side: side.String(), Timestamp: s.nowFn(),
		})
	}
	if !restsOnBook(order) {
		// filled, cancelled, or never eligible to rest (MARKET/IOC/FOK):
		// nothing further will match against it, so any leftover
		// reservation on the unfilled remainder is released.
		s.Vault.ReleaseMargin(orderID)
	}

	if len(fills) > 0 {
		s.hub.BroadcastToChannel("orderbook:"+mkt.Symbol, OrderbookUpdate{
			Type: "orderbook", Symbol: mkt.Symbol, Timestamp: s.nowFn(),
		})
	}

	s.logOrder(orderID.String(), trader.Hex(), mkt.Symbol)

	respondJSON(w, OrderResponse{OrderID: orderID.String(), Status: order.Status.String()})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid request body", err))
		return
	}
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "invalid orderId"))
		return
	}

	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid trader address"))
		return
	}

	msg := &hcrypto.CancelTypedMessage{Trader: trader, OrderID: req.OrderID, Nonce: big.NewInt(req.Nonce)}
	digest, err := s.EIP.HashCancel(msg)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "failed to hash cancel", err))
		return
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		respondErr(w, err)
		return
	}

	if req.SessionID != "" {
		sessID, err := parseSessionID(req.SessionID)
		if err != nil {
			respondErr(w, err)
			return
		}
		if authErr := s.Sessions.Authorize(sessID, s.nowFn(), MethodCancelOrder, decimal.Zero()); authErr != nil {
			respondErr(w, authErr)
			return
		}
	} else {
		signer, err := hcrypto.RecoverAddress(digest, sig)
		if err != nil || signer != trader {
			respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "cancel signature does not match trader"))
			return
		}
	}

	var cancelled *orderbook.Order
	for _, m := range s.Markets.List() {
		book, ok := s.Books.Get(m.Symbol)
		if !ok {
			continue
		}
		if o, err := book.Cancel(orderID); err == nil {
			cancelled = o
			break
		}
	}
	if cancelled == nil {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "order not found or already terminal"))
		return
	}
	s.Vault.ReleaseMargin(orderID)

	respondJSON(w, map[string]string{"status": "cancelled", "orderId": req.OrderID})
}

// ==============================
// Session management
// ==============================

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req SessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid request body", err))
		return
	}

	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid trader address"))
		return
	}
	relayer, ok := parseAddress(req.Relayer)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid relayer address"))
		return
	}
	root, err := parseHash32(req.RelayerSetRoot)
	if err != nil {
		respondErr(w, err)
		return
	}
	salt, ok := new(big.Int).SetString(strings.TrimPrefix(req.Salt, "0x"), 16)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid salt"))
		return
	}
	maxPerTrade, err := decimal.Parse(req.MaxNotionalPerTrade)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidQty, "invalid maxNotionalPerTrade", err))
		return
	}
	maxPerSession, err := decimal.Parse(req.MaxNotionalPerSession)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidQty, "invalid maxNotionalPerSession", err))
		return
	}

	msg := &hcrypto.SessionPermitTypedMessage{
		Trader:                trader,
		RelayerSetRoot:        root,
		Expiry:                big.NewInt(req.Expiry),
		MaxNotionalPerTrade:   maxPerTrade.Raw(),
		MaxNotionalPerSession: maxPerSession.Raw(),
		MethodsBitmap:         req.MethodsBitmap,
		Salt:                  salt,
		Nonce:                 big.NewInt(req.Nonce),
	}
	digest, err := s.EIP.HashSessionPermit(msg)
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "failed to hash session permit", err))
		return
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		respondErr(w, err)
		return
	}
	signer, err := hcrypto.RecoverAddress(digest, sig)
	if err != nil || signer != trader {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "session permit signature does not match trader"))
		return
	}

	proof, err := parseProof(req.RelayerProof)
	if err != nil {
		respondErr(w, err)
		return
	}

	sess, err := s.Sessions.Init(trader, root, relayer, proof, req.Expiry, maxPerTrade, maxPerSession, req.MethodsBitmap, salt)
	if err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, SessionInitResponse{SessionID: "0x" + hex.EncodeToString(sess.ID[:]), Status: "active"})
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	var req SessionRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "invalid request body", err))
		return
	}
	sessID, err := parseSessionID(req.SessionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	sess, ok := s.Sessions.Get(sessID)
	if !ok {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeUnknownOrder, "unknown session"))
		return
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		respondErr(w, err)
		return
	}
	digest := sessionRevokeDigest(sessID)
	signer, err := hcrypto.RecoverAddress(digest, sig)
	if err != nil || signer != sess.Trader {
		respondErr(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "revoke signature does not match session trader"))
		return
	}
	if err := s.Sessions.Revoke(sessID); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "revoked"})
}

// sessionRevokeDigest is the hash a trader signs to revoke their own
// session, distinct from the permit digest so a captured permit
// signature can never be replayed as a revocation.
func sessionRevokeDigest(sessID [32]byte) []byte {
	msg := append([]byte("revoke-session:"), sessID[:]...)
	return ethcrypto.Keccak256(msg)
}

// ==============================
// Helpers
// ==============================

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return out, apperr.New(apperr.KindValidation, apperr.CodeInvalidSignature, "expected a 32-byte hex hash")
	}
	copy(out[:], b)
	return out, nil
}

func parseSessionID(s string) ([32]byte, error) {
	return parseHash32(s)
}

func parseProof(hexes []string) ([][32]byte, error) {
	proof := make([][32]byte, len(hexes))
	for i, h := range hexes {
		p, err := parseHash32(h)
		if err != nil {
			return nil, err
		}
		proof[i] = p
	}
	return proof, nil
}

func decodeSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidSignature, "signature must be hex-encoded", err)
	}
	return b, nil
}

// restsOnBook reports whether o may still be resting in the book after
// Place returns, mirroring OrderBook.Place's own never-rests conditions
// for MARKET/StopMarket orders and IOC/FOK time-in-force.
func restsOnBook(o *orderbook.Order) bool {
	if o.IsClosed() {
		return false
	}
	if o.Type == orderbook.Market || o.Type == orderbook.StopMarket {
		return false
	}
	if o.TIF == orderbook.IOC || o.TIF == orderbook.FOK {
		return false
	}
	return true
}

func parseOrderType(orderType, tif string) (orderbook.OrderType, orderbook.TIF, error) {
	var ot orderbook.OrderType
	switch strings.ToUpper(orderType) {
	case "MARKET":
		ot = orderbook.Market
	case "LIMIT":
		ot = orderbook.Limit
	case "STOP_LIMIT":
		ot = orderbook.StopLimit
	case "STOP_MARKET":
		ot = orderbook.StopMarket
	case "ICEBERG":
		ot = orderbook.Iceberg
	default:
		return 0, 0, apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, fmt.Sprintf("unknown order type %q", orderType))
	}

	var t orderbook.TIF
	switch strings.ToUpper(tif) {
	case "", "GTC":
		t = orderbook.GTC
	case "IOC":
		t = orderbook.IOC
	case "FOK":
		t = orderbook.FOK
	case "GTD":
		t = orderbook.GTD
	default:
		return 0, 0, apperr.New(apperr.KindValidation, apperr.CodeInvalidQty, fmt.Sprintf("unknown tif %q", tif))
	}
	return ot, t, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondErr(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.Wrap(apperr.KindFatal, apperr.CodeVaultInvariantBroken, "unexpected error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(ae.Kind))
	json.NewEncoder(w).Encode(ErrorResponse{Code: string(ae.Code), Message: ae.Message})
}

func (s *Server) logOrder(orderID, trader, symbol string) {
	if s.txLog == nil {
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"order_id":  orderID,
		"trader":    trader,
		"symbol":    symbol,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.txLog.Write(b)
	s.txLog.Write([]byte("\n"))
}
