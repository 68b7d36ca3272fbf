package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hyperlicked/perpcore/params"
	"github.com/hyperlicked/perpcore/pkg/crypto"
	"github.com/hyperlicked/perpcore/pkg/decimal"
	"github.com/hyperlicked/perpcore/pkg/dispatch"
	"github.com/hyperlicked/perpcore/pkg/funding"
	"github.com/hyperlicked/perpcore/pkg/gateway"
	"github.com/hyperlicked/perpcore/pkg/ingest"
	"github.com/hyperlicked/perpcore/pkg/liquidation"
	"github.com/hyperlicked/perpcore/pkg/market"
	"github.com/hyperlicked/perpcore/pkg/orderbook"
	"github.com/hyperlicked/perpcore/pkg/util"
	"github.com/hyperlicked/perpcore/pkg/vault"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Storage.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Storage.LogFile)

	nowFn := func() int64 { return time.Now().Unix() }

	// ---- Ledger, registry and books ----
	vaultMgr, err := vault.NewManager(cfg.Storage.DataDir + "/vault")
	if err != nil {
		sugar.Fatalw("vault_init_failed", "err", err)
	}
	markets := market.NewRegistry()
	books := orderbook.NewBooks()

	genesisAt := nowFn()
	btcParams := market.CustomPerpetual(decimal.FromInt(1), mustParse("0.001"), 20)
	btcParams.BaseAsset = "BTC"
	btcParams.QuoteAsset = "USD"
	btcParams.TradingFeeBps = cfg.Fees.TakerFeeBps
	btcParams.MakerFeeBps = cfg.Fees.MakerFeeBps
	btcParams.FundingInterval = cfg.Funding.Interval
	btcParams.MaxFundingRateBps = cfg.Funding.MaxRateBps
	btcParams.StartingPrice = decimal.FromInt(60000)
	btcusd, err := market.New("BTC-USD", common.Address{}, market.DeriveMarketID("BTC-USD", common.Address{}, genesisAt), btcParams)
	if err != nil {
		sugar.Fatalw("genesis_market_failed", "err", err)
	}
	if err := markets.Register(btcusd); err != nil {
		sugar.Fatalw("genesis_market_register_failed", "err", err)
	}
	books.GetOrCreate(btcusd.Symbol)

	// ---- Signed-order gateway ----
	domain := crypto.EIP712Domain{
		Name:              cfg.EIP712.Name,
		Version:           cfg.EIP712.Version,
		ChainID:           new(big.Int).SetUint64(cfg.EIP712.ChainID),
		VerifyingContract: cfg.EIP712.VerifyingContract,
	}
	eip := crypto.NewEIP712Signer(domain)
	sessions := gateway.NewSessionStore()
	limits := gateway.RateLimits{
		GlobalRPS:      float64(cfg.RateLimits.GlobalRatePerSec),
		GlobalBurst:    cfg.RateLimits.GlobalBurst,
		PerTraderRPS:   float64(cfg.RateLimits.PerTraderRatePerSec),
		PerTraderBurst: cfg.RateLimits.PerTraderBurst,
	}
	gwLogger := sugar.With("component", "gateway")
	server := gateway.NewServer(vaultMgr, markets, books, sessions, eip, gwLogger, nowFn, limits)
	server.AdminToken = cfg.Gateway.AdminToken

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Liquidation engine ----
	// Wired into the gateway before it starts accepting connections so the
	// admin queue-depth route never observes a nil LiqQueue.
	liqQueue := liquidation.NewQueue(10000)
	server.LiqQueue = liqQueue
	liqEngine := liquidation.NewEngine(liqQueue, vaultMgr, markets, books, 4, nowFn)
	liqLogger := sugar.With("component", "liquidation")
	liqEngine.OnFatal = func(job *liquidation.Job, err error) {
		liqLogger.Errorw("liquidation_escalation", "trader", job.Trader.Hex(), "symbol", job.Symbol, "err", err)
	}

	go func() {
		sugar.Infow("gateway_starting", "addr", cfg.Gateway.ListenAddr)
		if err := server.Start(cfg.Gateway.ListenAddr); err != nil {
			sugar.Fatalw("gateway_failed", "err", err)
		}
	}()

	// ---- Funding rate accountant ----
	accountant := funding.NewAccountant()
	go func() {
		ticker := time.NewTicker(cfg.Funding.Interval)
		defer ticker.Stop()
		fundingLogger := sugar.With("component", "funding")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, mkt := range markets.List() {
					rate, periods, err := accountant.Tick(mkt, vaultMgr, nowFn())
					if err != nil {
						fundingLogger.Warnw("funding_tick_failed", "symbol", mkt.Symbol, "err", err)
						continue
					}
					fundingLogger.Infow("funding_settled", "symbol", mkt.Symbol, "weighted_rate", rate, "periods", periods)
				}
			}
		}
	}()

	go liqEngine.Run(ctx, time.Second)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, mkt := range markets.List() {
					liqEngine.ScanMarket(mkt)
				}
			}
		}
	}()

	// ---- Transaction dispatch & nonce allocator ----
	var dispatcher *dispatch.Dispatcher
	dispatchStore, err := dispatch.NewStore(cfg.Storage.DataDir + "/dispatch")
	if err != nil {
		sugar.Fatalw("dispatch_store_failed", "err", err)
	}
	pool, err := dispatch.NewPool(dispatchStore, dispatch.DefaultHealthThresholds(), nowFn)
	if err != nil {
		sugar.Fatalw("dispatch_pool_failed", "err", err)
	}
	for _, sc := range cfg.Signers {
		if sc.KeyPath == "" {
			continue
		}
		keyHex, err := os.ReadFile(sc.KeyPath)
		if err != nil {
			sugar.Warnw("signer_key_read_failed", "role", sc.Role, "path", sc.KeyPath, "err", err)
			continue
		}
		signer, err := crypto.FromPrivateKeyHex(string(keyHex))
		if err != nil {
			sugar.Warnw("signer_key_parse_failed", "role", sc.Role, "err", err)
			continue
		}
		pool.Register(signer, sc.ChainID)
	}
	if primary, ok := cfg.Chains[cfg.EIP712.ChainID]; ok && primary.RPCURL != "" {
		ethClient, err := ethclient.DialContext(ctx, primary.RPCURL)
		if err != nil {
			sugar.Warnw("chain_dial_failed", "rpc_url", primary.RPCURL, "err", err)
		} else {
			dispatcher = dispatch.NewDispatcher(pool, dispatchStore, ethRPCAdapter{ethClient}, nowFn)
		}
	}

	// ---- On-chain event ingestion & reconciliation ----
	ingestStore, err := ingest.NewStore(cfg.Storage.DataDir + "/ingest")
	if err != nil {
		sugar.Fatalw("ingest_store_failed", "err", err)
	}
	ingestLogger := sugar.With("component", "ingest")
	ingestor := ingest.NewIngestor(ingestStore, vaultMgr, markets, books, primaryConfirmations(cfg), ingestLogger, nowFn)

	sugar.Infow("node_starting",
		"markets", markets.Count(),
		"gateway_addr", cfg.Gateway.ListenAddr,
		"dispatch_enabled", dispatcher != nil)

	<-ctx.Done()
	sugar.Info("node_shutting_down")
	dispatchStore.Close()
	ingestStore.Close()
	_ = ingestor.Stats()
}

func primaryConfirmations(cfg params.Config) uint64 {
	if c, ok := cfg.Chains[cfg.EIP712.ChainID]; ok {
		return c.Confirmations
	}
	return 1
}

func mustParse(s string) decimal.Fixed {
	f, err := decimal.Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// ethRPCAdapter narrows *ethclient.Client down to dispatch.ChainClient.
type ethRPCAdapter struct {
	client *ethclient.Client
}

func (a ethRPCAdapter) ChainID(ctx context.Context) (uint64, error) {
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (a ethRPCAdapter) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return a.client.PendingNonceAt(ctx, addr)
}

func (a ethRPCAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return a.client.SuggestGasPrice(ctx)
}

func (a ethRPCAdapter) SendRawTransaction(ctx context.Context, signedTx []byte) (common.Hash, error) {
	return common.Hash{}, a.client.Client().CallContext(ctx, nil, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(signedTx))
}

func (a ethRPCAdapter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*dispatch.Receipt, error) {
	r, err := a.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, dispatch.ErrReceiptNotFound
	}
	return &dispatch.Receipt{TxHash: r.TxHash, BlockNumber: r.BlockNumber.Uint64(), Status: r.Status}, nil
}
