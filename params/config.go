package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// ChainConfig is one chain's RPC endpoint and confirmation policy.
type ChainConfig struct {
	ChainID       uint64
	RPCURL        string
	Confirmations uint64
}

// SignerRole distinguishes what a pooled signer is trusted to do, so a
// compromised or rate-limited inbox signer can't also sign trade
// settlement transactions.
type SignerRole string

const (
	RoleTrade  SignerRole = "trade"
	RoleInbox  SignerRole = "inbox"
	RoleOutbox SignerRole = "outbox"
)

type SignerConfig struct {
	Role    SignerRole
	KeyPath string
	ChainID uint64
}

// EIP712Domain is the signing domain every order and session permit in
// the gateway is verified against.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

type FeeConfig struct {
	TakerFeeBps  int64
	MakerFeeBps  int64 // may be negative (rebate)
	ProtocolCut  int64 // bps share of fees for the protocol treasury; no code reads it and collected fees are not routed anywhere
	InsuranceCut int64 // bps share of fees for the insurance fund; no code reads it and collected fees are not routed anywhere
}

type LiquidationConfig struct {
	BaseBackoff    time.Duration
	MaxAttempts    int
	SlippageCapBps int64
}

// RateLimitConfig is a token-bucket spec applied both per-trader and
// globally at the gateway.
type RateLimitConfig struct {
	PerTraderRatePerSec int
	PerTraderBurst      int
	GlobalRatePerSec    int
	GlobalBurst         int
}

type FundingConfig struct {
	Interval   time.Duration
	MaxRateBps int64
}

type GatewayConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	// AdminToken gates the operator-only admin routes (market pause/
	// resume, liquidation queue inspection) perpctl drives; empty
	// disables the admin routes entirely.
	AdminToken string
}

type StorageConfig struct {
	DataDir string
	LogFile string
}

type Config struct {
	Chains        map[uint64]ChainConfig
	Signers       []SignerConfig
	EIP712        EIP712Domain
	Fees          FeeConfig
	Liquidation   LiquidationConfig
	RateLimits    RateLimitConfig
	Funding       FundingConfig
	Gateway       GatewayConfig
	Storage       StorageConfig
	InsuranceSeed string // decimal string, parsed by the caller via decimal.Parse
}

func Default() Config {
	return Config{
		Chains: map[uint64]ChainConfig{
			31337: {ChainID: 31337, RPCURL: "http://127.0.0.1:8545", Confirmations: 1},
		},
		Signers: []SignerConfig{
			{Role: RoleTrade, KeyPath: "", ChainID: 31337},
		},
		EIP712: EIP712Domain{
			Name:    "Hyperlicked",
			Version: "1",
			ChainID: 31337,
		},
		Fees: FeeConfig{
			TakerFeeBps:  10,
			MakerFeeBps:  -2,
			ProtocolCut:  7000,
			InsuranceCut: 3000,
		},
		Liquidation: LiquidationConfig{
			BaseBackoff:    500 * time.Millisecond,
			MaxAttempts:    5,
			SlippageCapBps: 100,
		},
		RateLimits: RateLimitConfig{
			PerTraderRatePerSec: 20,
			PerTraderBurst:      40,
			GlobalRatePerSec:    2000,
			GlobalBurst:         4000,
		},
		Funding: FundingConfig{
			Interval:   time.Hour,
			MaxRateBps: 75,
		},
		Gateway: GatewayConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			DataDir: "./data",
			LogFile: "./logs/node.log",
		},
		InsuranceSeed: "0",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if rpc := os.Getenv("CHAIN_RPC_URL"); rpc != "" {
		chainID := uint64(31337)
		if idStr := os.Getenv("CHAIN_ID"); idStr != "" {
			if id, err := strconv.ParseUint(idStr, 10, 64); err == nil {
				chainID = id
			}
		}
		confirmations := uint64(1)
		if c := os.Getenv("CHAIN_CONFIRMATIONS"); c != "" {
			if n, err := strconv.ParseUint(c, 10, 64); err == nil {
				confirmations = n
			}
		}
		cfg.Chains[chainID] = ChainConfig{ChainID: chainID, RPCURL: rpc, Confirmations: confirmations}
	}

	if keyPath := os.Getenv("SIGNER_TRADE_KEY_PATH"); keyPath != "" {
		for i := range cfg.Signers {
			if cfg.Signers[i].Role == RoleTrade {
				cfg.Signers[i].KeyPath = keyPath
			}
		}
	}

	if name := os.Getenv("EIP712_DOMAIN_NAME"); name != "" {
		cfg.EIP712.Name = name
	}
	if version := os.Getenv("EIP712_DOMAIN_VERSION"); version != "" {
		cfg.EIP712.Version = version
	}
	if verifyingContract := os.Getenv("EIP712_VERIFYING_CONTRACT"); verifyingContract != "" {
		cfg.EIP712.VerifyingContract = common.HexToAddress(verifyingContract)
	}

	if takerBps := os.Getenv("FEE_TAKER_BPS"); takerBps != "" {
		if n, err := strconv.ParseInt(takerBps, 10, 64); err == nil {
			cfg.Fees.TakerFeeBps = n
		}
	}
	if makerBps := os.Getenv("FEE_MAKER_BPS"); makerBps != "" {
		if n, err := strconv.ParseInt(makerBps, 10, 64); err == nil {
			cfg.Fees.MakerFeeBps = n
		}
	}

	if backoffMs := os.Getenv("LIQUIDATION_BASE_BACKOFF_MS"); backoffMs != "" {
		if ms, err := strconv.Atoi(backoffMs); err == nil {
			cfg.Liquidation.BaseBackoff = time.Duration(ms) * time.Millisecond
		}
	}
	if maxAttempts := os.Getenv("LIQUIDATION_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			cfg.Liquidation.MaxAttempts = n
		}
	}
	if slippageCap := os.Getenv("LIQUIDATION_SLIPPAGE_CAP_BPS"); slippageCap != "" {
		if n, err := strconv.ParseInt(slippageCap, 10, 64); err == nil {
			cfg.Liquidation.SlippageCapBps = n
		}
	}

	if fundingIntervalMin := os.Getenv("FUNDING_INTERVAL_MINUTES"); fundingIntervalMin != "" {
		if n, err := strconv.Atoi(fundingIntervalMin); err == nil {
			cfg.Funding.Interval = time.Duration(n) * time.Minute
		}
	}
	if fundingCap := os.Getenv("FUNDING_MAX_RATE_BPS"); fundingCap != "" {
		if n, err := strconv.ParseInt(fundingCap, 10, 64); err == nil {
			cfg.Funding.MaxRateBps = n
		}
	}

	if listenAddr := os.Getenv("GATEWAY_LISTEN_ADDR"); listenAddr != "" {
		cfg.Gateway.ListenAddr = listenAddr
	}
	if origins := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}
	if token := os.Getenv("GATEWAY_ADMIN_TOKEN"); token != "" {
		cfg.Gateway.AdminToken = token
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.Storage.LogFile = logFile
	}

	if seed := os.Getenv("INSURANCE_FUND_SEED"); seed != "" {
		cfg.InsuranceSeed = seed
	}

	return cfg
}
