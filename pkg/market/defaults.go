package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// DefaultGOLDUSD mirrors the S1 scenario market in spec.md §8: tick=0.01,
// collateral decimals=6, trading fee=30bps, 10x default leverage.
func DefaultGOLDUSD() Params {
	tick, _ := decimal.Parse("0.01")
	lot, _ := decimal.Parse("0.01")
	p := CustomPerpetual(tick, lot, 10)
	p.BaseAsset = "GOLD"
	p.QuoteAsset = "USD"
	return p
}

// CustomPerpetual builds sane default Params for a perpetual market given
// only tick size, lot size and target max leverage; maintenance margin is
// derived as a quarter of initial margin, matching the teacher's
// CustomPerpetual convention.
func CustomPerpetual(tickSize, lotSize decimal.Fixed, maxLeverage int64) Params {
	initialMarginBps := int64(10000) / maxLeverage
	maintMarginBps := initialMarginBps / 4
	if maintMarginBps == 0 {
		maintMarginBps = 1
	}
	return Params{
		Type:                 Perpetual,
		CollateralDecimals:   6,
		TickSize:             tickSize,
		LotSize:              lotSize,
		MinNotional:          decimal.FromInt(10),
		MaxLeverage:          maxLeverage,
		InitialMarginBps:     initialMarginBps,
		MaintenanceMarginBps: maintMarginBps,
		LiquidationFeeBps:    50,
		TradingFeeBps:        30,
		MakerFeeBps:          0,
		FundingInterval:      time.Hour,
		MaxFundingRateBps:    75,
		MinOrderSize:         lotSize,
		MaxOrderSize:         decimal.FromInt(1_000_000),
		MaxPosition:          decimal.FromInt(10_000_000),
	}
}

// DeriveMarketID computes the bytes32 market identifier from symbol,
// creator and creation timestamp, matching the keccak-style derivation
// used for on-chain identifiers elsewhere in the stack.
func DeriveMarketID(symbol string, creator common.Address, createdAt int64) [32]byte {
	return deriveMarketIDKeccak(symbol, creator, createdAt)
}
