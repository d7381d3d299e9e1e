// Package pricing maintains the BTC/USD rate and the per-operation price
// table. Prices are stored in USD micros and mirrored to satoshis; the sats
// column is recomputed whenever the rate moves.
package pricing

import (
	"errors"
	"math/big"
)

// ErrPriceNotFound reports an unpriced (service, operation) pair.
var ErrPriceNotFound = errors.New("pricing: price not found")

// ErrNoRate reports that no BTC/USD rate has been observed yet.
var ErrNoRate = errors.New("pricing: no rate available")

// Price is one cached pricing row.
type Price struct {
	ServiceSlug    string
	Operation      string
	CostUsdMicros  int64
	PriceUsdMicros int64
	PriceSats      int64
	Unit           string
}

// SatsFromUsdMicros converts a USD-micro price to satoshis at the supplied
// rate, rounding up: sats = ceil(usdMicros × 100 / btcUsd).
func SatsFromUsdMicros(usdMicros int64, btcUsd float64) int64 {
	if usdMicros <= 0 || btcUsd <= 0 {
		return 0
	}
	rate := new(big.Rat).SetFloat64(btcUsd)
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	sats := new(big.Rat).SetInt64(usdMicros * 100)
	sats.Quo(sats, rate)
	quo := new(big.Int)
	rem := new(big.Int)
	quo.QuoRem(sats.Num(), sats.Denom(), rem)
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Int64()
}

func priceKey(slug, operation string) string {
	return slug + "/" + operation
}
