package pricing

import (
	"time"
)

// RateStatus classifies an oracle observation against the guardrails.
type RateStatus string

const (
	// RateOK indicates the observation passed all configured guardrails.
	RateOK RateStatus = "ok"
	// RateStale signals the observation exceeded the freshness window.
	RateStale RateStatus = "stale"
	// RateDeviant indicates the observation drifted too far from the
	// trailing average.
	RateDeviant RateStatus = "deviant"
)

// RateGuard bounds what the oracle will accept from a source: how old an
// observation may be, and how far a fresh rate may drift from the trailing
// average before it is refused. Zero fields disable the corresponding check.
type RateGuard struct {
	MaxAge          time.Duration
	MaxDeviationBps int64
	AverageWindow   time.Duration
}

func (g RateGuard) checksDeviation() bool { return g.MaxDeviationBps > 0 }

// Classify grades a candidate rate. trailingAvg is the mean of accepted
// observations inside the guard's window; zero means no history yet.
func (g RateGuard) Classify(candidate float64, observedAt, now time.Time, trailingAvg float64) RateStatus {
	if g.MaxAge > 0 {
		if observedAt.IsZero() || now.Sub(observedAt) > g.MaxAge {
			return RateStale
		}
	}
	if g.checksDeviation() && trailingAvg > 0 {
		diff := candidate - trailingAvg
		if diff < 0 {
			diff = -diff
		}
		if diff/trailingAvg*10_000 > float64(g.MaxDeviationBps) {
			return RateDeviant
		}
	}
	return RateOK
}
