// Package oracle validates price-feed observations before the engine trusts them.
//
// Every observation runs a fail-closed gauntlet: cross-source deviation,
// staleness, volatility, flash-loan context, and cross-source correlation.
// A failing check rejects the price; large deviations additionally trip the
// source's circuit breaker so the feed is ignored until its cooldown elapses.
package oracle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AggregationMethod selects how cross-source reference prices are combined.
type AggregationMethod string

const (
	AggregateMedian      AggregationMethod = "median"
	AggregateMean        AggregationMethod = "mean"
	AggregateWeighted    AggregationMethod = "weighted_average"
	AggregateTrimmedMean AggregationMethod = "trimmed_mean"
)

// Severity classifies how bad a rejected observation was.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Observation is a single accepted price point in a source's history.
type Observation struct {
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Block      uint64    `json:"block"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config describes a registered price source.
type Config struct {
	// MaxDeviation is the maximum relative deviation from the cross-source
	// aggregate, as a fraction (0.05 = 5%).
	MaxDeviation float64
	// MaxAge rejects observations arriving after this much silence.
	MaxAge time.Duration
	// Aggregation selects the cross-source reference computation.
	Aggregation AggregationMethod
	// MinAgreeingSources is the number of independent sources that must
	// agree with the candidate under flash-loan conditions.
	MinAgreeingSources int
	// Weight biases weighted-average aggregation. Defaults to 1.
	Weight float64
	// Asset ties the source to the on-chain asset it prices, so the risk
	// engine can look up recent volatility by contract address.
	Asset common.Address
}

// Result explains a validation outcome. Rejections always carry a reason;
// High and Critical severities also trip the source's breaker.
type Result struct {
	Accepted    bool     `json:"accepted"`
	Reason      string   `json:"reason,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Deviation   float64  `json:"deviation"`
	BreakerTrip bool     `json:"breakerTrip"`
}

// Defaults applied when a registration omits fields.
const (
	DefaultMaxDeviation       = 0.05
	DefaultMaxAge             = 5 * time.Minute
	DefaultMinAgreeingSources = 2

	// historyCap bounds each source's accepted history.
	historyCap = 1000
	// referenceWindow limits how far back cross-source references reach.
	referenceWindow = 10 * time.Minute
	// volatilityTail is how many recent observations feed the volatility check.
	volatilityTail = 10
	// volatilityDelta is the maximum allowed rise in coefficient of variation.
	volatilityDelta = 0.1
	// correlationFloor is the minimum acceptable cross-source correlation.
	correlationFloor = 0.7
)

// severityFor classifies a rejection by deviation magnitude.
func severityFor(deviation float64) Severity {
	switch {
	case deviation > 0.5:
		return SeverityCritical
	case deviation > 0.2:
		return SeverityHigh
	case deviation > 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
