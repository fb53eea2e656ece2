// Package mev detects extractable-value attacks against candidate
// transactions: frontrunning, sandwiching, gas-bid anomalies, and
// competitive arbitrage races. Detection works off a short sliding window
// of recently observed transaction patterns.
package mev

import (
	"time"
)

// Known DEX swap selectors, split by trade direction.
var (
	buySelectors = map[string]bool{
		"0x7ff36ab5": true, // swapExactETHForTokens
		"0x8a657b9a": true,
	}
	sellSelectors = map[string]bool{
		"0x18cbafe5": true, // swapExactTokensForETH
	}
	neutralSwapSelectors = map[string]bool{
		"0x38ed1739": true, // swapExactTokensForTokens
	}
)

// isSwap reports whether selector is a recognized DEX swap call.
func isSwap(selector string) bool {
	return buySelectors[selector] || sellSelectors[selector] || neutralSwapSelectors[selector]
}

// oppositeDirection reports whether two swap selectors trade against each other.
func oppositeDirection(a, b string) bool {
	return (buySelectors[a] && sellSelectors[b]) || (sellSelectors[a] && buySelectors[b])
}

// pattern is one windowed transaction observation.
type pattern struct {
	sender   string
	contract string
	selector string
	gasPrice float64
	value    float64
	seenAt   time.Time
}

// Detection thresholds and confidences.
const (
	// windowDuration bounds how far back pattern matching looks.
	windowDuration = 30 * time.Second
	// windowCap bounds the pattern buffer.
	windowCap = 1000

	confFrontrunning = 0.8
	confSandwiching  = 0.7
	confGasAnomaly   = 0.6
	confArbitrage    = 0.9
	confKnownBot     = 0.95

	// gasAnomalyMultiple flags bids above this multiple of the network reference.
	gasAnomalyMultiple = 2.0
	// competitionThreshold flags contract+selector targets hotter than this.
	competitionThreshold = 3

	// Protection gas adjustments relative to the network reference.
	frontrunGasMultiplier = 1.10
	generalGasMultiplier  = 1.05
)
