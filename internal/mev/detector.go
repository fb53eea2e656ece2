package mev

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/metrics"
	"github.com/halcyonsec/defiguard/internal/threat"
)

// GasPricer supplies the current network reference gas price in gwei.
type GasPricer interface {
	PriceGwei(ctx context.Context) float64
}

// Detector inspects candidate transactions against the recent pattern window.
type Detector struct {
	mu        sync.RWMutex
	window    []pattern
	knownBots map[common.Address]bool

	gas    GasPricer
	logger *slog.Logger
	now    func() time.Time

	detections map[threat.Kind]int64
	analyzed   int64
}

// NewDetector creates an MEV detector backed by the given gas reference.
func NewDetector(gas GasPricer, logger *slog.Logger) *Detector {
	return &Detector{
		knownBots:  make(map[common.Address]bool),
		gas:        gas,
		logger:     logger,
		now:        time.Now,
		detections: make(map[threat.Kind]int64),
	}
}

// RegisterBot marks an address as a known MEV operator. Matches involving
// known operators are reported at elevated confidence.
func (d *Detector) RegisterBot(addr common.Address) {
	d.mu.Lock()
	d.knownBots[addr] = true
	d.mu.Unlock()
}

// Detect inspects tx against the pattern window and returns every threat
// found. The candidate itself is not recorded; call Record once the
// transaction is actually observed.
func (d *Detector) Detect(ctx context.Context, tx *threat.TransactionIntent) []threat.Record {
	now := d.now()
	contract := tx.Recipient.Hex()
	selector := tx.Selector()

	d.mu.Lock()
	d.prune(now)
	window := make([]pattern, len(d.window))
	copy(window, d.window)
	senderIsBot := d.knownBots[tx.Sender]
	d.analyzed++
	d.mu.Unlock()

	var records []threat.Record

	// Frontrunning: the candidate outbids a windowed transaction on the
	// same contract+selector.
	for _, p := range window {
		if p.contract == contract && p.selector == selector && selector != "" &&
			tx.GasPrice > p.gasPrice {
			records = append(records, threat.Record{
				Kind:           threat.Frontrunning,
				Confidence:     confFrontrunning,
				ValueImpact:    p.value,
				Attacker:       &tx.Sender,
				Description:    fmt.Sprintf("outbids pending call to %s by %.1f%%", shortAddr(contract), (tx.GasPrice/p.gasPrice-1)*100),
				DetectedAt:     now,
				TargetContract: tx.Recipient,
				TargetSelector: selector,
			})
			break
		}
	}

	// Sandwiching: the candidate swaps against a windowed opposite-direction
	// swap on the same pool.
	if isSwap(selector) {
		for _, p := range window {
			if p.contract == contract && oppositeDirection(selector, p.selector) {
				attacker := common.HexToAddress(p.sender)
				records = append(records, threat.Record{
					Kind:           threat.Sandwiching,
					Confidence:     confSandwiching,
					ValueImpact:    tx.Value,
					Attacker:       &attacker,
					Description:    fmt.Sprintf("opposite-direction swap on %s within window", shortAddr(contract)),
					DetectedAt:     now,
					TargetContract: tx.Recipient,
					TargetSelector: selector,
				})
				break
			}
		}
	}

	// Gas anomaly: bidding far above the network reference signals an
	// extraction attempt we can't otherwise classify.
	if ref := d.gas.PriceGwei(ctx); ref > 0 && tx.GasPrice > ref*gasAnomalyMultiple {
		records = append(records, threat.Record{
			Kind:           threat.Unknown,
			Confidence:     confGasAnomaly,
			ValueImpact:    tx.Value,
			Description:    fmt.Sprintf("gas price %.1f gwei exceeds %.0fx network reference %.1f gwei", tx.GasPrice, gasAnomalyMultiple, ref),
			DetectedAt:     now,
			TargetContract: tx.Recipient,
			TargetSelector: selector,
		})
	}

	// Arbitrage race: too many concurrent transactions piling onto the
	// same contract+selector.
	if selector != "" {
		competing := 0
		for _, p := range window {
			if p.contract == contract && p.selector == selector {
				competing++
			}
		}
		if competing > competitionThreshold {
			records = append(records, threat.Record{
				Kind:           threat.Arbitrage,
				Confidence:     confArbitrage,
				ValueImpact:    tx.Value,
				Description:    fmt.Sprintf("%d competing transactions target %s%s", competing, shortAddr(contract), selector),
				DetectedAt:     now,
				TargetContract: tx.Recipient,
				TargetSelector: selector,
			})
		}
	}

	// A known operator raises confidence across the board.
	if senderIsBot {
		for i := range records {
			if records[i].Confidence < confKnownBot {
				records[i].Confidence = confKnownBot
			}
			records[i].Attacker = &tx.Sender
		}
	}

	if len(records) > 0 {
		d.mu.Lock()
		for _, r := range records {
			d.detections[r.Kind]++
		}
		d.mu.Unlock()
		for _, r := range records {
			metrics.ThreatsDetectedTotal.WithLabelValues(string(r.Kind)).Inc()
		}
		d.logger.Warn("mev threats detected",
			"tx", tx.Hash.Hex(),
			"count", len(records),
			"first", string(records[0].Kind),
		)
	}

	return records
}

// Record appends an observed transaction to the pattern window.
func (d *Detector) Record(tx *threat.TransactionIntent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, pattern{
		sender:   tx.Sender.Hex(),
		contract: tx.Recipient.Hex(),
		selector: tx.Selector(),
		gasPrice: tx.GasPrice,
		value:    tx.Value,
		seenAt:   d.now(),
	})
	d.prune(d.now())
}

// prune drops expired patterns and caps the window. Caller must hold d.mu.
func (d *Detector) prune(now time.Time) {
	cutoff := now.Add(-windowDuration)
	keep := d.window[:0]
	for _, p := range d.window {
		if p.seenAt.After(cutoff) {
			keep = append(keep, p)
		}
	}
	d.window = keep
	if len(d.window) > windowCap {
		d.window = d.window[len(d.window)-windowCap:]
	}
}

// Protection is the adjustment returned for a threatened transaction.
type Protection struct {
	AdjustedGasPrice float64       `json:"adjustedGasPrice"` // gwei
	RecommendedDelay time.Duration `json:"recommendedDelay"`
	Strategy         string        `json:"strategy"`
}

// Protect recommends a gas adjustment and submission delay for tx given the
// detected threats. Returns nil when no adjustment is warranted.
func (d *Detector) Protect(ctx context.Context, tx *threat.TransactionIntent, records []threat.Record) *Protection {
	if len(records) == 0 {
		return nil
	}

	ref := d.gas.PriceGwei(ctx)
	if ref <= 0 {
		ref = tx.GasPrice
	}

	for _, r := range records {
		if r.Kind == threat.Frontrunning || r.Kind == threat.Sandwiching {
			// Outbid the attacker and randomize timing so the ordering
			// is no longer predictable.
			return &Protection{
				AdjustedGasPrice: ref * frontrunGasMultiplier,
				RecommendedDelay: time.Duration(1+rand.Intn(4)) * time.Second,
				Strategy:         "outbid_and_jitter",
			}
		}
	}

	return &Protection{
		AdjustedGasPrice: ref * generalGasMultiplier,
		Strategy:         "priority_bump",
	}
}

// Stats returns a detection snapshot.
func (d *Detector) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byKind := make(map[string]int64, len(d.detections))
	for kind, n := range d.detections {
		byKind[string(kind)] = n
	}
	return map[string]any{
		"analyzed":         d.analyzed,
		"windowSize":       len(d.window),
		"knownBots":        len(d.knownBots),
		"detectionsByKind": byKind,
	}
}

func shortAddr(hex string) string {
	if len(hex) <= 10 {
		return hex
	}
	return hex[:10]
}
