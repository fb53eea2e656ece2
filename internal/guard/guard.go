// Package guard is the transaction analysis entry point. It runs the
// hard policy checks, fans out to the threat detectors and the risk
// engine, decides approve/flag/block, logs the outcome to the audit
// trail, and escalates to the emergency dispatcher when warranted.
//
// Policy checks (blacklist, value and gas caps, protocol rules,
// compliance rules) block on their own. Probabilistic signals do not: an
// outright block on detection alone needs a very high risk level backed
// by an independent corroborating threat, while a single weak signal
// only flags the transaction.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/audit"
	"github.com/halcyonsec/defiguard/internal/emergency"
	"github.com/halcyonsec/defiguard/internal/metrics"
	"github.com/halcyonsec/defiguard/internal/mev"
	"github.com/halcyonsec/defiguard/internal/protocol"
	"github.com/halcyonsec/defiguard/internal/risk"
	"github.com/halcyonsec/defiguard/internal/threat"
	"github.com/halcyonsec/defiguard/internal/traces"
)

// Verdict is the analysis outcome for a transaction.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictFlagged  Verdict = "flagged"
	VerdictBlocked  Verdict = "blocked"
)

const (
	// defaultMaxTxValue caps single-transaction value in native units.
	defaultMaxTxValue = 1000.0
	// defaultMaxGasLimit rejects transactions above this gas limit.
	defaultMaxGasLimit = 10_000_000

	// flagConfidence is the threat confidence at which a transaction is
	// flagged even when the overall risk level stays moderate.
	flagConfidence = 0.6
	// corroborateConfidence is the threat confidence required alongside a
	// very high risk level before a transaction is blocked outright.
	corroborateConfidence = 0.7
	// escalateConfidence raises an emergency alert for blocked
	// transactions backed by a near-certain threat.
	escalateConfidence = 0.9
)

// Result is the full explanation of one analysis. Rejections and
// high-risk outcomes always carry the assessment that produced them.
type Result struct {
	TxHash     common.Hash      `json:"txHash"`
	Verdict    Verdict          `json:"verdict"`
	Reason     string           `json:"reason,omitempty"`
	Threats    []threat.Record  `json:"threats,omitempty"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
	Protection *mev.Protection  `json:"protection,omitempty"`
	AnalyzedAt time.Time        `json:"analyzedAt"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// ThreatBroadcaster fans detected threats out to connected dashboards.
type ThreatBroadcaster interface {
	BroadcastThreat(threat map[string]interface{})
}

// Guard orchestrates one analysis pipeline per call. Safe for concurrent
// use.
type Guard struct {
	mu          sync.RWMutex
	blacklist   map[common.Address]bool
	maxTxValue  float64
	maxGasLimit uint64

	mev        *mev.Detector
	protocols  *protocol.Detector
	engine     *risk.Engine
	trail      *audit.Trail
	dispatcher *emergency.Dispatcher
	hub        ThreatBroadcaster

	logger *slog.Logger
	now    func() time.Time

	statsMu  sync.Mutex
	verdicts map[Verdict]int64
}

// New creates a guard over the detectors, risk engine, and audit trail.
func New(mevDetector *mev.Detector, protocols *protocol.Detector, engine *risk.Engine, trail *audit.Trail, logger *slog.Logger) *Guard {
	return &Guard{
		blacklist:   make(map[common.Address]bool),
		maxTxValue:  defaultMaxTxValue,
		maxGasLimit: defaultMaxGasLimit,
		mev:         mevDetector,
		protocols:   protocols,
		engine:      engine,
		trail:       trail,
		logger:      logger,
		now:         time.Now,
		verdicts:    make(map[Verdict]int64),
	}
}

// WithDispatcher wires the emergency dispatcher for escalation.
func (g *Guard) WithDispatcher(d *emergency.Dispatcher) *Guard {
	g.dispatcher = d
	return g
}

// WithBroadcaster wires the realtime threat feed.
func (g *Guard) WithBroadcaster(b ThreatBroadcaster) *Guard {
	g.hub = b
	return g
}

// WithMaxTxValue overrides the single-transaction value cap. 0 disables it.
func (g *Guard) WithMaxTxValue(v float64) *Guard {
	g.maxTxValue = v
	return g
}

// WithMaxGasLimit overrides the gas limit cap. 0 disables it.
func (g *Guard) WithMaxGasLimit(limit uint64) *Guard {
	g.maxGasLimit = limit
	return g
}

// Blacklist blocks every future transaction touching addr.
func (g *Guard) Blacklist(addr common.Address) {
	g.mu.Lock()
	g.blacklist[addr] = true
	g.mu.Unlock()
	g.logger.Warn("address blacklisted", "address", addr.Hex())
}

// Unblacklist removes addr from the blacklist.
func (g *Guard) Unblacklist(addr common.Address) {
	g.mu.Lock()
	delete(g.blacklist, addr)
	g.mu.Unlock()
}

// Blacklisted reports whether addr is blocked.
func (g *Guard) Blacklisted(addr common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blacklist[addr]
}

// Analyze runs the full pipeline over tx: policy checks, threat
// detection, risk assessment, verdict, audit logging, and escalation.
// The error return is reserved for audit rejections surfaced as
// audit.ErrBlocked wrappers; detection and assessment degradation is
// reported through the assessment's confidence instead.
func (g *Guard) Analyze(ctx context.Context, tx *threat.TransactionIntent) (*Result, error) {
	start := g.now()
	ctx, span := traces.StartSpan(ctx, "guard.analyze",
		traces.TxHash(tx.Hash.Hex()),
		traces.Sender(tx.Sender.Hex()),
		traces.Contract(tx.Recipient.Hex()),
	)
	defer span.End()
	defer func() {
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()

	if reason := g.policyReason(tx); reason != "" {
		return g.block(ctx, tx, nil, nil, reason, start), nil
	}

	threats := g.mev.Detect(ctx, tx)
	threats = append(threats, g.protocols.Detect(tx)...)
	g.broadcastThreats(tx, threats)

	assessment := g.engine.Assess(ctx, tx, threats)
	span.SetAttributes(traces.RiskLevel(string(assessment.Level)))

	maxConf := threat.MaxConfidence(threats)
	if assessment.Level == risk.LevelVeryHigh && maxConf >= corroborateConfidence {
		res := g.block(ctx, tx, threats, assessment, blockReason(threats, assessment), start)
		g.escalate(ctx, tx, threats, assessment)
		return res, nil
	}

	verdict := VerdictApproved
	reason := ""
	if assessment.Level == risk.LevelHigh || assessment.Level == risk.LevelVeryHigh || maxConf >= flagConfidence {
		verdict = VerdictFlagged
		reason = flagReason(threats, assessment)
	}

	entry := g.transactionEntry(tx, threats, assessment)
	if err := g.trail.Log(ctx, entry); err != nil {
		if errors.Is(err, audit.ErrBlocked) {
			return g.block(ctx, tx, threats, assessment, err.Error(), start), nil
		}
		return nil, err
	}

	res := &Result{
		TxHash:     tx.Hash,
		Verdict:    verdict,
		Reason:     reason,
		Threats:    threats,
		Assessment: assessment,
		AnalyzedAt: start,
		Elapsed:    time.Since(start),
	}
	if len(threats) > 0 {
		res.Protection = g.mev.Protect(ctx, tx, threats)
	}

	// Approved and flagged transactions enter the pattern window so the
	// MEV detector can match later candidates against them.
	g.mev.Record(tx)

	g.count(verdict)
	if verdict == VerdictFlagged {
		g.logger.Warn("transaction flagged",
			"tx", tx.Hash.Hex(),
			"score", assessment.Score,
			"threats", len(threats),
		)
	}
	return res, nil
}

// policyReason returns the hard policy rejection reason, or "".
func (g *Guard) policyReason(tx *threat.TransactionIntent) string {
	g.mu.RLock()
	blacklisted := g.blacklist[tx.Sender] || g.blacklist[tx.Recipient]
	maxValue := g.maxTxValue
	maxGas := g.maxGasLimit
	g.mu.RUnlock()

	if blacklisted {
		return "address is blacklisted"
	}
	if maxValue > 0 && tx.Value > maxValue {
		return "transaction value exceeds limit"
	}
	if maxGas > 0 && tx.GasLimit > maxGas {
		return "gas limit exceeds maximum"
	}

	ok, reason, err := g.protocols.ValidateInteraction(tx)
	if err != nil {
		// Unregistered recipients carry no protocol policy.
		if errors.Is(err, protocol.ErrUnregisteredProtocol) {
			return ""
		}
		return err.Error()
	}
	if !ok {
		return reason
	}
	return ""
}

// block records the rejection and returns the blocked result.
func (g *Guard) block(ctx context.Context, tx *threat.TransactionIntent, threats []threat.Record, assessment *risk.Assessment, reason string, start time.Time) *Result {
	entry := g.transactionEntry(tx, threats, assessment)
	entry.Type = audit.EntrySecurityViolation
	entry.Success = false
	entry.Error = reason
	if err := g.trail.Log(ctx, entry); err != nil && !errors.Is(err, audit.ErrBlocked) {
		g.logger.Error("failed to audit blocked transaction", "tx", tx.Hash.Hex(), "error", err)
	}

	g.count(VerdictBlocked)
	g.logger.Warn("transaction blocked", "tx", tx.Hash.Hex(), "reason", reason)

	return &Result{
		TxHash:     tx.Hash,
		Verdict:    VerdictBlocked,
		Reason:     reason,
		Threats:    threats,
		Assessment: assessment,
		AnalyzedAt: start,
		Elapsed:    time.Since(start),
	}
}

// transactionEntry builds the audit entry for tx with the detection
// outcome attached.
func (g *Guard) transactionEntry(tx *threat.TransactionIntent, threats []threat.Record, assessment *risk.Assessment) *audit.Entry {
	sender := tx.Sender
	recipient := tx.Recipient
	hash := tx.Hash
	entry := &audit.Entry{
		Type:     audit.EntryTransactionSubmitted,
		Actor:    &sender,
		TxHash:   &hash,
		Contract: &recipient,
		Function: tx.Selector(),
		GasPrice: tx.GasPrice,
		Value:    tx.Value,
		Success:  true,
	}
	if assessment != nil {
		entry.RiskScore = assessment.Score
	}
	for _, r := range threats {
		entry.Flags = append(entry.Flags, string(r.Kind))
	}
	return entry
}

// escalate raises a critical alert for a blocked, corroborated attack.
func (g *Guard) escalate(ctx context.Context, tx *threat.TransactionIntent, threats []threat.Record, assessment *risk.Assessment) {
	if g.dispatcher == nil || len(threats) == 0 {
		return
	}

	dominant := threats[0]
	var impact float64
	for _, r := range threats {
		impact += r.ValueImpact
		if r.Confidence > dominant.Confidence {
			dominant = r
		}
	}

	level := emergency.LevelCritical
	if dominant.Confidence >= escalateConfidence {
		level = emergency.LevelEmergency
	}

	alert := &emergency.Alert{
		Level:       level,
		Title:       fmt.Sprintf("%s blocked", dominant.Kind),
		Description: dominant.Description,
		Category:    string(dominant.Kind),
		AffectedAddresses: []common.Address{
			tx.Recipient,
		},
		Metrics: map[string]float64{
			"confidence": dominant.Confidence,
			"riskScore":  assessment.Score,
		},
		EstimatedImpact: impact,
	}
	if err := g.dispatcher.TriggerAlert(ctx, alert); err != nil {
		g.logger.Error("escalation failed", "tx", tx.Hash.Hex(), "error", err)
	}
}

func (g *Guard) broadcastThreats(tx *threat.TransactionIntent, threats []threat.Record) {
	if g.hub == nil {
		return
	}
	for _, r := range threats {
		g.hub.BroadcastThreat(map[string]interface{}{
			"kind":       string(r.Kind),
			"confidence": r.Confidence,
			"tx":         tx.Hash.Hex(),
			"contract":   r.TargetContract.Hex(),
			"detectedAt": r.DetectedAt,
		})
	}
}

func (g *Guard) count(v Verdict) {
	metrics.AnalysesTotal.WithLabelValues(string(v)).Inc()
	g.statsMu.Lock()
	g.verdicts[v]++
	g.statsMu.Unlock()
}

// blockReason explains a corroborated block with its strongest signals.
func blockReason(threats []threat.Record, assessment *risk.Assessment) string {
	return fmt.Sprintf("risk level %s with %d corroborating threats (max confidence %.2f)",
		assessment.Level, len(threats), threat.MaxConfidence(threats))
}

// flagReason explains why a transaction was flagged but not blocked.
func flagReason(threats []threat.Record, assessment *risk.Assessment) string {
	if len(threats) > 0 {
		return fmt.Sprintf("risk level %s, %d threats detected", assessment.Level, len(threats))
	}
	return fmt.Sprintf("risk level %s", assessment.Level)
}

// Status aggregates component statistics into one snapshot.
func (g *Guard) Status() map[string]any {
	g.statsMu.Lock()
	byVerdict := make(map[string]int64, len(g.verdicts))
	var total int64
	for v, n := range g.verdicts {
		byVerdict[string(v)] = n
		total += n
	}
	g.statsMu.Unlock()

	g.mu.RLock()
	blacklisted := len(g.blacklist)
	g.mu.RUnlock()

	status := map[string]any{
		"analyses":             total,
		"analysesByVerdict":    byVerdict,
		"blacklistedAddresses": blacklisted,
		"mev":                  g.mev.Stats(),
		"protocols":            g.protocols.Stats(),
		"risk":                 g.engine.Stats(),
		"audit":                g.trail.Stats(),
	}
	if g.dispatcher != nil {
		status["emergency"] = g.dispatcher.Stats()
	}
	return status
}
