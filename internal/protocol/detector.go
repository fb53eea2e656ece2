package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/metrics"
	"github.com/halcyonsec/defiguard/internal/syncutil"
	"github.com/halcyonsec/defiguard/internal/threat"
)

// ErrUnregisteredProtocol is returned when policy validation targets an
// unknown protocol.
var ErrUnregisteredProtocol = errors.New("protocol not registered")

// rateLimitCooldown blocks every transaction from a sender after a rate
// limit violation.
const rateLimitCooldown = 5 * time.Minute

// VotingPowerFn reports an address's share of governance voting power in
// [0,1]. Tests substitute deterministic values; production wires a
// governance data source.
type VotingPowerFn func(addr common.Address) float64

// senderState tracks one sender's rolling interaction windows.
type senderState struct {
	txTimes       []time.Time
	valueEntries  []valueEntry
	cooldownUntil time.Time
}

type valueEntry struct {
	value float64
	at    time.Time
}

// Detector flags protocol-level attacks and enforces interaction policy.
type Detector struct {
	mu                 sync.RWMutex
	configs            map[common.Address]*Config
	flashLoanProviders map[common.Address]bool
	signatures         []Signature
	positions          map[common.Address]*Position
	atRisk             map[common.Address]float64
	lastFlashLoan      time.Time

	senderLocks syncutil.ShardedMutex
	senders     sync.Map // map[string]*senderState

	votingPower VotingPowerFn
	logger      *slog.Logger
	now         func() time.Time

	statsMu    sync.Mutex
	detections map[threat.Kind]int64
	rejections map[string]int64

	// monitor loop
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewDetector creates a protocol detector seeded with the default
// flash-loan providers.
func NewDetector(logger *slog.Logger) *Detector {
	d := &Detector{
		configs:            make(map[common.Address]*Config),
		flashLoanProviders: make(map[common.Address]bool),
		positions:          make(map[common.Address]*Position),
		atRisk:             make(map[common.Address]float64),
		logger:             logger,
		now:                time.Now,
		detections:         make(map[threat.Kind]int64),
		rejections:         make(map[string]int64),
		interval:           30 * time.Second,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
	for _, addr := range defaultFlashLoanProviders {
		d.flashLoanProviders[addr] = true
	}
	return d
}

// WithVotingPower wires the governance voting-power lookup.
func (d *Detector) WithVotingPower(fn VotingPowerFn) *Detector {
	d.votingPower = fn
	return d
}

// Register adds or replaces a protocol configuration.
func (d *Detector) Register(cfg Config) {
	d.mu.Lock()
	c := cfg
	d.configs[cfg.Address] = &c
	d.mu.Unlock()
	d.logger.Info("protocol registered",
		"name", cfg.Name,
		"address", cfg.Address.Hex(),
		"paused", cfg.Paused,
	)
}

// RegisterFlashLoanProvider adds a flash-loan provider address.
func (d *Detector) RegisterFlashLoanProvider(addr common.Address) {
	d.mu.Lock()
	d.flashLoanProviders[addr] = true
	d.mu.Unlock()
}

// AddSignature installs a named attack fingerprint.
func (d *Detector) AddSignature(sig Signature) {
	d.mu.Lock()
	d.signatures = append(d.signatures, sig)
	d.mu.Unlock()
}

// SetPaused flips a protocol's pause flag.
func (d *Detector) SetPaused(addr common.Address, paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg, ok := d.configs[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredProtocol, addr.Hex())
	}
	cfg.Paused = paused
	return nil
}

// Config returns the registered configuration for addr.
func (d *Detector) Config(addr common.Address) (*Config, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[addr]
	if !ok {
		return nil, false
	}
	c := *cfg
	return &c, true
}

// Detect inspects tx for protocol-level attack patterns.
func (d *Detector) Detect(tx *threat.TransactionIntent) []threat.Record {
	now := d.now()
	selector := tx.Selector()

	d.mu.RLock()
	isFlashProvider := d.flashLoanProviders[tx.Recipient]
	_, targetAtRisk := d.atRisk[tx.Recipient]
	cfg := d.configs[tx.Recipient]
	signatures := d.signatures
	d.mu.RUnlock()

	var records []threat.Record

	if isFlashProvider && selector == flashLoanSelector {
		records = append(records, threat.Record{
			Kind:           threat.FlashLoanAttack,
			Confidence:     confFlashLoan,
			ValueImpact:    tx.Value,
			Attacker:       &tx.Sender,
			Description:    "flash-loan call against registered provider",
			DetectedAt:     now,
			TargetContract: tx.Recipient,
			TargetSelector: selector,
		})
		d.mu.Lock()
		d.lastFlashLoan = now
		d.mu.Unlock()
	}

	if selector == liquidationSelector && targetAtRisk {
		records = append(records, threat.Record{
			Kind:           threat.Liquidation,
			Confidence:     confLiquidation,
			ValueImpact:    tx.Value,
			Attacker:       &tx.Sender,
			Description:    "liquidation call targeting an at-risk position",
			DetectedAt:     now,
			TargetContract: tx.Recipient,
			TargetSelector: selector,
		})
	}

	if (selector == castVoteSelector || selector == proposeSelector) && d.votingPower != nil {
		if power := d.votingPower(tx.Sender); power > votingPowerThreshold {
			records = append(records, threat.Record{
				Kind:           threat.GovernanceAttack,
				Confidence:     confGovernance,
				ValueImpact:    tx.Value,
				Attacker:       &tx.Sender,
				Description:    fmt.Sprintf("governance call from address holding %.0f%% voting power", power*100),
				DetectedAt:     now,
				TargetContract: tx.Recipient,
				TargetSelector: selector,
			})
		}
	}

	if cfg != nil && cfg.IsDEX && tx.Value > largeTradeThreshold {
		records = append(records, threat.Record{
			Kind:           threat.PriceManipulation,
			Confidence:     confManipulation,
			ValueImpact:    tx.Value,
			Attacker:       &tx.Sender,
			Description:    fmt.Sprintf("large trade (%.1f) against DEX %s", tx.Value, cfg.Name),
			DetectedAt:     now,
			TargetContract: tx.Recipient,
			TargetSelector: selector,
		})
	}

	for _, sig := range signatures {
		if sig.matches(tx, selector) {
			records = append(records, threat.Record{
				Kind:           threat.Unknown,
				Confidence:     confSignatureHit,
				ValueImpact:    tx.Value,
				Attacker:       &tx.Sender,
				Description:    "matches attack signature: " + sig.Name,
				DetectedAt:     now,
				TargetContract: tx.Recipient,
				TargetSelector: selector,
			})
		}
	}

	if len(records) > 0 {
		d.statsMu.Lock()
		for _, r := range records {
			d.detections[r.Kind]++
		}
		d.statsMu.Unlock()
		for _, r := range records {
			metrics.ThreatsDetectedTotal.WithLabelValues(string(r.Kind)).Inc()
		}
		d.logger.Warn("protocol threats detected",
			"tx", tx.Hash.Hex(),
			"count", len(records),
			"first", string(records[0].Kind),
		)
	}

	return records
}

// matches reports whether tx fits every populated field of the signature.
func (s *Signature) matches(tx *threat.TransactionIntent, selector string) bool {
	found := false
	for _, sel := range s.Selectors {
		if sel == selector {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if s.MinGasPrice > 0 && tx.GasPrice < s.MinGasPrice {
		return false
	}
	if s.MaxGasPrice > 0 && tx.GasPrice > s.MaxGasPrice {
		return false
	}
	if tx.Value < s.MinValue {
		return false
	}
	if s.MaxValue > 0 && tx.Value > s.MaxValue {
		return false
	}
	return true
}

// FlashLoanContextActive reports whether a flash loan was detected recently
// enough that the oracle validator should demand multi-source agreement.
func (d *Detector) FlashLoanContextActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.lastFlashLoan.IsZero() && d.now().Sub(d.lastFlashLoan) <= flashLoanContextWindow
}

// ValidateInteraction enforces registered protocol policy against tx.
// A rate limit violation puts the sender in a cooldown during which every
// further transaction is rejected regardless of individual checks.
func (d *Detector) ValidateInteraction(tx *threat.TransactionIntent) (bool, string, error) {
	now := d.now()
	sender := tx.Sender.Hex()

	unlock := d.senderLocks.Lock(sender)
	defer unlock()

	state := d.senderState(sender)
	if now.Before(state.cooldownUntil) {
		d.recordRejection("cooldown")
		return false, "rate limit cooldown active", nil
	}

	d.mu.RLock()
	cfg, ok := d.configs[tx.Recipient]
	d.mu.RUnlock()
	if !ok {
		return false, "", fmt.Errorf("%w: %s", ErrUnregisteredProtocol, tx.Recipient.Hex())
	}

	if cfg.Paused {
		d.recordRejection("paused")
		return false, "protocol paused", nil
	}

	if cfg.MaxTxValue > 0 && tx.Value > cfg.MaxTxValue {
		d.recordRejection("value_cap")
		return false, "value exceeds limit", nil
	}

	if len(cfg.AllowedFunctions) > 0 {
		selector := tx.Selector()
		allowed := false
		for _, fn := range cfg.AllowedFunctions {
			if fn == selector {
				allowed = true
				break
			}
		}
		if !allowed {
			d.recordRejection("function_not_allowed")
			return false, "function not in allow-list", nil
		}
	}

	// Rolling-window rate limits. Violation of either starts the cooldown.
	state.pruneWindows(now)
	if cfg.RateLimits.MaxTxPerMinute > 0 && len(state.txTimes) >= cfg.RateLimits.MaxTxPerMinute {
		state.cooldownUntil = now.Add(rateLimitCooldown)
		d.recordRejection("tx_rate")
		d.logger.Warn("sender rate limited", "sender", sender, "reason", "tx count")
		return false, "transaction rate limit exceeded", nil
	}
	if cfg.RateLimits.MaxValuePerHour > 0 {
		var total float64
		for _, e := range state.valueEntries {
			total += e.value
		}
		if total+tx.Value > cfg.RateLimits.MaxValuePerHour {
			state.cooldownUntil = now.Add(rateLimitCooldown)
			d.recordRejection("value_rate")
			d.logger.Warn("sender rate limited", "sender", sender, "reason", "cumulative value")
			return false, "value rate limit exceeded", nil
		}
	}

	state.txTimes = append(state.txTimes, now)
	state.valueEntries = append(state.valueEntries, valueEntry{value: tx.Value, at: now})

	return true, "", nil
}

// senderState returns the sender's window state. Caller must hold the
// sender's shard lock.
func (d *Detector) senderState(sender string) *senderState {
	v, _ := d.senders.LoadOrStore(sender, &senderState{})
	return v.(*senderState)
}

// pruneWindows drops expired entries from both rolling windows.
func (s *senderState) pruneWindows(now time.Time) {
	txCutoff := now.Add(-time.Minute)
	keep := s.txTimes[:0]
	for _, t := range s.txTimes {
		if t.After(txCutoff) {
			keep = append(keep, t)
		}
	}
	s.txTimes = keep

	valueCutoff := now.Add(-time.Hour)
	keepV := s.valueEntries[:0]
	for _, e := range s.valueEntries {
		if e.at.After(valueCutoff) {
			keepV = append(keepV, e)
		}
	}
	s.valueEntries = keepV
}

func (d *Detector) recordRejection(reason string) {
	d.statsMu.Lock()
	d.rejections[reason]++
	d.statsMu.Unlock()
}

// UpdatePosition feeds the health monitor a position snapshot.
func (d *Detector) UpdatePosition(owner common.Address, collateral, debt float64) {
	d.mu.Lock()
	d.positions[owner] = &Position{
		Owner:      owner,
		Collateral: collateral,
		Debt:       debt,
		UpdatedAt:  d.now(),
	}
	d.mu.Unlock()
}

// RecomputeAtRisk rebuilds the at-risk queue from current positions.
// Called by the monitor loop and exposed for tests and on-demand refresh.
func (d *Detector) RecomputeAtRisk() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.atRisk = make(map[common.Address]float64)
	for owner, pos := range d.positions {
		if hf := pos.HealthFactor(); hf < atRiskHealthFactor {
			d.atRisk[owner] = hf
		}
	}
	return len(d.atRisk)
}

// AtRisk reports whether owner is currently in the liquidation queue.
func (d *Detector) AtRisk(owner common.Address) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hf, ok := d.atRisk[owner]
	return hf, ok
}

// StartMonitor launches the periodic position-health recompute loop.
func (d *Detector) StartMonitor() {
	go d.monitorLoop()
}

// StopMonitor stops the monitor loop and waits for it to exit.
func (d *Detector) StopMonitor() {
	close(d.stop)
	<-d.done
}

func (d *Detector) monitorLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			n := d.RecomputeAtRisk()
			if n > 0 {
				d.logger.Info("position monitor tick", "atRisk", n)
			}
		}
	}
}

// Stats returns a detection and policy snapshot.
func (d *Detector) Stats() map[string]any {
	d.mu.RLock()
	protocols := len(d.configs)
	providers := len(d.flashLoanProviders)
	positions := len(d.positions)
	atRisk := len(d.atRisk)
	signatures := len(d.signatures)
	d.mu.RUnlock()

	d.statsMu.Lock()
	byKind := make(map[string]int64, len(d.detections))
	for kind, n := range d.detections {
		byKind[string(kind)] = n
	}
	rejections := make(map[string]int64, len(d.rejections))
	for reason, n := range d.rejections {
		rejections[reason] = n
	}
	d.statsMu.Unlock()

	return map[string]any{
		"protocols":          protocols,
		"flashLoanProviders": providers,
		"positions":          positions,
		"atRisk":             atRisk,
		"signatures":         signatures,
		"detectionsByKind":   byKind,
		"policyRejections":   rejections,
	}
}
