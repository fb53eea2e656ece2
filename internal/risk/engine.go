package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/idgen"
	"github.com/halcyonsec/defiguard/internal/threat"
)

// Factor weights. Liquidation proximity dominates; impermanent loss is the
// weakest signal.
const (
	weightSmartContract   = 0.8
	weightVolatility      = 0.6
	weightLiquidity       = 0.7
	weightMEV             = 0.5
	weightFlashLoan       = 0.8
	weightConcentration   = 0.6
	weightCorrelation     = 0.5
	weightLiquidation     = 0.9
	weightImpermanentLoss = 0.4
)

const (
	baseTxConfidence        = 0.85
	basePortfolioConfidence = 0.80
	degradedPenalty         = 0.15
	confidenceFloor         = 0.5

	flashLoanSeverity = 0.7
	unknownSeverity   = 0.4

	historyCap     = 10000
	inspectTimeout = 2 * time.Second
)

// ContractInfo is the verification and audit status of a target contract.
type ContractInfo struct {
	Verified    bool   `json:"verified"`
	AuditStatus string `json:"auditStatus"` // "audited", "partial", "none", "unknown"
}

// ErrNotContract is returned by Inspector implementations when the address
// is an externally owned account; no contract factor applies then.
var ErrNotContract = errors.New("address is not a contract")

// Inspector looks up contract verification status. Lookups carry a timeout;
// failure degrades the assessment to neutral rather than high-risk.
type Inspector interface {
	Inspect(ctx context.Context, addr common.Address) (ContractInfo, error)
}

// GasPricer supplies the network reference gas price in gwei.
type GasPricer interface {
	PriceGwei(ctx context.Context) float64
}

// Engine scores transactions and portfolios against the weighted factor model.
type Engine struct {
	store     Store
	inspector Inspector
	gas       GasPricer

	volatility  func(common.Address) (float64, bool)
	liquidity   func(common.Address) (float64, bool)
	correlation func(a, b common.Address) (float64, bool)

	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	history  []*Assessment
	assessed int64
}

// NewEngine creates a risk engine backed by the given assessment store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithInspector wires a contract verification source.
func (e *Engine) WithInspector(i Inspector) *Engine {
	e.inspector = i
	return e
}

// WithGas wires the network gas reference.
func (e *Engine) WithGas(g GasPricer) *Engine {
	e.gas = g
	return e
}

// WithVolatility wires a per-contract recent-volatility source (coefficient
// of variation). The bool reports whether data exists for the address.
func (e *Engine) WithVolatility(fn func(common.Address) (float64, bool)) *Engine {
	e.volatility = fn
	return e
}

// WithLiquidity wires a per-contract available-liquidity source, in the same
// native unit as transaction values.
func (e *Engine) WithLiquidity(fn func(common.Address) (float64, bool)) *Engine {
	e.liquidity = fn
	return e
}

// WithCorrelation wires a pairwise asset-correlation source used by
// portfolio assessments.
func (e *Engine) WithCorrelation(fn func(a, b common.Address) (float64, bool)) *Engine {
	e.correlation = fn
	return e
}

// Assess scores a transaction. threats is the detector output for the same
// transaction; a flash-loan record contributes a dedicated factor. Degraded
// external lookups lower confidence instead of raising the score.
func (e *Engine) Assess(ctx context.Context, tx *threat.TransactionIntent, threats []threat.Record) *Assessment {
	var factors []Factor
	degraded := 0

	if f, deg := e.contractFactor(ctx, tx.Recipient); f != nil {
		factors = append(factors, *f)
		if deg {
			degraded++
		}
	}
	if e.volatility != nil {
		if cv, ok := e.volatility(tx.Recipient); ok {
			factors = append(factors, volatilityFactor(cv))
		}
	}
	if e.liquidity != nil {
		if liq, ok := e.liquidity(tx.Recipient); ok && liq > 0 {
			factors = append(factors, liquidityFactor(tx.Value, liq))
		}
	}
	if e.gas != nil {
		f, deg := gasPremiumFactor(e.gas.PriceGwei(ctx), tx.GasPrice)
		factors = append(factors, f)
		if deg {
			degraded++
		}
	}
	for _, t := range threats {
		if t.Kind == threat.FlashLoanAttack {
			factors = append(factors, Factor{
				Kind:        FactorFlashLoan,
				Severity:    flashLoanSeverity,
				Weight:      weightFlashLoan,
				Description: "transaction matches flash loan patterns",
				Mitigation:  "Verify the flash loan path is secured before execution",
			})
			break
		}
	}

	// Level derives from the rounded score so the two never disagree at a
	// band edge.
	score := round3(overallScore(factors))
	level := LevelFor(score)

	assessment := &Assessment{
		ID:              idgen.WithPrefix("risk_"),
		Subject:         tx.Recipient.Hex(),
		Score:           score,
		Level:           level,
		Factors:         factors,
		Recommendations: recommendations(factors, level),
		Confidence:      confidence(baseTxConfidence, degraded),
		AssessedAt:      e.now(),
	}
	e.finish(assessment)
	return assessment
}

// AssessPortfolio scores a set of holdings: concentration, pairwise
// correlation, liquidation proximity, and impermanent-loss exposure.
func (e *Engine) AssessPortfolio(ctx context.Context, positions []Position) *Assessment {
	factors := []Factor{
		concentrationFactor(positions),
		e.correlationFactor(positions),
		liquidationFactor(positions),
		impermanentLossFactor(positions),
	}

	score := round3(overallScore(factors))
	level := LevelFor(score)

	recs := recommendations(factors, level)
	if leveraged := countLeveraged(positions); leveraged > len(positions)/2 {
		recs = append(recs, "Reduce leverage across the portfolio")
	}

	assessment := &Assessment{
		ID:              idgen.WithPrefix("risk_"),
		Subject:         "portfolio",
		Score:           score,
		Level:           level,
		Factors:         factors,
		Recommendations: recs,
		Confidence:      basePortfolioConfidence,
		AssessedAt:      e.now(),
	}
	e.finish(assessment)
	return assessment
}

// RunStressTests projects each scenario against the portfolio. The
// computation is a closed form of the scenario parameters, so identical
// inputs always produce identical results.
func (e *Engine) RunStressTests(positions []Position, scenarios []Scenario) []ScenarioResult {
	total := 0.0
	for _, p := range positions {
		total += p.ValueUSD
	}

	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		r := ScenarioResult{Scenario: sc.Name}
		if total > 0 {
			// Drained liquidity amplifies the realized loss; rising
			// correlation deepens the drawdown beyond the direct loss.
			loss := total * sc.PriceShock * (1 + sc.LiquidityDrain)
			drawdown := loss * (1 + sc.CorrelationIncrease)
			r.PortfolioLoss = round3(loss)
			r.MaxDrawdown = round3(drawdown)
			r.LiquidationProbability = round3(shockedLiquidationProbability(positions, sc.PriceShock))
			r.RecoveryTime = time.Duration(float64(sc.Duration) * math.Min(drawdown/total, 2))
		}
		results = append(results, r)
	}
	return results
}

// DefaultScenarios returns the standing stress battery.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Name:                "market_crash",
			Description:         "broad 30% price shock with halved liquidity",
			PriceShock:          0.30,
			LiquidityDrain:      0.50,
			CorrelationIncrease: 0.30,
			Duration:            7 * 24 * time.Hour,
		},
		{
			Name:                "stable_depeg",
			Description:         "15% shock with severe liquidity flight",
			PriceShock:          0.15,
			LiquidityDrain:      0.70,
			CorrelationIncrease: 0.20,
			Duration:            72 * time.Hour,
		},
		{
			Name:                "liquidity_crisis",
			Description:         "shallow shock but order books empty out",
			PriceShock:          0.10,
			LiquidityDrain:      0.90,
			CorrelationIncrease: 0.40,
			Duration:            14 * 24 * time.Hour,
		},
	}
}

// History returns the most recent assessments, newest first, up to limit.
func (e *Engine) History(limit int) []*Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]*Assessment, 0, limit)
	for i := len(e.history) - 1; i >= len(e.history)-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Stats returns an assessment snapshot.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var sum float64
	for _, a := range e.history {
		sum += a.Score
	}
	avg := 0.0
	if len(e.history) > 0 {
		avg = round3(sum / float64(len(e.history)))
	}
	return map[string]any{
		"assessed":     e.assessed,
		"historySize":  len(e.history),
		"averageScore": avg,
	}
}

// finish records the assessment in history and persists it best-effort.
func (e *Engine) finish(a *Assessment) {
	e.mu.Lock()
	e.assessed++
	e.history = append(e.history, a)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	e.mu.Unlock()

	if e.store != nil {
		go func() {
			_ = e.store.Record(context.Background(), a)
		}()
	}
	if a.Level == LevelHigh || a.Level == LevelVeryHigh {
		e.logger.Warn("high risk assessment",
			"subject", a.Subject,
			"score", a.Score,
			"level", string(a.Level),
		)
	}
}

func (e *Engine) contractFactor(ctx context.Context, addr common.Address) (*Factor, bool) {
	if e.inspector == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	info, err := e.inspector.Inspect(ctx, addr)
	if errors.Is(err, ErrNotContract) {
		return nil, false
	}
	if err != nil {
		// Lookup failure is neutral, never high-risk; confidence drops
		// instead.
		return &Factor{
			Kind:        FactorSmartContract,
			Severity:    unknownSeverity,
			Weight:      weightSmartContract,
			Description: "contract verification status unavailable",
			Mitigation:  "Use only verified and audited contracts",
		}, true
	}

	var severity float64
	switch {
	case info.Verified && info.AuditStatus == "audited":
		severity = 0.1
	case info.Verified && info.AuditStatus == "partial":
		severity = 0.3
	case info.Verified && info.AuditStatus == "none":
		severity = 0.5
	case info.Verified:
		severity = 0.4
	default:
		severity = 0.8
	}
	return &Factor{
		Kind:        FactorSmartContract,
		Severity:    severity,
		Weight:      weightSmartContract,
		Description: fmt.Sprintf("verified=%t audit=%s", info.Verified, info.AuditStatus),
		Mitigation:  "Use only verified and audited contracts",
	}, false
}

func volatilityFactor(cv float64) Factor {
	var severity float64
	switch {
	case cv < 0.1:
		severity = 0.1
	case cv < 0.2:
		severity = 0.3
	case cv < 0.4:
		severity = 0.5
	case cv < 0.6:
		severity = 0.7
	default:
		severity = 0.9
	}
	return Factor{
		Kind:        FactorVolatility,
		Severity:    severity,
		Weight:      weightVolatility,
		Description: fmt.Sprintf("recent volatility %.2f%%", cv*100),
		Mitigation:  "Consider position sizing and stop losses",
	}
}

func liquidityFactor(value, liquidity float64) Factor {
	ratio := value / liquidity
	var severity float64
	switch {
	case ratio < 0.01:
		severity = 0.1
	case ratio < 0.05:
		severity = 0.3
	case ratio < 0.1:
		severity = 0.5
	case ratio < 0.2:
		severity = 0.7
	default:
		severity = 0.9
	}
	return Factor{
		Kind:        FactorLiquidity,
		Severity:    severity,
		Weight:      weightLiquidity,
		Description: fmt.Sprintf("trade is %.2f%% of available liquidity", ratio*100),
		Mitigation:  "Consider splitting large transactions",
	}
}

func gasPremiumFactor(ref, gasPrice float64) (Factor, bool) {
	if ref <= 0 {
		return Factor{
			Kind:        FactorMEV,
			Severity:    unknownSeverity,
			Weight:      weightMEV,
			Description: "network gas reference unavailable",
			Mitigation:  "Use private mempools or commit-reveal schemes",
		}, true
	}

	premium := gasPrice/ref - 1
	var severity float64
	switch {
	case premium < 0.1:
		severity = 0.1
	case premium < 0.3:
		severity = 0.4
	case premium < 0.5:
		severity = 0.6
	default:
		severity = 0.8
	}
	return Factor{
		Kind:        FactorMEV,
		Severity:    severity,
		Weight:      weightMEV,
		Description: fmt.Sprintf("gas price premium %.1f%% over reference", premium*100),
		Mitigation:  "Use private mempools or commit-reveal schemes",
	}, false
}

func concentrationFactor(positions []Position) Factor {
	total, largest := 0.0, 0.0
	for _, p := range positions {
		total += p.ValueUSD
		if p.ValueUSD > largest {
			largest = p.ValueUSD
		}
	}
	ratio := 0.0
	if total > 0 {
		ratio = largest / total
	}

	var severity float64
	switch {
	case ratio < 0.2:
		severity = 0.1
	case ratio < 0.4:
		severity = 0.3
	case ratio < 0.6:
		severity = 0.5
	case ratio < 0.8:
		severity = 0.7
	default:
		severity = 0.9
	}
	return Factor{
		Kind:        FactorConcentration,
		Severity:    severity,
		Weight:      weightConcentration,
		Description: fmt.Sprintf("largest position is %.1f%% of portfolio", ratio*100),
		Mitigation:  "Diversify across multiple protocols and assets",
	}
}

func (e *Engine) correlationFactor(positions []Position) Factor {
	sum, pairs := 0.0, 0
	if e.correlation != nil {
		for i := range positions {
			for j := i + 1; j < len(positions); j++ {
				if c, ok := e.correlation(positions[i].Asset, positions[j].Asset); ok {
					sum += math.Abs(c)
					pairs++
				}
			}
		}
	}
	avg := 0.0
	if pairs > 0 {
		avg = sum / float64(pairs)
	}

	var severity float64
	switch {
	case avg < 0.2:
		severity = 0.1
	case avg < 0.4:
		severity = 0.3
	case avg < 0.6:
		severity = 0.5
	case avg < 0.8:
		severity = 0.7
	default:
		severity = 0.9
	}
	return Factor{
		Kind:        FactorCorrelation,
		Severity:    severity,
		Weight:      weightCorrelation,
		Description: fmt.Sprintf("average position correlation %.2f", avg),
		Mitigation:  "Reduce correlation by holding uncorrelated assets",
	}
}

func liquidationFactor(positions []Position) Factor {
	minHF := math.Inf(1)
	atRisk := 0
	for _, p := range positions {
		if !p.Leveraged {
			continue
		}
		hf := p.HealthFactor()
		minHF = math.Min(minHF, hf)
		if hf < 1.5 {
			atRisk++
		}
	}

	var severity float64
	switch {
	case math.IsInf(minHF, 1):
		severity = 0.0 // no leveraged positions
	case minHF > 2.0:
		severity = 0.1
	case minHF > 1.5:
		severity = 0.3
	case minHF > 1.2:
		severity = 0.6
	case minHF > 1.0:
		severity = 0.8
	default:
		severity = 1.0
	}
	return Factor{
		Kind:        FactorLiquidation,
		Severity:    severity,
		Weight:      weightLiquidation,
		Description: fmt.Sprintf("minimum health factor %.2f, %d positions at risk", minHF, atRisk),
		Mitigation:  "Increase collateral or reduce debt to improve health factors",
	}
}

func impermanentLossFactor(positions []Position) Factor {
	maxIL := 0.0
	for _, p := range positions {
		if p.Kind == "lp" && p.ILExposure > maxIL {
			maxIL = p.ILExposure
		}
	}

	var severity float64
	switch {
	case maxIL < 0.05:
		severity = 0.1
	case maxIL < 0.1:
		severity = 0.3
	case maxIL < 0.2:
		severity = 0.5
	case maxIL < 0.3:
		severity = 0.7
	default:
		severity = 0.9
	}
	return Factor{
		Kind:        FactorImpermanentLoss,
		Severity:    severity,
		Weight:      weightImpermanentLoss,
		Description: fmt.Sprintf("maximum impermanent loss exposure %.1f%%", maxIL*100),
		Mitigation:  "Consider single-sided staking or correlated pairs",
	}
}

// overallScore is the weighted average of factor severities, clamped to [0,1].
func overallScore(factors []Factor) float64 {
	if len(factors) == 0 {
		return 0.0
	}
	var weighted, total float64
	for _, f := range factors {
		weighted += f.Severity * f.Weight
		total += f.Weight
	}
	if total <= 0 {
		return 0.0
	}
	score := weighted / total
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}

// recommendations collects each severe factor's mitigation plus the generic
// actions for the overall level.
func recommendations(factors []Factor, level Level) []string {
	var recs []string
	for _, f := range factors {
		if f.Severity > 0.6 && f.Mitigation != "" {
			recs = append(recs, f.Mitigation)
		}
	}
	switch level {
	case LevelVeryHigh:
		recs = append(recs,
			"URGENT: exit positions or reduce exposure immediately",
			"Enable emergency stop mechanisms",
		)
	case LevelHigh:
		recs = append(recs,
			"Reduce position sizes and increase monitoring frequency",
			"Consider hedging strategies",
		)
	case LevelMedium:
		recs = append(recs,
			"Monitor positions closely and set up alerts",
			"Review risk management parameters",
		)
	}
	return recs
}

func confidence(base float64, degraded int) float64 {
	c := base - degradedPenalty*float64(degraded)
	if c < confidenceFloor {
		c = confidenceFloor
	}
	return c
}

// shockedLiquidationProbability estimates how likely the worst leveraged
// position is to liquidate after the scenario's price shock.
func shockedLiquidationProbability(positions []Position, shock float64) float64 {
	minHF := math.Inf(1)
	for _, p := range positions {
		if p.Leveraged {
			minHF = math.Min(minHF, p.HealthFactor())
		}
	}
	if math.IsInf(minHF, 1) {
		return 0.0
	}
	shocked := minHF * (1 - shock)
	prob := 1 - shocked/1.5
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}
	return prob
}

func countLeveraged(positions []Position) int {
	n := 0
	for _, p := range positions {
		if p.Leveraged {
			n++
		}
	}
	return n
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
