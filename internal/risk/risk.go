// Package risk computes weighted multi-factor risk assessments for
// transactions and portfolios.
//
// Each assessment collects independently-computed factors (contract trust,
// volatility, liquidity impact, gas premium, flash-loan patterns, and the
// portfolio-level concentration/correlation/liquidation/impermanent-loss
// factors), combines them as score = Σ(severity·weight)/Σ(weight) clamped to
// [0,1], and maps the score onto five levels. Deterministic stress scenarios
// run against the same portfolio input.
package risk

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FactorKind names a risk factor category.
type FactorKind string

const (
	FactorSmartContract   FactorKind = "smart_contract"
	FactorVolatility      FactorKind = "price_volatility"
	FactorLiquidity       FactorKind = "liquidity"
	FactorMEV             FactorKind = "mev"
	FactorFlashLoan       FactorKind = "flash_loan"
	FactorConcentration   FactorKind = "concentration"
	FactorCorrelation     FactorKind = "correlation"
	FactorLiquidation     FactorKind = "liquidation"
	FactorImpermanentLoss FactorKind = "impermanent_loss"
)

// Factor is a single scored risk contribution.
type Factor struct {
	Kind        FactorKind `json:"kind"`
	Severity    float64    `json:"severity"` // 0.0 to 1.0
	Weight      float64    `json:"weight"`
	Description string     `json:"description"`
	Mitigation  string     `json:"mitigation,omitempty"`
}

// Level is the coarse classification of an overall score.
type Level string

const (
	LevelVeryLow  Level = "very_low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// LevelFor maps a score onto its level band.
func LevelFor(score float64) Level {
	switch {
	case score < 0.2:
		return LevelVeryLow
	case score < 0.4:
		return LevelLow
	case score < 0.6:
		return LevelMedium
	case score < 0.8:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// Assessment is the result of scoring a transaction or portfolio.
type Assessment struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"` // contract address or "portfolio"
	Score           float64   `json:"score"`
	Level           Level     `json:"level"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	Confidence      float64   `json:"confidence"`
	AssessedAt      time.Time `json:"assessedAt"`
}

// Position is a portfolio holding submitted for portfolio-level assessment.
type Position struct {
	Asset      common.Address `json:"asset"`
	Kind       string         `json:"kind"` // "long", "short", "lp"
	ValueUSD   float64        `json:"valueUsd"`
	Leveraged  bool           `json:"leveraged"`
	Collateral float64        `json:"collateral"`
	Debt       float64        `json:"debt"`
	// ILExposure is the caller's impermanent-loss estimate for LP positions,
	// as a fraction of position value.
	ILExposure float64 `json:"ilExposure"`
}

// HealthFactor is collateral over debt, with debt floored at 1.
func (p *Position) HealthFactor() float64 {
	debt := p.Debt
	if debt < 1 {
		debt = 1
	}
	return p.Collateral / debt
}

// Scenario defines a deterministic stress test.
type Scenario struct {
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	PriceShock          float64       `json:"priceShock"`     // fraction of value
	LiquidityDrain      float64       `json:"liquidityDrain"` // fraction of depth
	CorrelationIncrease float64       `json:"correlationIncrease"`
	Duration            time.Duration `json:"duration"`
}

// ScenarioResult is the projected outcome of one stress scenario.
type ScenarioResult struct {
	Scenario               string        `json:"scenario"`
	PortfolioLoss          float64       `json:"portfolioLoss"`
	MaxDrawdown            float64       `json:"maxDrawdown"`
	LiquidationProbability float64       `json:"liquidationProbability"`
	RecoveryTime           time.Duration `json:"recoveryTime"`
}

// Store persists risk assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error)
}
