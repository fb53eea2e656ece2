package risk

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/threat"
)

type staticInspector struct {
	info ContractInfo
	err  error
}

func (s staticInspector) Inspect(context.Context, common.Address) (ContractInfo, error) {
	return s.info, s.err
}

type staticGas struct{ gwei float64 }

func (s staticGas) PriceGwei(context.Context) float64 { return s.gwei }

func testEngine() *Engine {
	return NewEngine(nil, slog.Default())
}

func intent(recipient string, value, gasPrice float64) *threat.TransactionIntent {
	return &threat.TransactionIntent{
		Recipient: common.HexToAddress(recipient),
		Value:     value,
		GasPrice:  gasPrice,
	}
}

func TestOverallScore_WeightedAverage(t *testing.T) {
	factors := []Factor{
		{Severity: 0.8, Weight: 0.8},
		{Severity: 0.2, Weight: 0.7},
	}
	score := overallScore(factors)
	if round3(score) != 0.52 {
		t.Fatalf("expected 0.52, got %v", score)
	}
	if LevelFor(score) != LevelMedium {
		t.Fatalf("expected medium, got %v", LevelFor(score))
	}
}

func TestOverallScore_Empty(t *testing.T) {
	if overallScore(nil) != 0 {
		t.Fatal("no factors must score zero")
	}
}

func TestLevelFor_Bands(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0.0, LevelVeryLow},
		{0.19, LevelVeryLow},
		{0.2, LevelLow},
		{0.39, LevelLow},
		{0.4, LevelMedium},
		{0.59, LevelMedium},
		{0.6, LevelHigh},
		{0.79, LevelHigh},
		{0.8, LevelVeryHigh},
		{1.0, LevelVeryHigh},
	}
	for _, c := range cases {
		if got := LevelFor(c.score); got != c.want {
			t.Fatalf("score %v: expected %v, got %v", c.score, c.want, got)
		}
	}
}

func TestAssess_UnverifiedContractHighGas(t *testing.T) {
	e := testEngine().
		WithInspector(staticInspector{info: ContractInfo{Verified: false, AuditStatus: "unknown"}}).
		WithGas(staticGas{gwei: 20})

	// 60% gas premium plus an unverified target.
	a := e.Assess(context.Background(), intent("0xdddd", 1, 32), nil)

	// (0.8*0.8 + 0.8*0.5) / (0.8+0.5) = 0.8
	if a.Score != 0.8 {
		t.Fatalf("expected score 0.8, got %v", a.Score)
	}
	if a.Level != LevelVeryHigh {
		t.Fatalf("expected very_high, got %v", a.Level)
	}
	if a.Confidence != 0.85 {
		t.Fatalf("expected full confidence, got %v", a.Confidence)
	}
	if len(a.Recommendations) == 0 {
		t.Fatal("expected recommendations for severe factors")
	}
}

func TestAssess_VerifiedAuditedContract(t *testing.T) {
	e := testEngine().
		WithInspector(staticInspector{info: ContractInfo{Verified: true, AuditStatus: "audited"}}).
		WithGas(staticGas{gwei: 20})

	a := e.Assess(context.Background(), intent("0xdddd", 1, 20), nil)

	// (0.1*0.8 + 0.1*0.5) / 1.3 = 0.1
	if a.Score != 0.1 {
		t.Fatalf("expected score 0.1, got %v", a.Score)
	}
	if a.Level != LevelVeryLow {
		t.Fatalf("expected very_low, got %v", a.Level)
	}
}

func TestAssess_InspectorFailureDegradesConfidence(t *testing.T) {
	e := testEngine().
		WithInspector(staticInspector{err: errors.New("upstream timeout")}).
		WithGas(staticGas{gwei: 20})

	a := e.Assess(context.Background(), intent("0xdddd", 1, 20), nil)

	var contract *Factor
	for i := range a.Factors {
		if a.Factors[i].Kind == FactorSmartContract {
			contract = &a.Factors[i]
		}
	}
	if contract == nil {
		t.Fatal("expected a neutral contract factor on lookup failure")
	}
	if contract.Severity != unknownSeverity {
		t.Fatalf("lookup failure must be neutral, got severity %v", contract.Severity)
	}
	if a.Confidence != 0.70 {
		t.Fatalf("expected degraded confidence 0.70, got %v", a.Confidence)
	}
}

func TestAssess_NonContractRecipientSkipsContractFactor(t *testing.T) {
	e := testEngine().
		WithInspector(staticInspector{err: ErrNotContract}).
		WithGas(staticGas{gwei: 20})

	a := e.Assess(context.Background(), intent("0xeeee", 1, 20), nil)

	for _, f := range a.Factors {
		if f.Kind == FactorSmartContract {
			t.Fatalf("plain transfers must not carry a contract factor: %+v", f)
		}
	}
	if a.Confidence != baseTxConfidence {
		t.Fatalf("skipping the factor must not degrade confidence, got %v", a.Confidence)
	}
}

func TestAssess_LevelMatchesStoredScore(t *testing.T) {
	// 0.5999 rounds to 0.600, which already sits in the high band.
	if got := LevelFor(round3(0.5999)); got != LevelHigh {
		t.Fatalf("expected high for the rounded boundary score, got %s", got)
	}

	e := testEngine().WithGas(staticGas{gwei: 50})
	for _, gasPrice := range []float64{10, 55, 70, 90} {
		a := e.Assess(context.Background(), intent("0xdddd", 1, gasPrice), nil)
		if LevelFor(a.Score) != a.Level {
			t.Fatalf("level %s disagrees with stored score %v", a.Level, a.Score)
		}
	}
}

func TestAssess_FlashLoanThreatAddsFactor(t *testing.T) {
	e := testEngine()
	threats := []threat.Record{{Kind: threat.FlashLoanAttack, Confidence: 0.8}}

	a := e.Assess(context.Background(), intent("0xdddd", 1, 20), threats)

	found := false
	for _, f := range a.Factors {
		if f.Kind == FactorFlashLoan {
			found = true
			if f.Severity != flashLoanSeverity {
				t.Fatalf("expected severity %v, got %v", flashLoanSeverity, f.Severity)
			}
		}
	}
	if !found {
		t.Fatal("expected flash loan factor")
	}
}

func TestAssess_VolatilityAndLiquiditySources(t *testing.T) {
	e := testEngine().
		WithVolatility(func(common.Address) (float64, bool) { return 0.45, true }).
		WithLiquidity(func(common.Address) (float64, bool) { return 1000, true })

	// 150/1000 = 15% of liquidity, volatility in the 0.4-0.6 band.
	a := e.Assess(context.Background(), intent("0xdddd", 150, 20), nil)

	for _, f := range a.Factors {
		switch f.Kind {
		case FactorVolatility:
			if f.Severity != 0.7 {
				t.Fatalf("volatility 0.45 must map to 0.7, got %v", f.Severity)
			}
		case FactorLiquidity:
			if f.Severity != 0.7 {
				t.Fatalf("15%% impact must map to 0.7, got %v", f.Severity)
			}
		}
	}
	if len(a.Factors) != 2 {
		t.Fatalf("expected 2 factors, got %d", len(a.Factors))
	}
}

func TestGasPremiumFactor_Buckets(t *testing.T) {
	cases := []struct {
		gas  float64
		want float64
	}{
		{20, 0.1},  // no premium
		{21, 0.1},  // 5%
		{24, 0.4},  // 20%
		{28, 0.6},  // 40%
		{40, 0.8},  // 100%
		{10, 0.1},  // below reference
	}
	for _, c := range cases {
		f, degraded := gasPremiumFactor(20, c.gas)
		if degraded {
			t.Fatalf("gas %v: unexpected degradation", c.gas)
		}
		if f.Severity != c.want {
			t.Fatalf("gas %v: expected severity %v, got %v", c.gas, c.want, f.Severity)
		}
	}

	if _, degraded := gasPremiumFactor(0, 20); !degraded {
		t.Fatal("missing reference must degrade")
	}
}

func TestConfidence_Floor(t *testing.T) {
	if c := confidence(baseTxConfidence, 3); c != confidenceFloor {
		t.Fatalf("expected floor %v, got %v", confidenceFloor, c)
	}
}

func TestAssessPortfolio_Concentrated(t *testing.T) {
	e := testEngine().
		WithCorrelation(func(a, b common.Address) (float64, bool) { return 0.9, true })

	positions := []Position{
		{Asset: common.HexToAddress("0xa1"), Kind: "long", ValueUSD: 900},
		{Asset: common.HexToAddress("0xa2"), Kind: "long", ValueUSD: 100,
			Leveraged: true, Collateral: 110, Debt: 100},
	}

	a := e.AssessPortfolio(context.Background(), positions)
	if a.Subject != "portfolio" {
		t.Fatalf("unexpected subject %q", a.Subject)
	}

	want := map[FactorKind]float64{
		FactorConcentration:   0.9, // 90% in one position
		FactorCorrelation:     0.9, // avg |corr| 0.9
		FactorLiquidation:     0.8, // health factor 1.1
		FactorImpermanentLoss: 0.1, // no LP positions
	}
	for _, f := range a.Factors {
		if sev, ok := want[f.Kind]; ok && f.Severity != sev {
			t.Fatalf("%s: expected severity %v, got %v", f.Kind, sev, f.Severity)
		}
	}
	if a.Confidence != 0.80 {
		t.Fatalf("expected portfolio confidence 0.80, got %v", a.Confidence)
	}
}

func TestAssessPortfolio_NoLeverage(t *testing.T) {
	e := testEngine()
	positions := []Position{
		{Asset: common.HexToAddress("0xa1"), Kind: "long", ValueUSD: 500},
		{Asset: common.HexToAddress("0xa2"), Kind: "long", ValueUSD: 500},
	}

	a := e.AssessPortfolio(context.Background(), positions)
	for _, f := range a.Factors {
		if f.Kind == FactorLiquidation && f.Severity != 0 {
			t.Fatalf("no leveraged positions must score zero liquidation risk, got %v", f.Severity)
		}
	}
}

func TestAssessPortfolio_LeverageRecommendation(t *testing.T) {
	e := testEngine()
	positions := []Position{
		{Asset: common.HexToAddress("0xa1"), ValueUSD: 500, Leveraged: true, Collateral: 1000, Debt: 400},
		{Asset: common.HexToAddress("0xa2"), ValueUSD: 300, Leveraged: true, Collateral: 900, Debt: 300},
		{Asset: common.HexToAddress("0xa3"), ValueUSD: 200},
	}

	a := e.AssessPortfolio(context.Background(), positions)
	found := false
	for _, r := range a.Recommendations {
		if r == "Reduce leverage across the portfolio" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected leverage recommendation for a mostly-leveraged portfolio")
	}
}

func TestRunStressTests_Deterministic(t *testing.T) {
	e := testEngine()
	positions := []Position{
		{Asset: common.HexToAddress("0xa1"), ValueUSD: 600},
		{Asset: common.HexToAddress("0xa2"), ValueUSD: 400,
			Leveraged: true, Collateral: 140, Debt: 100},
	}
	scenarios := []Scenario{{
		Name:                "crash",
		PriceShock:          0.30,
		LiquidityDrain:      0.50,
		CorrelationIncrease: 0.30,
		Duration:            7 * 24 * time.Hour,
	}}

	first := e.RunStressTests(positions, scenarios)
	second := e.RunStressTests(positions, scenarios)
	if len(first) != 1 || first[0] != second[0] {
		t.Fatalf("stress results must be deterministic: %v vs %v", first, second)
	}

	r := first[0]
	if r.PortfolioLoss != 450 { // 1000 * 0.30 * 1.5
		t.Fatalf("expected loss 450, got %v", r.PortfolioLoss)
	}
	if r.MaxDrawdown != 585 { // 450 * 1.3
		t.Fatalf("expected drawdown 585, got %v", r.MaxDrawdown)
	}
	// Health factor 1.4 shocked by 30% → 0.98; 1 − 0.98/1.5 = 0.347.
	if r.LiquidationProbability != 0.347 {
		t.Fatalf("expected liquidation probability 0.347, got %v", r.LiquidationProbability)
	}
	if r.RecoveryTime <= 0 {
		t.Fatal("expected positive recovery time")
	}
}

func TestRunStressTests_EmptyPortfolio(t *testing.T) {
	e := testEngine()
	results := e.RunStressTests(nil, DefaultScenarios())
	if len(results) != len(DefaultScenarios()) {
		t.Fatalf("expected one result per scenario, got %d", len(results))
	}
	for _, r := range results {
		if r.PortfolioLoss != 0 || r.LiquidationProbability != 0 {
			t.Fatalf("empty portfolio must project no loss: %v", r)
		}
	}
}

func TestHistoryAndStats(t *testing.T) {
	e := testEngine().WithGas(staticGas{gwei: 20})

	e.Assess(context.Background(), intent("0xd001", 1, 20), nil)
	e.Assess(context.Background(), intent("0xd002", 1, 40), nil)

	recent := e.History(1)
	if len(recent) != 1 || recent[0].Subject != common.HexToAddress("0xd002").Hex() {
		t.Fatalf("expected newest-first history, got %v", recent)
	}

	stats := e.Stats()
	if stats["assessed"].(int64) != 2 {
		t.Fatalf("expected 2 assessed, got %v", stats["assessed"])
	}
	if stats["historySize"].(int) != 2 {
		t.Fatalf("expected history size 2, got %v", stats["historySize"])
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := &Assessment{
			ID:      idSeq(i),
			Subject: "0xdead",
			Score:   float64(i) / 10,
			Level:   LevelVeryLow,
			Factors: []Factor{{Kind: FactorMEV, Severity: 0.1, Weight: 0.5}},
		}
		if err := s.Record(ctx, a); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.ListBySubject(ctx, "0xdead", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(got))
	}
	if got[0].ID != idSeq(2) {
		t.Fatalf("expected newest first, got %v", got[0].ID)
	}

	// Mutating the returned copy must not affect the store.
	got[0].Factors[0].Severity = 0.99
	again, _ := s.ListBySubject(ctx, "0xdead", 1)
	if again[0].Factors[0].Severity == 0.99 {
		t.Fatal("store must return deep copies")
	}
}

func idSeq(i int) string {
	return "risk_" + string(rune('a'+i))
}
