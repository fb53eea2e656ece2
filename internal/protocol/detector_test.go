package protocol

import (
	"encoding/hex"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/threat"
)

func testDetector() *Detector {
	return NewDetector(slog.Default())
}

func tx(sender, recipient string, value, gasPrice float64, selector string) *threat.TransactionIntent {
	t := &threat.TransactionIntent{
		Sender:    common.HexToAddress(sender),
		Recipient: common.HexToAddress(recipient),
		Value:     value,
		GasPrice:  gasPrice,
	}
	if selector != "" {
		data, err := hex.DecodeString(selector[2:])
		if err != nil {
			panic(err)
		}
		t.Data = data
	}
	return t
}

func findKind(records []threat.Record, kind threat.Kind) *threat.Record {
	for i := range records {
		if records[i].Kind == kind {
			return &records[i]
		}
	}
	return nil
}

func TestDetect_FlashLoanAttack(t *testing.T) {
	d := testDetector()
	aave := "0x398eC7346DcD622eDc5ae82352F02bE94C62d119"

	records := d.Detect(tx("0xbad", aave, 50, 20, flashLoanSelector))
	fl := findKind(records, threat.FlashLoanAttack)
	if fl == nil {
		t.Fatalf("expected flash-loan threat, got %v", records)
	}
	if fl.Confidence != confFlashLoan {
		t.Fatalf("expected confidence %v, got %v", confFlashLoan, fl.Confidence)
	}
	if !d.FlashLoanContextActive() {
		t.Fatal("flash-loan context should be active after detection")
	}
}

func TestDetect_FlashLoanSelectorAgainstOtherTarget(t *testing.T) {
	d := testDetector()

	// Same selector against a non-provider is just a transfer.
	records := d.Detect(tx("0xbad", "0xother", 50, 20, flashLoanSelector))
	if findKind(records, threat.FlashLoanAttack) != nil {
		t.Fatal("transfer to a non-provider must not be flagged")
	}
	if d.FlashLoanContextActive() {
		t.Fatal("context must stay inactive")
	}
}

func TestFlashLoanContext_Expires(t *testing.T) {
	d := testDetector()
	aave := "0x398eC7346DcD622eDc5ae82352F02bE94C62d119"
	d.Detect(tx("0xbad", aave, 50, 20, flashLoanSelector))

	d.now = func() time.Time { return time.Now().Add(flashLoanContextWindow + time.Second) }
	if d.FlashLoanContextActive() {
		t.Fatal("flash-loan context should expire")
	}
}

func TestDetect_LiquidationHunting(t *testing.T) {
	d := testDetector()
	target := common.HexToAddress("0xpos1")

	// Healthy position: no flag.
	d.UpdatePosition(target, 200, 100)
	d.RecomputeAtRisk()
	records := d.Detect(tx("0xhunter", "0xpos1", 10, 20, liquidationSelector))
	if findKind(records, threat.Liquidation) != nil {
		t.Fatal("healthy position must not be flagged")
	}

	// Position slides under the health threshold.
	d.UpdatePosition(target, 105, 100)
	d.RecomputeAtRisk()
	records = d.Detect(tx("0xhunter", "0xpos1", 10, 20, liquidationSelector))
	lq := findKind(records, threat.Liquidation)
	if lq == nil {
		t.Fatalf("expected liquidation threat, got %v", records)
	}
	if lq.Confidence != confLiquidation {
		t.Fatalf("expected confidence %v, got %v", confLiquidation, lq.Confidence)
	}
}

func TestHealthFactor_DebtFloor(t *testing.T) {
	p := &Position{Collateral: 50, Debt: 0}
	if hf := p.HealthFactor(); hf != 50 {
		t.Fatalf("debt-free position should use debt floor of 1, got %v", hf)
	}
}

func TestDetect_GovernanceAttack(t *testing.T) {
	d := testDetector().WithVotingPower(func(addr common.Address) float64 {
		if addr == common.HexToAddress("0xwhale") {
			return 0.40
		}
		return 0.01
	})

	records := d.Detect(tx("0xwhale", "0xgov", 0, 20, proposeSelector))
	if findKind(records, threat.GovernanceAttack) == nil {
		t.Fatalf("expected governance threat, got %v", records)
	}

	records = d.Detect(tx("0xminnow", "0xgov", 0, 20, castVoteSelector))
	if findKind(records, threat.GovernanceAttack) != nil {
		t.Fatal("small holder voting must not be flagged")
	}
}

func TestDetect_PriceManipulation(t *testing.T) {
	d := testDetector()
	dex := common.HexToAddress("0xdex1")
	d.Register(Config{Name: "uniswap", Address: dex, IsDEX: true})

	records := d.Detect(tx("0xwhale", "0xdex1", 150, 20, "0x38ed1739"))
	pm := findKind(records, threat.PriceManipulation)
	if pm == nil {
		t.Fatalf("expected price manipulation threat, got %v", records)
	}

	// Small trades and non-DEX targets pass.
	records = d.Detect(tx("0xwhale", "0xdex1", 50, 20, "0x38ed1739"))
	if findKind(records, threat.PriceManipulation) != nil {
		t.Fatal("small trade must not be flagged")
	}
}

func TestDetect_AttackSignature(t *testing.T) {
	d := testDetector()
	d.AddSignature(Signature{
		Name:        "reentrancy-drain",
		Selectors:   []string{"0xdeadbeef"},
		MinGasPrice: 50,
		MinValue:    10,
		Description: "high-gas drain pattern",
	})

	records := d.Detect(tx("0xbad", "0xvault", 20, 80, "0xdeadbeef"))
	sig := findKind(records, threat.Unknown)
	if sig == nil {
		t.Fatalf("expected signature hit, got %v", records)
	}

	// Below the gas floor: no match.
	records = d.Detect(tx("0xbad", "0xvault", 20, 30, "0xdeadbeef"))
	if findKind(records, threat.Unknown) != nil {
		t.Fatal("transaction outside the gas envelope must not match")
	}
}

func TestValidateInteraction_UnregisteredProtocol(t *testing.T) {
	d := testDetector()
	_, _, err := d.ValidateInteraction(tx("0xsender", "0xnowhere", 10, 20, ""))
	if err == nil {
		t.Fatal("expected error for unregistered protocol")
	}
}

func TestValidateInteraction_Paused(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{Name: "vault", Address: addr, Paused: true})

	ok, reason, err := d.ValidateInteraction(tx("0xsender", "0xproto", 10, 20, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || reason != "protocol paused" {
		t.Fatalf("expected pause rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateInteraction_ValueCap(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{Name: "vault", Address: addr, MaxTxValue: 100})

	ok, reason, err := d.ValidateInteraction(tx("0xsender", "0xproto", 150, 20, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected rejection above the value cap")
	}
	if reason != "value exceeds limit" {
		t.Fatalf("expected reason %q, got %q", "value exceeds limit", reason)
	}

	// At the cap is fine.
	ok, _, _ = d.ValidateInteraction(tx("0xsender", "0xproto", 100, 20, ""))
	if !ok {
		t.Fatal("value at the cap should pass")
	}
}

func TestValidateInteraction_AllowList(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{
		Name:             "vault",
		Address:          addr,
		AllowedFunctions: []string{"0x38ed1739"},
	})

	ok, _, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 10, 20, "0x38ed1739"))
	if !ok {
		t.Fatal("allow-listed function should pass")
	}

	ok, reason, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 10, 20, "0xdeadbeef"))
	if ok || reason != "function not in allow-list" {
		t.Fatalf("expected allow-list rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateInteraction_TxRateLimitAndCooldown(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{
		Name:       "vault",
		Address:    addr,
		RateLimits: RateLimits{MaxTxPerMinute: 3},
	})

	for i := 0; i < 3; i++ {
		ok, reason, err := d.ValidateInteraction(tx("0xsender", "0xproto", 1, 20, ""))
		if err != nil || !ok {
			t.Fatalf("tx %d should pass, got ok=%v reason=%q err=%v", i+1, ok, reason, err)
		}
	}

	// Fourth transaction in the window trips the limit.
	ok, reason, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 1, 20, ""))
	if ok || reason != "transaction rate limit exceeded" {
		t.Fatalf("expected rate limit rejection, got ok=%v reason=%q", ok, reason)
	}

	// Cooldown now blocks everything from the sender, even against other
	// protocols and before any policy checks run.
	other := common.HexToAddress("0xother")
	d.Register(Config{Name: "other", Address: other})
	ok, reason, err := d.ValidateInteraction(tx("0xsender", "0xother", 1, 20, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || reason != "rate limit cooldown active" {
		t.Fatalf("expected cooldown rejection, got ok=%v reason=%q", ok, reason)
	}

	// A different sender is unaffected.
	ok, _, _ = d.ValidateInteraction(tx("0xfresh", "0xproto", 1, 20, ""))
	if !ok {
		t.Fatal("cooldown must not leak across senders")
	}
}

func TestValidateInteraction_ValueRateLimit(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{
		Name:       "vault",
		Address:    addr,
		RateLimits: RateLimits{MaxValuePerHour: 100},
	})

	ok, _, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 60, 20, ""))
	if !ok {
		t.Fatal("first transaction should pass")
	}

	// 60 + 50 exceeds the hourly cap.
	ok, reason, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 50, 20, ""))
	if ok || reason != "value rate limit exceeded" {
		t.Fatalf("expected value rate rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateInteraction_CooldownExpires(t *testing.T) {
	d := testDetector()
	addr := common.HexToAddress("0xproto")
	d.Register(Config{
		Name:       "vault",
		Address:    addr,
		RateLimits: RateLimits{MaxTxPerMinute: 1},
	})

	d.ValidateInteraction(tx("0xsender", "0xproto", 1, 20, ""))
	ok, _, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 1, 20, ""))
	if ok {
		t.Fatal("second tx should trip the limit")
	}

	// After the cooldown (and with the rolling window clear) the sender
	// can transact again.
	d.now = func() time.Time { return time.Now().Add(rateLimitCooldown + time.Second) }
	ok, reason, _ := d.ValidateInteraction(tx("0xsender", "0xproto", 1, 20, ""))
	if !ok {
		t.Fatalf("expected pass after cooldown, got %q", reason)
	}
}

func TestRecomputeAtRisk(t *testing.T) {
	d := testDetector()
	d.UpdatePosition(common.HexToAddress("0xp1"), 105, 100) // hf 1.05
	d.UpdatePosition(common.HexToAddress("0xp2"), 300, 100) // hf 3.0
	d.UpdatePosition(common.HexToAddress("0xp3"), 90, 100)  // hf 0.9

	if n := d.RecomputeAtRisk(); n != 2 {
		t.Fatalf("expected 2 at-risk positions, got %d", n)
	}
	if _, ok := d.AtRisk(common.HexToAddress("0xp2")); ok {
		t.Fatal("healthy position must not be at risk")
	}
	if hf, ok := d.AtRisk(common.HexToAddress("0xp3")); !ok || hf != 0.9 {
		t.Fatalf("expected 0xp3 at risk with hf 0.9, got %v %v", hf, ok)
	}
}

func TestStats(t *testing.T) {
	d := testDetector()
	aave := "0x398eC7346DcD622eDc5ae82352F02bE94C62d119"
	d.Detect(tx("0xbad", aave, 50, 20, flashLoanSelector))

	stats := d.Stats()
	byKind := stats["detectionsByKind"].(map[string]int64)
	if byKind["flash_loan_attack"] != 1 {
		t.Fatalf("expected 1 flash-loan detection, got %v", byKind)
	}
	if stats["flashLoanProviders"].(int) != 2 {
		t.Fatalf("expected 2 default providers, got %v", stats["flashLoanProviders"])
	}
}
