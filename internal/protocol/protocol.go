// Package protocol detects protocol-level attack patterns (flash loans,
// liquidation hunting, governance capture, price manipulation) and enforces
// per-protocol interaction policy: pause flags, value caps, function
// allow-lists, and per-sender rate limits with cooldown.
package protocol

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Known attack-relevant function selectors.
const (
	flashLoanSelector   = "0xa9059cbb"
	liquidationSelector = "0xf5298acf"
	castVoteSelector    = "0x56781df0"
	proposeSelector     = "0xda95691d"
)

// Default flash-loan provider addresses (Aave v1/v2 lending pools).
var defaultFlashLoanProviders = []common.Address{
	common.HexToAddress("0x398eC7346DcD622eDc5ae82352F02bE94C62d119"),
	common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9"),
}

// Detection thresholds.
const (
	// largeTradeThreshold is the native-unit value above which a DEX trade
	// counts as potential price manipulation.
	largeTradeThreshold = 100.0
	// atRiskHealthFactor marks positions eligible for liquidation hunting.
	atRiskHealthFactor = 1.1
	// votingPowerThreshold is the concentration above which governance
	// calls look like capture attempts.
	votingPowerThreshold = 0.33
	// flashLoanContextWindow is how long a flash-loan detection keeps the
	// oracle validator on its stricter path.
	flashLoanContextWindow = 2 * time.Minute

	confFlashLoan    = 0.8
	confLiquidation  = 0.7
	confGovernance   = 0.8
	confManipulation = 0.7
	confSignatureHit = 0.75
)

// RateLimits bound per-sender interaction rates with a protocol.
type RateLimits struct {
	// MaxTxPerMinute caps transactions in a rolling 60s window. 0 = unlimited.
	MaxTxPerMinute int `json:"maxTxPerMinute"`
	// MaxValuePerHour caps cumulative value in a rolling 60-minute window.
	// 0 = unlimited.
	MaxValuePerHour float64 `json:"maxValuePerHour"`
}

// Config describes a registered protocol.
type Config struct {
	Name             string         `json:"name"`
	Address          common.Address `json:"address"`
	Paused           bool           `json:"paused"`
	MaxTxValue       float64        `json:"maxTxValue"` // 0 = uncapped
	AllowedFunctions []string       `json:"allowedFunctions"`
	RateLimits       RateLimits     `json:"rateLimits"`
	IsDEX            bool           `json:"isDex"`
	IsLending        bool           `json:"isLending"`
	// Verified and AuditStatus declare the contract's source trust; the
	// risk engine reads them for registered recipients.
	Verified    bool   `json:"verified"`
	AuditStatus string `json:"auditStatus,omitempty"` // "audited", "partial", "none"
}

// Signature is a named attack fingerprint: selector set plus gas and value
// envelopes. A transaction matching all populated fields is flagged.
type Signature struct {
	Name        string   `json:"name"`
	Selectors   []string `json:"selectors"`
	MinGasPrice float64  `json:"minGasPrice"` // gwei, 0 = no floor
	MaxGasPrice float64  `json:"maxGasPrice"` // gwei, 0 = no ceiling
	MinValue    float64  `json:"minValue"`
	MaxValue    float64  `json:"maxValue"` // 0 = no ceiling
	Description string   `json:"description"`
}

// Position is a leveraged position tracked by the health monitor.
type Position struct {
	Owner      common.Address `json:"owner"`
	Collateral float64        `json:"collateral"`
	Debt       float64        `json:"debt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// HealthFactor is collateral over debt, with debt floored at 1 to avoid
// dividing by zero on debt-free positions.
func (p *Position) HealthFactor() float64 {
	debt := p.Debt
	if debt < 1 {
		debt = 1
	}
	return p.Collateral / debt
}
