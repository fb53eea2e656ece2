// Package audit keeps the time-ordered, retention-governed audit log.
//
// Every entry is evaluated against the enabled compliance rules before it is
// accepted; a matching BlockTransaction rule rejects the entry and the caller
// must treat the underlying action as disallowed. Accepted entries are
// appended in time order, indexed by actor, contract, and entry type, and
// pruned only by the retention policy: high-risk entries and security
// violations outlive the default window.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EntryType classifies an audit entry.
type EntryType string

const (
	EntryTransactionSubmitted EntryType = "transaction_submitted"
	EntryTransactionExecuted  EntryType = "transaction_executed"
	EntryTransactionFailed    EntryType = "transaction_failed"

	EntrySecurityViolation  EntryType = "security_violation"
	EntrySuspiciousActivity EntryType = "suspicious_activity"
	EntryRiskAssessment     EntryType = "risk_assessment"
	EntryThreatDetected     EntryType = "threat_detected"

	EntrySystemStart         EntryType = "system_start"
	EntrySystemStop          EntryType = "system_stop"
	EntryConfigurationChange EntryType = "configuration_change"
	EntryEmergencyAction     EntryType = "emergency_action"

	EntryPriceUpdate    EntryType = "price_update"
	EntryOracleFailure  EntryType = "oracle_failure"
	EntryPriceDeviation EntryType = "price_deviation"

	EntryPauseEvent   EntryType = "pause_event"
	EntryUnpauseEvent EntryType = "unpause_event"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID        string            `json:"id"`
	Type      EntryType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     *common.Address   `json:"actor,omitempty"`
	TxHash    *common.Hash      `json:"txHash,omitempty"`
	Contract  *common.Address   `json:"contract,omitempty"`
	Function  string            `json:"function,omitempty"`
	GasUsed   uint64            `json:"gasUsed,omitempty"`
	GasPrice  float64           `json:"gasPrice,omitempty"` // gwei
	Value     float64           `json:"value,omitempty"`    // native units
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	RiskScore float64           `json:"riskScore,omitempty"`
	Flags     []string          `json:"flags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// highRiskScore marks entries exempt from default retention.
const highRiskScore = 0.7

// retained reports whether the entry uses the extended retention window.
func (e *Entry) retained() bool {
	return e.RiskScore > highRiskScore || e.Type == EntrySecurityViolation
}

// RuleKind selects which entry field a compliance rule tests.
type RuleKind string

const (
	RuleTransactionValue RuleKind = "transaction_value"
	RuleRiskScore        RuleKind = "risk_score"
	RuleSecurityFlag     RuleKind = "security_flag"
	RuleGasUsage         RuleKind = "gas_usage"
)

// Action is what a matched compliance rule does.
type Action string

const (
	ActionLogWarning       Action = "log_warning"
	ActionBlockTransaction Action = "block_transaction"
	ActionRequireApproval  Action = "require_approval"
	ActionNotifyCompliance Action = "notify_compliance"
	ActionGenerateReport   Action = "generate_report"
)

// ComplianceRule matches entries against a threshold or flag.
type ComplianceRule struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        RuleKind `json:"kind"`
	Threshold   float64  `json:"threshold"`
	Flag        string   `json:"flag,omitempty"` // for RuleSecurityFlag
	Action      Action   `json:"action"`
	Enabled     bool     `json:"enabled"`
}

// matches reports whether the entry violates the rule.
func (r *ComplianceRule) matches(e *Entry) bool {
	switch r.Kind {
	case RuleTransactionValue:
		return e.Value > r.Threshold
	case RuleRiskScore:
		return e.RiskScore > r.Threshold
	case RuleSecurityFlag:
		for _, f := range e.Flags {
			if f == r.Flag {
				return true
			}
		}
		return false
	case RuleGasUsage:
		return float64(e.GasUsed) > r.Threshold
	default:
		return false
	}
}

// ErrBlocked is returned when a BlockTransaction compliance rule matches.
var ErrBlocked = errors.New("blocked by compliance rule")

// Query filters audit entries. Zero values mean "no constraint".
type Query struct {
	Start    time.Time       `json:"start,omitempty"`
	End      time.Time       `json:"end,omitempty"`
	Types    []EntryType     `json:"types,omitempty"`
	Actor    *common.Address `json:"actor,omitempty"`
	Contract *common.Address `json:"contract,omitempty"`
	MinRisk  float64         `json:"minRisk,omitempty"`
	MaxRisk  float64         `json:"maxRisk,omitempty"` // 0 = unbounded
	Flags    []string        `json:"flags,omitempty"`   // any-of
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Report summarizes compliance over a period.
type Report struct {
	ID              string    `json:"id"`
	GeneratedAt     time.Time `json:"generatedAt"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	TotalEntries    int       `json:"totalEntries"`
	HighRiskEntries int       `json:"highRiskEntries"`
	Violations      int       `json:"violations"`
	ComplianceScore float64   `json:"complianceScore"`
	Recommendations []string  `json:"recommendations"`
	Entries         []*Entry  `json:"entries"`
}

// RetentionPolicy bounds how long entries survive in the log.
type RetentionPolicy struct {
	// Default is the window for ordinary entries.
	Default time.Duration
	// Extended is the window for high-risk entries and security violations.
	Extended time.Duration
}

// DefaultRetention is 90 days, with one year for exempt entries.
var DefaultRetention = RetentionPolicy{
	Default:  90 * 24 * time.Hour,
	Extended: 365 * 24 * time.Hour,
}

// Store persists accepted entries outside the in-memory log.
type Store interface {
	Record(ctx context.Context, entry *Entry) error
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
}
