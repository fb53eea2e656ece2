// Package emergency dispatches protective responses to security alerts.
//
// Alerts live in an active set until resolved. Critical and Emergency alerts
// trigger the automatic actions of every procedure whose conditions match,
// each action executed independently so one failure never stops the rest.
// Every trigger and resolution appends a response record for effectiveness
// review, and the configured contacts are always notified: names escalated
// by a matching procedure first, the rest in priority order.
package emergency

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Level orders alert severity.
type Level string

const (
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// rank orders levels for threshold comparisons.
func (l Level) rank() int {
	switch l {
	case LevelInfo:
		return 0
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return -1
	}
}

// AutoRespond reports whether the level is high enough for automatic actions.
func (l Level) AutoRespond() bool {
	return l.rank() >= LevelCritical.rank()
}

// Alert is a triggered security incident.
type Alert struct {
	ID                string             `json:"id"`
	Level             Level              `json:"level"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	Category          string             `json:"category"` // matches procedure conditions
	AffectedAddresses []common.Address   `json:"affectedAddresses,omitempty"`
	AffectedProtocols []string           `json:"affectedProtocols,omitempty"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
	EstimatedImpact   float64            `json:"estimatedImpact,omitempty"` // native units
	DetectedAt        time.Time          `json:"detectedAt"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
	ActionsTaken      []string           `json:"actionsTaken,omitempty"`
	ActionsRequired   []string           `json:"actionsRequired,omitempty"`
}

// clone returns a copy safe to read outside the dispatcher's lock. The
// action slices are copied because they grow after publication; the other
// reference fields are never mutated once the alert is published.
func (a *Alert) clone() *Alert {
	c := *a
	c.ActionsTaken = append([]string(nil), a.ActionsTaken...)
	c.ActionsRequired = append([]string(nil), a.ActionsRequired...)
	return &c
}

// ActionType names an automatic response action.
type ActionType string

const (
	ActionPauseProtocol      ActionType = "pause_protocol"
	ActionEmergencyWithdraw  ActionType = "emergency_withdraw"
	ActionFreezeAssets       ActionType = "freeze_assets"
	ActionBlockAddress       ActionType = "block_address"
	ActionBlockFunction      ActionType = "block_function"
	ActionRateLimitAddress   ActionType = "rate_limit_address"
	ActionPauseOracle        ActionType = "pause_oracle"
	ActionSwitchBackupOracle ActionType = "switch_backup_oracle"
	ActionNotifyAdmins       ActionType = "notify_admins"
	ActionBroadcastAlert     ActionType = "broadcast_alert"
	ActionUpdateDashboard    ActionType = "update_dashboard"
	ActionRebalancePositions ActionType = "rebalance_positions"
	ActionLiquidatePosition  ActionType = "liquidate_position"
	ActionHedgeExposure      ActionType = "hedge_exposure"
)

// Action is a single response step. Only the fields relevant to the type
// are populated.
type Action struct {
	Type      ActionType      `json:"type"`
	Target    *common.Address `json:"target,omitempty"`
	Backup    *common.Address `json:"backup,omitempty"`   // for oracle switch
	Selector  string          `json:"selector,omitempty"` // for block_function
	Amount    float64         `json:"amount,omitempty"`
	Direction string          `json:"direction,omitempty"` // for hedge
	Message   string          `json:"message,omitempty"`
}

// key identifies an action for de-duplication across matched procedures.
func (a Action) key() string {
	k := string(a.Type)
	if a.Target != nil {
		k += ":" + a.Target.Hex()
	}
	if a.Selector != "" {
		k += ":" + a.Selector
	}
	return k
}

// Condition gates a procedure on an alert category plus a metric threshold.
type Condition struct {
	// Category must equal the alert's category.
	Category string `json:"category"`
	// Metric names the alert metric compared against Threshold. Empty means
	// the category match alone suffices.
	Metric    string  `json:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	// Contract, when set, must appear in the alert's affected addresses.
	Contract *common.Address `json:"contract,omitempty"`
}

// matches reports whether the alert satisfies the condition.
func (c *Condition) matches(alert *Alert) bool {
	if c.Category != alert.Category {
		return false
	}
	if c.Metric != "" && alert.Metrics[c.Metric] < c.Threshold {
		return false
	}
	if c.Contract != nil {
		for _, addr := range alert.AffectedAddresses {
			if addr == *c.Contract {
				return true
			}
		}
		return false
	}
	return true
}

// Procedure pairs trigger conditions with the automatic actions to run.
type Procedure struct {
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	// Escalation lists contact names notified first when this procedure
	// fires.
	Escalation []string `json:"escalation,omitempty"`
}

// matches reports whether any condition matches the alert.
func (p *Procedure) matches(alert *Alert) bool {
	for i := range p.Conditions {
		if p.Conditions[i].matches(alert) {
			return true
		}
	}
	return false
}

// Contact is a notification target, lowest Priority value notified first.
type Contact struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Endpoint string `json:"endpoint"` // webhook URL
	Secret   string `json:"-"`
	Priority int    `json:"priority"`
}

// ResponseRecord captures one trigger or resolution for later review.
type ResponseRecord struct {
	AlertID       string    `json:"alertId"`
	Actions       []Action  `json:"actions,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       string    `json:"outcome"`
	Effectiveness float64   `json:"effectiveness"`
}
