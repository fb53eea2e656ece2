package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/halcyonsec/defiguard/internal/idgen"
	"github.com/halcyonsec/defiguard/internal/metrics"
)

// Trail is the in-memory audit log with compliance evaluation, field
// indices, and retention pruning. An optional Store receives accepted
// entries best-effort.
type Trail struct {
	mu        sync.RWMutex
	log       []*Entry            // time-ordered, oldest first
	indices   map[string][]string // "actor:..."/"contract:..."/"type:..." → entry IDs
	rules     map[string]ComplianceRule
	retention RetentionPolicy

	violations map[string]int64 // per rule name

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTrail creates an audit trail with the default compliance rules
// installed. store may be nil for purely in-memory operation.
func NewTrail(retention RetentionPolicy, store Store, logger *slog.Logger) *Trail {
	if retention.Default <= 0 {
		retention = DefaultRetention
	}
	t := &Trail{
		indices:    make(map[string][]string),
		rules:      make(map[string]ComplianceRule),
		retention:  retention,
		violations: make(map[string]int64),
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
	t.installDefaultRules()
	return t
}

// installDefaultRules seeds the standing compliance rules.
func (t *Trail) installDefaultRules() {
	t.rules["high_value_transaction"] = ComplianceRule{
		Name:        "high_value_transaction",
		Description: "transactions above 100 native units notify compliance",
		Kind:        RuleTransactionValue,
		Threshold:   100,
		Action:      ActionNotifyCompliance,
		Enabled:     true,
	}
	t.rules["high_risk_transaction"] = ComplianceRule{
		Name:        "high_risk_transaction",
		Description: "transactions with risk score above 0.8 require approval",
		Kind:        RuleRiskScore,
		Threshold:   0.8,
		Action:      ActionRequireApproval,
		Enabled:     true,
	}
}

// AddRule installs or replaces a compliance rule.
func (t *Trail) AddRule(rule ComplianceRule) {
	t.mu.Lock()
	t.rules[rule.Name] = rule
	t.mu.Unlock()
}

// SetRuleEnabled toggles a rule without removing it.
func (t *Trail) SetRuleEnabled(name string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rule, ok := t.rules[name]
	if !ok {
		return false
	}
	rule.Enabled = enabled
	t.rules[name] = rule
	return true
}

// Rules returns a copy of the installed compliance rules.
func (t *Trail) Rules() []ComplianceRule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComplianceRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Log evaluates compliance rules and appends the entry. A matching
// BlockTransaction rule rejects the entry with ErrBlocked; other matched
// actions are recorded but do not block. ID and timestamp are assigned when
// absent.
func (t *Trail) Log(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("audit_")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	t.mu.Lock()
	for _, rule := range t.rules {
		if !rule.Enabled || !rule.matches(entry) {
			continue
		}
		t.violations[rule.Name]++
		metrics.ComplianceViolationsTotal.WithLabelValues(rule.Name).Inc()
		t.logger.Warn("compliance rule matched",
			"rule", rule.Name,
			"action", string(rule.Action),
			"entry", entry.ID,
		)
		if rule.Action == ActionBlockTransaction {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBlocked, rule.Name)
		}
	}

	t.log = append(t.log, entry)
	t.index(entry)
	t.applyRetention()
	t.mu.Unlock()

	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Type)).Inc()
	if t.store != nil {
		go func() {
			_ = t.store.Record(context.Background(), entry)
		}()
	}
	return nil
}

// index registers the entry under its actor, contract, and type keys.
// Caller must hold t.mu.
func (t *Trail) index(e *Entry) {
	if e.Actor != nil {
		key := "actor:" + e.Actor.Hex()
		t.indices[key] = append(t.indices[key], e.ID)
	}
	if e.Contract != nil {
		key := "contract:" + e.Contract.Hex()
		t.indices[key] = append(t.indices[key], e.ID)
	}
	key := "type:" + string(e.Type)
	t.indices[key] = append(t.indices[key], e.ID)
}

// applyRetention scans from the oldest entry forward, evicting expired
// entries and stopping at the first one that must be kept. Exempt entries
// (high risk, security violations) use the extended window. Caller must
// hold t.mu.
func (t *Trail) applyRetention() {
	now := t.now()
	defaultCutoff := now.Add(-t.retention.Default)
	extendedCutoff := now.Add(-t.retention.Extended)

	evicted := 0
	for _, e := range t.log {
		if !e.Timestamp.Before(defaultCutoff) {
			break
		}
		if e.retained() {
			if !e.Timestamp.Before(extendedCutoff) {
				break
			}
		}
		t.unindex(e)
		evicted++
	}
	if evicted > 0 {
		t.log = t.log[evicted:]
	}
}

// unindex removes the entry's ID from its index keys. Caller must hold t.mu.
func (t *Trail) unindex(e *Entry) {
	keys := []string{"type:" + string(e.Type)}
	if e.Actor != nil {
		keys = append(keys, "actor:"+e.Actor.Hex())
	}
	if e.Contract != nil {
		keys = append(keys, "contract:"+e.Contract.Hex())
	}
	for _, key := range keys {
		ids := t.indices[key]
		for i, id := range ids {
			if id == e.ID {
				t.indices[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(t.indices[key]) == 0 {
			delete(t.indices, key)
		}
	}
}

// Query returns matching entries newest-first with offset/limit pagination.
func (t *Trail) Query(q Query) []*Entry {
	t.mu.RLock()
	matched := make([]*Entry, 0)
	for _, e := range t.log {
		if matchesQuery(e, &q) {
			matched = append(matched, e)
		}
	}
	t.mu.RUnlock()

	// Newest first. The log is time-ordered, so reversing suffices.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*Entry, len(matched))
	for i, e := range matched {
		c := *e
		out[i] = &c
	}
	return out
}

func matchesQuery(e *Entry, q *Query) bool {
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, typ := range q.Types {
			if e.Type == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Actor != nil && (e.Actor == nil || *e.Actor != *q.Actor) {
		return false
	}
	if q.Contract != nil && (e.Contract == nil || *e.Contract != *q.Contract) {
		return false
	}
	if q.MinRisk > 0 && e.RiskScore < q.MinRisk {
		return false
	}
	if q.MaxRisk > 0 && e.RiskScore > q.MaxRisk {
		return false
	}
	if len(q.Flags) > 0 {
		found := false
		for _, want := range q.Flags {
			for _, have := range e.Flags {
				if want == have {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GenerateReport summarizes executed transactions and security events over
// the period. The compliance score is 1 minus the violation ratio.
func (t *Trail) GenerateReport(start, end time.Time) *Report {
	entries := t.Query(Query{
		Start: start,
		End:   end,
		Types: []EntryType{
			EntryTransactionExecuted,
			EntrySecurityViolation,
			EntrySuspiciousActivity,
		},
	})

	highRisk, violations := 0, 0
	for _, e := range entries {
		if e.RiskScore > highRiskScore {
			highRisk++
		}
		if e.Type == EntrySecurityViolation {
			violations++
		}
	}

	score := 1.0
	if len(entries) > 0 {
		score = 1.0 - float64(violations)/float64(len(entries))
	}

	var recs []string
	if len(entries) > 0 && float64(highRisk)/float64(len(entries)) > 0.1 {
		recs = append(recs, "Consider implementing stricter risk controls")
	}
	if violations > 0 {
		recs = append(recs, "Review and strengthen security measures")
	}

	return &Report{
		ID:              idgen.WithPrefix("report_"),
		GeneratedAt:     t.now(),
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalEntries:    len(entries),
		HighRiskEntries: highRisk,
		Violations:      violations,
		ComplianceScore: score,
		Recommendations: recs,
		Entries:         entries,
	}
}

// Stats returns a log snapshot.
func (t *Trail) Stats() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dayAgo := t.now().Add(-24 * time.Hour)
	last24h, highRisk, securityEvents := 0, 0, 0
	byType := make(map[string]int)
	for _, e := range t.log {
		byType[string(e.Type)]++
		if !e.Timestamp.Before(dayAgo) {
			last24h++
		}
		if e.RiskScore > highRiskScore {
			highRisk++
		}
		switch e.Type {
		case EntrySecurityViolation, EntrySuspiciousActivity, EntryThreatDetected:
			securityEvents++
		}
	}

	byRule := make(map[string]int64, len(t.violations))
	for name, n := range t.violations {
		byRule[name] = n
	}

	stats := map[string]any{
		"totalEntries":     len(t.log),
		"entriesLast24h":   last24h,
		"highRiskEntries":  highRisk,
		"securityEvents":   securityEvents,
		"entriesByType":    byType,
		"violationsByRule": byRule,
	}
	if len(t.log) > 0 {
		stats["oldestEntry"] = t.log[0].Timestamp
		stats["newestEntry"] = t.log[len(t.log)-1].Timestamp
	}
	return stats
}
