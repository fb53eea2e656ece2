package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/halcyonsec/defiguard/internal/circuitbreaker"
	"github.com/halcyonsec/defiguard/internal/idgen"
	"github.com/halcyonsec/defiguard/internal/metrics"
	"github.com/halcyonsec/defiguard/internal/realtime"
)

// Executor carries out response actions against the protected systems.
type Executor interface {
	Execute(ctx context.Context, action Action) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action Action) error

func (f ExecutorFunc) Execute(ctx context.Context, action Action) error { return f(ctx, action) }

// Notifier delivers alert notifications to a contact.
type Notifier interface {
	Notify(ctx context.Context, contact Contact, alert *Alert) error
}

// Broadcaster fans alerts out to connected dashboards.
type Broadcaster interface {
	BroadcastAlert(eventType realtime.EventType, alert map[string]interface{})
}

// Dispatcher owns the active alert set, procedures, contacts, and response
// history.
type Dispatcher struct {
	mu         sync.RWMutex
	active     map[string]*Alert
	archived   []*Alert
	procedures map[string]Procedure
	contacts   []Contact
	history    []ResponseRecord

	autoResponse bool
	maxAutoValue float64 // native units; larger impacts need manual approval

	executor Executor
	notifier Notifier
	hub      Broadcaster
	breaker  *circuitbreaker.Breaker

	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher with auto-response enabled. executor,
// notifier, and hub may be nil; the corresponding step is skipped.
func NewDispatcher(breaker *circuitbreaker.Breaker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		active:       make(map[string]*Alert),
		procedures:   make(map[string]Procedure),
		autoResponse: true,
		breaker:      breaker,
		logger:       logger,
		now:          time.Now,
	}
}

// WithExecutor wires the action executor.
func (d *Dispatcher) WithExecutor(e Executor) *Dispatcher {
	d.executor = e
	return d
}

// WithNotifier wires the contact notifier.
func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithBroadcaster wires the realtime alert feed.
func (d *Dispatcher) WithBroadcaster(b Broadcaster) *Dispatcher {
	d.hub = b
	return d
}

// WithMaxAutoValue caps the estimated impact eligible for automatic response.
// 0 means uncapped.
func (d *Dispatcher) WithMaxAutoValue(v float64) *Dispatcher {
	d.maxAutoValue = v
	return d
}

// SetAutoResponse toggles automatic action execution.
func (d *Dispatcher) SetAutoResponse(enabled bool) {
	d.mu.Lock()
	d.autoResponse = enabled
	d.mu.Unlock()
}

// AddProcedure installs or replaces a response procedure.
func (d *Dispatcher) AddProcedure(p Procedure) {
	d.mu.Lock()
	d.procedures[p.Name] = p
	d.mu.Unlock()
}

// AddContact registers a notification target.
func (d *Dispatcher) AddContact(c Contact) {
	d.mu.Lock()
	d.contacts = append(d.contacts, c)
	sort.SliceStable(d.contacts, func(i, j int) bool {
		return d.contacts[i].Priority < d.contacts[j].Priority
	})
	d.mu.Unlock()
}

// TriggerAlert stores the alert in the active set, runs matching procedures
// for Critical/Emergency levels when auto-response is enabled, and notifies
// every contact, matched escalation names first, the rest in priority order.
func (d *Dispatcher) TriggerAlert(ctx context.Context, alert *Alert) error {
	if alert.Level.rank() < 0 {
		return fmt.Errorf("unknown alert level %q", alert.Level)
	}
	if alert.ID == "" {
		alert.ID = idgen.WithPrefix("alert_")
	}
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = d.now()
	}

	// Publication makes the alert visible to concurrent readers; from here
	// on every field write happens under d.mu.
	d.mu.Lock()
	d.active[alert.ID] = alert
	auto := d.autoResponse && alert.Level.AutoRespond()
	overCap := auto && d.maxAutoValue > 0 && alert.EstimatedImpact > d.maxAutoValue
	if overCap {
		alert.ActionsRequired = append(alert.ActionsRequired,
			fmt.Sprintf("manual approval required: estimated impact %.0f exceeds auto-response cap %.0f",
				alert.EstimatedImpact, d.maxAutoValue))
	}
	d.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(string(alert.Level)).Inc()
	d.logger.Error("emergency alert triggered",
		"id", alert.ID,
		"level", string(alert.Level),
		"title", alert.Title,
	)

	var executed []Action
	if auto {
		if overCap {
			d.logger.Warn("auto-response skipped, impact above cap",
				"alert", alert.ID,
				"impact", alert.EstimatedImpact,
			)
		} else {
			executed = d.runProcedures(ctx, alert)
		}
	}

	d.mu.RLock()
	snapshot := alert.clone()
	d.mu.RUnlock()

	d.notifyContacts(ctx, snapshot, d.matchedEscalation(alert))
	d.broadcast(realtime.EventAlertRaised, snapshot)

	d.mu.Lock()
	d.history = append(d.history, ResponseRecord{
		AlertID:   alert.ID,
		Actions:   executed,
		Timestamp: d.now(),
		Outcome:   "response initiated",
	})
	d.mu.Unlock()
	return nil
}

// runProcedures executes the union of matched procedures' actions. Each
// action runs independently; failures are recorded and skipped.
func (d *Dispatcher) runProcedures(ctx context.Context, alert *Alert) []Action {
	d.mu.RLock()
	var actions []Action
	seen := make(map[string]bool)
	for _, p := range d.procedures {
		if !p.matches(alert) {
			continue
		}
		d.logger.Info("executing emergency procedure", "procedure", p.Name, "alert", alert.ID)
		for _, a := range p.Actions {
			if !seen[a.key()] {
				seen[a.key()] = true
				actions = append(actions, a)
			}
		}
	}
	d.mu.RUnlock()

	var executed []Action
	taken := make([]string, 0, len(actions))
	for _, action := range actions {
		if err := d.execute(ctx, action, alert); err != nil {
			metrics.ResponseActionsTotal.WithLabelValues(string(action.Type), "error").Inc()
			d.logger.Error("emergency action failed",
				"action", string(action.Type),
				"alert", alert.ID,
				"error", err,
			)
			continue
		}
		metrics.ResponseActionsTotal.WithLabelValues(string(action.Type), "ok").Inc()
		executed = append(executed, action)
		taken = append(taken, string(action.Type))
	}

	if len(taken) > 0 {
		d.mu.Lock()
		alert.ActionsTaken = append(alert.ActionsTaken, taken...)
		d.mu.Unlock()
	}
	return executed
}

// matchedEscalation collects the escalation contact names of every matching
// procedure, in procedure-name order for determinism.
func (d *Dispatcher) matchedEscalation(alert *Alert) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.procedures))
	for name := range d.procedures {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	seen := make(map[string]bool)
	for _, name := range names {
		p := d.procedures[name]
		if !p.matches(alert) {
			continue
		}
		for _, contact := range p.Escalation {
			if !seen[contact] {
				seen[contact] = true
				out = append(out, contact)
			}
		}
	}
	return out
}

// execute runs one action, tripping the per-resource breaker for pause
// actions before delegating to the wired executor.
func (d *Dispatcher) execute(ctx context.Context, action Action, alert *Alert) error {
	switch action.Type {
	case ActionPauseProtocol, ActionPauseOracle, ActionFreezeAssets:
		if d.breaker != nil && action.Target != nil {
			d.breaker.Trigger(action.Target.Hex(), alert.Title)
		}
	case ActionBroadcastAlert:
		d.broadcast(realtime.EventAlertRaised, alert)
		return nil
	}

	if d.executor == nil {
		return nil
	}
	return d.executor.Execute(ctx, action)
}

// notifyContacts delivers the alert to every contact. Escalation names go
// first; the remaining contacts follow in priority order.
func (d *Dispatcher) notifyContacts(ctx context.Context, alert *Alert, escalation []string) {
	if d.notifier == nil {
		return
	}
	d.mu.RLock()
	contacts := make([]Contact, len(d.contacts))
	copy(contacts, d.contacts)
	d.mu.RUnlock()

	ordered := make([]Contact, 0, len(contacts))
	moved := make(map[string]bool, len(escalation))
	for _, name := range escalation {
		for _, c := range contacts {
			if c.Name == name && !moved[c.Name] {
				moved[c.Name] = true
				ordered = append(ordered, c)
			}
		}
	}
	for _, c := range contacts {
		if !moved[c.Name] {
			ordered = append(ordered, c)
		}
	}

	for _, contact := range ordered {
		if err := d.notifier.Notify(ctx, contact, alert); err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			d.logger.Warn("contact notification failed",
				"contact", contact.Name,
				"alert", alert.ID,
				"error", err,
			)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("ok").Inc()
	}
}

func (d *Dispatcher) broadcast(eventType realtime.EventType, alert *Alert) {
	if d.hub == nil {
		return
	}
	d.hub.BroadcastAlert(eventType, map[string]interface{}{
		"id":          alert.ID,
		"level":       string(alert.Level),
		"title":       alert.Title,
		"description": alert.Description,
		"category":    alert.Category,
		"detectedAt":  alert.DetectedAt,
	})
}

// ResolveAlert archives the alert and stamps its resolution time.
func (d *Dispatcher) ResolveAlert(id, note string) error {
	d.mu.Lock()
	alert, ok := d.active[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown alert %q", id)
	}
	delete(d.active, id)
	resolvedAt := d.now()
	alert.ResolvedAt = &resolvedAt
	d.archived = append(d.archived, alert)
	d.history = append(d.history, ResponseRecord{
		AlertID:       id,
		Timestamp:     resolvedAt,
		Outcome:       note,
		Effectiveness: 1.0,
	})
	snapshot := alert.clone()
	d.mu.Unlock()

	d.logger.Info("emergency alert resolved", "id", id, "note", note)
	d.broadcast(realtime.EventAlertResolved, snapshot)
	return nil
}

// ActiveAlerts returns copies of the unresolved alerts, oldest first.
func (d *Dispatcher) ActiveAlerts() []*Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Alert, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Alert returns a copy of the alert with the given ID, active or archived.
func (d *Dispatcher) Alert(id string) (*Alert, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if a, ok := d.active[id]; ok {
		return a.clone(), true
	}
	for _, a := range d.archived {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return nil, false
}

// Contacts returns the registered contacts in priority order.
func (d *Dispatcher) Contacts() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Contact, len(d.contacts))
	copy(out, d.contacts)
	return out
}

// History returns the response records, oldest first.
func (d *Dispatcher) History() []ResponseRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ResponseRecord, len(d.history))
	copy(out, d.history)
	return out
}

// Stats returns a dispatcher snapshot.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byLevel := make(map[string]int)
	for _, a := range d.active {
		byLevel[string(a.Level)]++
	}
	return map[string]any{
		"activeAlerts":        len(d.active),
		"alertsByLevel":       byLevel,
		"archivedAlerts":      len(d.archived),
		"totalIncidents":      len(d.history),
		"procedures":          len(d.procedures),
		"contacts":            len(d.contacts),
		"autoResponseEnabled": d.autoResponse,
	}
}
