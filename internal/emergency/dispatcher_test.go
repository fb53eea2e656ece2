package emergency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/circuitbreaker"
	"github.com/halcyonsec/defiguard/internal/realtime"
)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []Action
	failOn   ActionType
}

func (r *recordingExecutor) Execute(ctx context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if action.Type == r.failOn && r.failOn != "" {
		return errors.New("injected failure")
	}
	r.executed = append(r.executed, action)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (r *recordingNotifier) Notify(ctx context.Context, contact Contact, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, contact.Name)
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (r *recordingBroadcaster) BroadcastAlert(eventType realtime.EventType, alert map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func testDispatcher() (*Dispatcher, *recordingExecutor) {
	exec := &recordingExecutor{}
	d := NewDispatcher(circuitbreaker.New(10*time.Minute), slog.Default()).
		WithExecutor(exec)
	return d, exec
}

func pauseTarget(hex string) *common.Address {
	a := common.HexToAddress(hex)
	return &a
}

func oracleProcedure() Procedure {
	return Procedure{
		Name: "oracle_manipulation",
		Conditions: []Condition{{
			Category:  "oracle_manipulation",
			Metric:    "deviation",
			Threshold: 0.2,
		}},
		Actions: []Action{
			{Type: ActionPauseOracle, Target: pauseTarget("0x0acc1e")},
			{Type: ActionNotifyAdmins, Message: "oracle deviation"},
		},
	}
}

func criticalAlert() *Alert {
	return &Alert{
		Level:    LevelCritical,
		Title:    "oracle deviation past threshold",
		Category: "oracle_manipulation",
		Metrics:  map[string]float64{"deviation": 0.3},
	}
}

func TestTriggerAlert_RunsMatchingProcedure(t *testing.T) {
	d, exec := testDispatcher()
	d.AddProcedure(oracleProcedure())

	alert := criticalAlert()
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if len(exec.executed) != 2 {
		t.Fatalf("expected 2 actions executed, got %v", exec.executed)
	}
	if len(alert.ActionsTaken) != 2 {
		t.Fatalf("expected actions recorded on alert, got %v", alert.ActionsTaken)
	}
	if len(d.ActiveAlerts()) != 1 {
		t.Fatal("expected alert in the active set")
	}

	// Pausing the oracle trips its breaker.
	if !d.breaker.Triggered(common.HexToAddress("0x0acc1e").Hex()) {
		t.Fatal("expected oracle breaker tripped")
	}
}

func TestTriggerAlert_WarningSkipsAutoResponse(t *testing.T) {
	d, exec := testDispatcher()
	d.AddProcedure(oracleProcedure())

	alert := criticalAlert()
	alert.Level = LevelWarning
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	if len(exec.executed) != 0 {
		t.Fatalf("warning alerts must not auto-respond, got %v", exec.executed)
	}
	if len(d.ActiveAlerts()) != 1 {
		t.Fatal("alert must still enter the active set")
	}
}

func TestTriggerAlert_BelowThresholdDoesNotMatch(t *testing.T) {
	d, exec := testDispatcher()
	d.AddProcedure(oracleProcedure())

	alert := criticalAlert()
	alert.Metrics["deviation"] = 0.1
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("condition below threshold must not fire, got %v", exec.executed)
	}
}

func TestTriggerAlert_FailingActionDoesNotStopOthers(t *testing.T) {
	exec := &recordingExecutor{failOn: ActionPauseOracle}
	d := NewDispatcher(circuitbreaker.New(10*time.Minute), slog.Default()).WithExecutor(exec)
	d.AddProcedure(oracleProcedure())

	alert := criticalAlert()
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	if len(exec.executed) != 1 || exec.executed[0].Type != ActionNotifyAdmins {
		t.Fatalf("remaining actions must still run, got %v", exec.executed)
	}
	if len(alert.ActionsTaken) != 1 {
		t.Fatalf("only successful actions belong on the alert, got %v", alert.ActionsTaken)
	}
}

func TestTriggerAlert_UnionDeduplicatesActions(t *testing.T) {
	d, exec := testDispatcher()
	d.AddProcedure(oracleProcedure())

	second := oracleProcedure()
	second.Name = "oracle_manipulation_backup"
	second.Actions = append(second.Actions, Action{Type: ActionRebalancePositions})
	d.AddProcedure(second)

	if err := d.TriggerAlert(context.Background(), criticalAlert()); err != nil {
		t.Fatal(err)
	}
	if len(exec.executed) != 3 {
		t.Fatalf("expected deduplicated union of 3 actions, got %v", exec.executed)
	}
}

func TestTriggerAlert_ImpactAboveCapRequiresApproval(t *testing.T) {
	d, exec := testDispatcher()
	d.WithMaxAutoValue(1000)
	d.AddProcedure(oracleProcedure())

	alert := criticalAlert()
	alert.EstimatedImpact = 5000
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	if len(exec.executed) != 0 {
		t.Fatalf("impact above cap must not auto-respond, got %v", exec.executed)
	}
	if len(alert.ActionsRequired) == 0 {
		t.Fatal("expected a manual approval requirement on the alert")
	}
}

func TestTriggerAlert_AutoResponseDisabled(t *testing.T) {
	d, exec := testDispatcher()
	d.AddProcedure(oracleProcedure())
	d.SetAutoResponse(false)

	if err := d.TriggerAlert(context.Background(), criticalAlert()); err != nil {
		t.Fatal(err)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("disabled auto-response must not execute actions, got %v", exec.executed)
	}
}

func TestTriggerAlert_NotifiesContactsByPriority(t *testing.T) {
	d, _ := testDispatcher()
	notifier := &recordingNotifier{}
	d.WithNotifier(notifier)

	d.AddContact(Contact{Name: "oncall-secondary", Priority: 2})
	d.AddContact(Contact{Name: "oncall-primary", Priority: 1})

	// Even informational alerts notify the chain.
	alert := criticalAlert()
	alert.Level = LevelInfo
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	if len(notifier.notified) != 2 {
		t.Fatalf("expected both contacts notified, got %v", notifier.notified)
	}
	if notifier.notified[0] != "oncall-primary" {
		t.Fatalf("expected priority order, got %v", notifier.notified)
	}
}

func TestTriggerAlert_ConcurrentListing(t *testing.T) {
	d, _ := testDispatcher()
	proc := oracleProcedure()
	proc.Actions = append(proc.Actions, Action{Type: ActionUpdateDashboard})
	d.AddProcedure(proc)

	// Poll the active set while the trigger attaches actions.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, a := range d.ActiveAlerts() {
				_ = len(a.ActionsTaken)
				_ = len(a.ActionsRequired)
			}
		}
	}()

	alert := criticalAlert()
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()

	got, ok := d.Alert(alert.ID)
	if !ok || len(got.ActionsTaken) != 3 {
		t.Fatalf("expected 3 recorded actions, got %+v", got)
	}
}

func TestTriggerAlert_EscalationContactsNotifiedFirst(t *testing.T) {
	d, _ := testDispatcher()
	notifier := &recordingNotifier{}
	d.WithNotifier(notifier)

	d.AddContact(Contact{Name: "oncall-primary", Priority: 1})
	d.AddContact(Contact{Name: "protocol-team", Priority: 3})

	proc := oracleProcedure()
	proc.Escalation = []string{"protocol-team"}
	d.AddProcedure(proc)

	if err := d.TriggerAlert(context.Background(), criticalAlert()); err != nil {
		t.Fatal(err)
	}

	if len(notifier.notified) != 2 || notifier.notified[0] != "protocol-team" {
		t.Fatalf("expected escalated contact first, got %v", notifier.notified)
	}
}

func TestTriggerAlert_UnknownLevelRejected(t *testing.T) {
	d, _ := testDispatcher()
	err := d.TriggerAlert(context.Background(), &Alert{Level: "panic", Title: "x"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestResolveAlert(t *testing.T) {
	d, _ := testDispatcher()
	alert := criticalAlert()
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	if err := d.ResolveAlert(alert.ID, "false positive"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(d.ActiveAlerts()) != 0 {
		t.Fatal("resolved alert must leave the active set")
	}

	archived, ok := d.Alert(alert.ID)
	if !ok || archived.ResolvedAt == nil {
		t.Fatal("expected archived alert with resolution time")
	}

	history := d.History()
	last := history[len(history)-1]
	if last.Outcome != "false positive" || last.Effectiveness != 1.0 {
		t.Fatalf("unexpected resolution record: %+v", last)
	}
}

func TestResolveAlert_Unknown(t *testing.T) {
	d, _ := testDispatcher()
	if err := d.ResolveAlert("alert_missing", "note"); err == nil {
		t.Fatal("expected error for unknown alert")
	}
}

func TestBroadcasts(t *testing.T) {
	d, _ := testDispatcher()
	hub := &recordingBroadcaster{}
	d.WithBroadcaster(hub)

	alert := criticalAlert()
	alert.Level = LevelInfo
	if err := d.TriggerAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	if err := d.ResolveAlert(alert.ID, "done"); err != nil {
		t.Fatal(err)
	}

	if len(hub.events) != 2 ||
		hub.events[0] != realtime.EventAlertRaised ||
		hub.events[1] != realtime.EventAlertResolved {
		t.Fatalf("unexpected broadcast sequence: %v", hub.events)
	}
}

func TestCondition_ContractFilter(t *testing.T) {
	target := common.HexToAddress("0xdddd")
	cond := Condition{Category: "exploit", Contract: &target}

	hit := &Alert{Category: "exploit", AffectedAddresses: []common.Address{target}}
	miss := &Alert{Category: "exploit", AffectedAddresses: []common.Address{common.HexToAddress("0xeeee")}}

	if !cond.matches(hit) {
		t.Fatal("expected match when contract is affected")
	}
	if cond.matches(miss) {
		t.Fatal("expected no match for unrelated contract")
	}
}

func TestStats(t *testing.T) {
	d, _ := testDispatcher()
	d.AddProcedure(oracleProcedure())
	d.AddContact(Contact{Name: "oncall", Priority: 1})

	if err := d.TriggerAlert(context.Background(), criticalAlert()); err != nil {
		t.Fatal(err)
	}

	stats := d.Stats()
	if stats["activeAlerts"].(int) != 1 {
		t.Fatalf("expected 1 active alert, got %v", stats["activeAlerts"])
	}
	byLevel := stats["alertsByLevel"].(map[string]int)
	if byLevel["critical"] != 1 {
		t.Fatalf("expected 1 critical alert, got %v", byLevel)
	}
	if stats["totalIncidents"].(int) != 1 {
		t.Fatalf("expected 1 incident, got %v", stats["totalIncidents"])
	}
}
