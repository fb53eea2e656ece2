package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_ArmedByDefault(t *testing.T) {
	b := New(100 * time.Millisecond)
	if b.Triggered("eth-usd") {
		t.Fatal("expected fresh key to be armed")
	}
	if b.State("eth-usd") != StateArmed {
		t.Fatalf("expected StateArmed, got %v", b.State("eth-usd"))
	}
}

func TestBreaker_TriggerLatches(t *testing.T) {
	b := New(100 * time.Millisecond)

	if !b.Trigger("eth-usd", "price deviation") {
		t.Fatal("first trigger should report a transition")
	}
	if !b.Triggered("eth-usd") {
		t.Fatal("expected key to be triggered")
	}
	if b.Reason("eth-usd") != "price deviation" {
		t.Fatalf("expected reason recorded, got %q", b.Reason("eth-usd"))
	}
}

func TestBreaker_RetriggerIsIdempotent(t *testing.T) {
	b := New(100 * time.Millisecond)

	b.Trigger("eth-usd", "first")
	if b.Trigger("eth-usd", "second") {
		t.Fatal("re-trigger on a triggered key should not report a transition")
	}
	if !b.Triggered("eth-usd") {
		t.Fatal("key should remain triggered")
	}
	// Latest reason wins.
	if b.Reason("eth-usd") != "second" {
		t.Fatalf("expected refreshed reason, got %q", b.Reason("eth-usd"))
	}
}

func TestBreaker_RearmsAfterCooldown(t *testing.T) {
	b := New(time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Trigger("eth-usd", "stale price")

	// One instant short of the cooldown: still triggered.
	b.now = func() time.Time { return now.Add(time.Minute - time.Nanosecond) }
	if !b.Triggered("eth-usd") {
		t.Fatal("should remain triggered until the full cooldown has elapsed")
	}

	// Exactly at the cooldown: re-arms on query.
	b.now = func() time.Time { return now.Add(time.Minute) }
	if b.Triggered("eth-usd") {
		t.Fatal("should re-arm once the cooldown has elapsed")
	}
	if b.State("eth-usd") != StateArmed {
		t.Fatalf("expected StateArmed after re-arm, got %v", b.State("eth-usd"))
	}
}

func TestBreaker_RetriggerRestartsCooldown(t *testing.T) {
	b := New(time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Trigger("eth-usd", "deviation")

	// Halfway through the cooldown a second fault arrives.
	b.now = func() time.Time { return now.Add(30 * time.Second) }
	b.Trigger("eth-usd", "deviation again")

	// The original cooldown deadline has passed but the refreshed one has not.
	b.now = func() time.Time { return now.Add(80 * time.Second) }
	if !b.Triggered("eth-usd") {
		t.Fatal("re-trigger should restart the cooldown clock")
	}

	b.now = func() time.Time { return now.Add(91 * time.Second) }
	if b.Triggered("eth-usd") {
		t.Fatal("should re-arm after the refreshed cooldown")
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	b := New(time.Hour)

	b.Trigger("eth-usd", "manipulation")
	if !b.Triggered("eth-usd") {
		t.Fatal("should be triggered")
	}

	b.Reset("eth-usd")
	if b.Triggered("eth-usd") {
		t.Fatal("should be armed after manual reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(time.Hour)

	b.Trigger("eth-usd", "deviation")

	if !b.Triggered("eth-usd") {
		t.Fatal("eth-usd should be triggered")
	}
	if b.Triggered("btc-usd") {
		t.Fatal("btc-usd should be unaffected")
	}
}

func TestBreaker_Stats(t *testing.T) {
	b := New(time.Hour)

	b.Trigger("eth-usd", "a")
	b.Trigger("eth-usd", "b")
	b.Trigger("btc-usd", "c")
	b.Reset("btc-usd")

	stats := b.Stats()
	trips := stats["tripCounts"].(map[string]int64)
	if trips["eth-usd"] != 2 {
		t.Fatalf("expected 2 trips for eth-usd, got %d", trips["eth-usd"])
	}
	if trips["btc-usd"] != 1 {
		t.Fatalf("expected 1 trip for btc-usd, got %d", trips["btc-usd"])
	}

	triggered := stats["triggered"].([]string)
	if len(triggered) != 1 || triggered[0] != "eth-usd" {
		t.Fatalf("expected only eth-usd triggered, got %v", triggered)
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(time.Hour)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State, reason string) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.Trigger("eth-usd", "deviation")
	b.Trigger("eth-usd", "deviation") // No transition: already triggered.
	b.Reset("eth-usd")

	// Give goroutines time to run.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].from != StateArmed || transitions[0].to != StateTriggered {
		t.Fatalf("expected armed→triggered, got %v→%v", transitions[0].from, transitions[0].to)
	}
	if transitions[1].from != StateTriggered || transitions[1].to != StateArmed {
		t.Fatalf("expected triggered→armed, got %v→%v", transitions[1].from, transitions[1].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateArmed, "armed"},
		{StateTriggered, "triggered"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
