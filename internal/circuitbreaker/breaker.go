// Package circuitbreaker provides per-key safety latches that flip from
// armed to triggered on a fault and re-arm after a cooldown.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/halcyonsec/defiguard/internal/metrics"
)

// State represents the breaker state.
type State int

const (
	StateArmed     State = iota // Normal: operations flow through
	StateTriggered              // Latched: operations are rejected until cooldown elapses
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// entry tracks per-key latch state.
type entry struct {
	state       State
	reason      string
	triggeredAt time.Time
	tripCount   int64
}

// Breaker is a per-key latch. Trigger flips a key to triggered; queries
// against a triggered key fail until the cooldown has fully elapsed, at
// which point the key re-arms on the next query. There is no half-open
// probe state: a breaker past its cooldown behaves exactly as if it had
// never tripped.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	cooldown     time.Duration
	onTransition func(key string, from, to State, reason string) // optional callback
	now          func() time.Time                                // injectable for tests
}

// DefaultCooldown is the re-arm delay used when none is configured.
const DefaultCooldown = 10 * time.Minute

// New creates a breaker whose keys stay triggered for cooldown before re-arming.
func New(cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		entries:  make(map[string]*entry),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// OnTransition sets a callback invoked on state changes (for alerting).
func (b *Breaker) OnTransition(fn func(key string, from, to State, reason string)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Trigger latches key into the triggered state. Returns true if the key
// transitioned; re-triggering an already-triggered key refreshes the
// timestamp and reason but reports false.
func (b *Breaker) Trigger(key, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateArmed}
		b.entries[key] = e
	}

	e.tripCount++
	e.triggeredAt = b.now()
	e.reason = reason

	if e.state == StateTriggered {
		return false
	}
	b.transition(e, key, StateTriggered, reason)
	return true
}

// Triggered reports whether key is currently latched. A key whose cooldown
// has fully elapsed re-arms during this call; a key one instant short of
// the cooldown is still triggered.
func (b *Breaker) Triggered(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.state == StateArmed {
		return false
	}

	if b.now().Sub(e.triggeredAt) >= b.cooldown {
		b.transition(e, key, StateArmed, "cooldown elapsed")
		return false
	}
	return true
}

// Reset re-arms key immediately, before the cooldown has elapsed.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.state == StateArmed {
		return
	}
	b.transition(e, key, StateArmed, "manual reset")
}

// State returns the current state for a key without re-arming it.
// Returns StateArmed for unknown keys.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateArmed
	}
	return e.state
}

// Reason returns the reason recorded by the most recent trigger for key.
func (b *Breaker) Reason(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.reason
	}
	return ""
}

// Stats returns a snapshot of breaker state: per-key trip counts and the
// set of currently triggered keys.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := make(map[string]int64, len(b.entries))
	var triggered []string
	for key, e := range b.entries {
		trips[key] = e.tripCount
		if e.state == StateTriggered {
			triggered = append(triggered, key)
		}
	}
	return map[string]any{
		"tripCounts": trips,
		"triggered":  triggered,
	}
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State, reason string) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, to.String()).Inc()
	if to == StateTriggered {
		metrics.ActiveBreakers.Inc()
	} else {
		metrics.ActiveBreakers.Dec()
	}
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to, reason)
	}
}
