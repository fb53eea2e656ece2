package oracle

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/halcyonsec/defiguard/internal/circuitbreaker"
	"github.com/halcyonsec/defiguard/internal/metrics"
)

// ErrUnregisteredSource is returned when validating against an unknown source.
var ErrUnregisteredSource = errors.New("oracle source not registered")

// CorrelationFn computes correlation between two price series, most recent
// last. Implementations must return a value in [-1, 1].
type CorrelationFn func(a, b []float64) float64

// sourceState holds one source's accepted history under its own lock so
// unrelated sources never contend.
type sourceState struct {
	mu           sync.Mutex
	history      []Observation
	lastAccepted time.Time
}

// Validator validates price observations per source.
type Validator struct {
	configs sync.Map // map[string]Config
	states  sync.Map // map[string]*sourceState

	breaker   *circuitbreaker.Breaker
	correlate CorrelationFn
	// flashLoanActive reports whether recent blocks show flash-loan activity.
	// When it returns true, acceptance requires multi-source agreement.
	flashLoanActive func() bool
	logger          *slog.Logger
	now             func() time.Time

	statsMu    sync.Mutex
	validated  int64
	accepted   int64
	rejected   int64
	bySeverity map[Severity]int64
}

// NewValidator creates a price validator whose breakers re-arm after cooldown.
func NewValidator(cooldown time.Duration, logger *slog.Logger) *Validator {
	return &Validator{
		breaker:    circuitbreaker.New(cooldown),
		correlate:  PearsonCorrelation,
		logger:     logger,
		now:        time.Now,
		bySeverity: make(map[Severity]int64),
	}
}

// WithCorrelation overrides the cross-source correlation heuristic.
func (v *Validator) WithCorrelation(fn CorrelationFn) *Validator {
	v.correlate = fn
	return v
}

// WithFlashLoanSignal wires the detector signal that activates the stricter
// multi-source agreement path.
func (v *Validator) WithFlashLoanSignal(fn func() bool) *Validator {
	v.flashLoanActive = fn
	return v
}

// Register adds or replaces a price source. Zero-valued config fields get
// defaults.
func (v *Validator) Register(source string, cfg Config) {
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = DefaultMaxDeviation
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateMedian
	}
	if cfg.MinAgreeingSources <= 0 {
		cfg.MinAgreeingSources = DefaultMinAgreeingSources
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}
	v.configs.Store(source, cfg)
	v.logger.Info("oracle source registered",
		"source", source,
		"maxDeviation", cfg.MaxDeviation,
		"aggregation", string(cfg.Aggregation),
	)
}

// Breaker exposes the per-source circuit breakers for status reporting.
func (v *Validator) Breaker() *circuitbreaker.Breaker {
	return v.breaker
}

// Validate runs the full check gauntlet for one observation.
// Returns ErrUnregisteredSource for unknown sources; otherwise the Result
// explains acceptance or rejection.
func (v *Validator) Validate(source string, price, confidence float64, block uint64) (*Result, error) {
	cfgAny, ok := v.configs.Load(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredSource, source)
	}
	cfg := cfgAny.(Config)

	if price <= 0 {
		return v.reject(source, &Result{
			Reason:   "price must be positive",
			Severity: SeverityLow,
		}), nil
	}

	// A triggered breaker rejects everything until its cooldown elapses.
	if v.breaker.Triggered(source) {
		return v.reject(source, &Result{
			Reason:   "circuit breaker active: " + v.breaker.Reason(source),
			Severity: SeverityHigh,
		}), nil
	}

	now := v.now()
	refs := v.referencePrices(source, now)

	// Check 1: deviation against the cross-source aggregate.
	var deviation float64
	if len(refs) > 0 {
		agg := aggregate(cfg.Aggregation, refs)
		if agg > 0 {
			deviation = math.Abs(price-agg) / agg
		}
		if deviation > cfg.MaxDeviation {
			sev := severityFor(deviation)
			res := &Result{
				Reason:    fmt.Sprintf("price deviation %.1f%% exceeds maximum %.1f%%", deviation*100, cfg.MaxDeviation*100),
				Severity:  sev,
				Deviation: deviation,
			}
			if sev == SeverityHigh || sev == SeverityCritical {
				v.breaker.Trigger(source, res.Reason)
				res.BreakerTrip = true
			}
			return v.reject(source, res), nil
		}
	}

	st := v.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Check 2: staleness. A source's first observation always passes.
	if !st.lastAccepted.IsZero() && now.Sub(st.lastAccepted) > cfg.MaxAge {
		return v.reject(source, &Result{
			Reason:    fmt.Sprintf("source silent for %s, max age %s", now.Sub(st.lastAccepted).Round(time.Second), cfg.MaxAge),
			Severity:  severityFor(deviation),
			Deviation: deviation,
		}), nil
	}

	// Check 3: volatility. Reject if admitting the candidate raises the
	// coefficient of variation beyond the allowed delta.
	tail := tailPrices(st.history, volatilityTail)
	if len(tail) >= 3 {
		before := coefficientOfVariation(tail)
		after := coefficientOfVariation(append(append([]float64{}, tail...), price))
		if after-before > volatilityDelta {
			return v.reject(source, &Result{
				Reason:    fmt.Sprintf("volatility spike: CV %.3f -> %.3f", before, after),
				Severity:  severityFor(deviation),
				Deviation: deviation,
			}), nil
		}
	}

	// Check 4: flash-loan context demands independent agreement.
	if v.flashLoanActive != nil && v.flashLoanActive() {
		agreeing := 0
		for _, ref := range refs {
			if ref.price > 0 && math.Abs(price-ref.price)/ref.price <= cfg.MaxDeviation {
				agreeing++
			}
		}
		if agreeing < cfg.MinAgreeingSources {
			return v.reject(source, &Result{
				Reason:    fmt.Sprintf("flash-loan conditions: only %d of %d required sources agree", agreeing, cfg.MinAgreeingSources),
				Severity:  severityFor(deviation),
				Deviation: deviation,
			}), nil
		}
	}

	// Check 5: correlation with at least half of the other reporting sources.
	if len(refs) > 0 {
		mine := append(tailPrices(st.history, volatilityTail), price)
		correlated := 0
		for _, ref := range refs {
			if v.correlate(mine, ref.series) >= correlationFloor {
				correlated++
			}
		}
		if correlated*2 < len(refs) {
			return v.reject(source, &Result{
				Reason:    fmt.Sprintf("correlated with %d of %d reporting sources", correlated, len(refs)),
				Severity:  severityFor(deviation),
				Deviation: deviation,
			}), nil
		}
	}

	// Accepted: append to history, evicting the oldest beyond capacity.
	st.history = append(st.history, Observation{
		Price:      price,
		Confidence: confidence,
		Source:     source,
		Block:      block,
		Timestamp:  now,
	})
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}
	st.lastAccepted = now

	v.statsMu.Lock()
	v.validated++
	v.accepted++
	v.statsMu.Unlock()
	metrics.PriceValidationsTotal.WithLabelValues("accepted").Inc()

	return &Result{Accepted: true, Deviation: deviation}, nil
}

// reject records a rejection in stats and metrics.
func (v *Validator) reject(source string, res *Result) *Result {
	res.Accepted = false
	v.statsMu.Lock()
	v.validated++
	v.rejected++
	if res.Severity != "" {
		v.bySeverity[res.Severity]++
	}
	v.statsMu.Unlock()
	metrics.PriceValidationsTotal.WithLabelValues("rejected").Inc()
	v.logger.Warn("price rejected",
		"source", source,
		"reason", res.Reason,
		"severity", string(res.Severity),
		"breakerTrip", res.BreakerTrip,
	)
	return res
}

// refSeries carries one other source's latest price plus its recent series
// for correlation.
type refSeries struct {
	price  float64
	weight float64
	series []float64
}

// referencePrices collects recent observations from all other sources.
func (v *Validator) referencePrices(exclude string, now time.Time) []refSeries {
	var refs []refSeries
	v.states.Range(func(key, value any) bool {
		source := key.(string)
		if source == exclude {
			return true
		}
		weight := 1.0
		if cfgAny, ok := v.configs.Load(source); ok {
			weight = cfgAny.(Config).Weight
		}
		st := value.(*sourceState)
		st.mu.Lock()
		var series []float64
		for _, obs := range st.history {
			if now.Sub(obs.Timestamp) <= referenceWindow {
				series = append(series, obs.Price)
			}
		}
		st.mu.Unlock()
		if len(series) > 0 {
			refs = append(refs, refSeries{
				price:  series[len(series)-1],
				weight: weight,
				series: series,
			})
		}
		return true
	})
	return refs
}

// AssetVolatility returns the highest recent coefficient of variation across
// sources pricing asset. The bool reports whether any source has enough
// history to measure. Satisfies the risk engine's volatility source.
func (v *Validator) AssetVolatility(asset common.Address) (float64, bool) {
	if asset == (common.Address{}) {
		return 0, false
	}

	maxCV, found := 0.0, false
	v.configs.Range(func(key, value any) bool {
		if value.(Config).Asset != asset {
			return true
		}
		st := v.state(key.(string))
		st.mu.Lock()
		tail := tailPrices(st.history, volatilityTail)
		st.mu.Unlock()
		if len(tail) >= 3 {
			found = true
			if cv := coefficientOfVariation(tail); cv > maxCV {
				maxCV = cv
			}
		}
		return true
	})
	return maxCV, found
}

// History returns up to limit most recent accepted observations for a source.
func (v *Validator) History(source string, limit int) []Observation {
	st := v.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Observation, n)
	copy(out, st.history[len(st.history)-n:])
	return out
}

// Sources lists registered source names.
func (v *Validator) Sources() []string {
	var out []string
	v.configs.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Stats returns a validation snapshot.
func (v *Validator) Stats() map[string]any {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()

	bySeverity := make(map[string]int64, len(v.bySeverity))
	for sev, n := range v.bySeverity {
		bySeverity[string(sev)] = n
	}
	return map[string]any{
		"validated":            v.validated,
		"accepted":             v.accepted,
		"rejected":             v.rejected,
		"rejectionsBySeverity": bySeverity,
		"sources":              len(v.Sources()),
		"breakers":             v.breaker.Stats(),
	}
}

func (v *Validator) state(source string) *sourceState {
	val, _ := v.states.LoadOrStore(source, &sourceState{})
	return val.(*sourceState)
}

// --- aggregation and series math ---

func aggregate(method AggregationMethod, refs []refSeries) float64 {
	prices := make([]float64, len(refs))
	for i, r := range refs {
		prices[i] = r.price
	}

	switch method {
	case AggregateMean:
		return mean(prices)
	case AggregateWeighted:
		var sum, wsum float64
		for _, r := range refs {
			sum += r.price * r.weight
			wsum += r.weight
		}
		if wsum == 0 {
			return 0
		}
		return sum / wsum
	case AggregateTrimmedMean:
		if len(prices) <= 2 {
			return mean(prices)
		}
		sorted := append([]float64{}, prices...)
		sort.Float64s(sorted)
		trim := len(sorted) / 10
		if trim == 0 {
			trim = 1
		}
		return mean(sorted[trim : len(sorted)-trim])
	default: // AggregateMedian
		sorted := append([]float64{}, prices...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2
		}
		return sorted[mid]
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func coefficientOfVariation(xs []float64) float64 {
	m := mean(xs)
	if m == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss/float64(len(xs))) / m
}

func tailPrices(history []Observation, n int) []float64 {
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	out := make([]float64, 0, len(history)-start)
	for _, obs := range history[start:] {
		out = append(out, obs.Price)
	}
	return out
}

// PearsonCorrelation is the default cross-source correlation heuristic:
// Pearson over the overlapping tails of the two series. With fewer than 3
// overlapping samples it degrades to last-price agreement.
func PearsonCorrelation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		if len(a) == 0 || len(b) == 0 {
			return 0
		}
		la, lb := a[len(a)-1], b[len(b)-1]
		if lb == 0 {
			return 0
		}
		if math.Abs(la-lb)/math.Abs(lb) <= DefaultMaxDeviation {
			return 1
		}
		return 0
	}

	at := a[len(a)-n:]
	bt := b[len(b)-n:]
	ma, mb := mean(at), mean(bt)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := at[i]-ma, bt[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		// Flat series carry no signal; treat identical flats as agreement.
		if ma == mb {
			return 1
		}
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
