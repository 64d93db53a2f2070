// Package routing selects a healthy upstream for each tool call. It
// combines per-upstream circuit breakers, pluggable selection strategies,
// bounded retries, and a rolling health view.
package routing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

var (
	// ErrBreakerOpen rejects calls while an upstream's breaker is open.
	ErrBreakerOpen = errors.New("routing: circuit breaker is open")

	// ErrNoHealthyUpstreams means every candidate upstream was rejected
	// by its breaker.
	ErrNoHealthyUpstreams = errors.New("routing: no healthy upstreams")
)

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	Name string `json:"-" yaml:"-"`

	// FailureThreshold opens the breaker after this many accumulated
	// failures in the closed state.
	FailureThreshold int `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`

	// SuccessThreshold closes the breaker after this many consecutive
	// successes in the half-open state.
	SuccessThreshold int `json:"successThreshold,omitempty" yaml:"successThreshold,omitempty"`

	// ResetTimeout is how long the breaker stays open before admitting
	// half-open probes.
	ResetTimeout time.Duration `json:"resetTimeout,omitempty" yaml:"resetTimeout,omitempty"`

	// OnStateChange runs on every transition, asynchronously.
	OnStateChange func(from, to BreakerState) `json:"-" yaml:"-"`
}

// Breaker guards one upstream.
//
// In the closed state each success decays the failure count by one
// rather than resetting it, so an upstream that fails intermittently
// under load still trips once failures outpace successes.
type Breaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	lastChange  time.Time

	now func() time.Time
}

// NewBreaker creates a breaker with defaults filled in.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}
	b.lastChange = b.now()
	return b
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed flips to half-open and admits the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	elapsed := b.now().Sub(b.lastChange)
	if elapsed >= b.config.ResetTimeout {
		b.transitionTo(BreakerHalfOpen)
		return nil
	}
	return fmt.Errorf("%w, retry in %v",
		ErrBreakerOpen, (b.config.ResetTimeout - elapsed).Round(time.Millisecond))
}

// RecordSuccess feeds one successful call into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if b.failures > 0 {
			b.failures--
		}
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure feeds one failed call into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

func (b *Breaker) transitionTo(state BreakerState) {
	from := b.state
	b.state = state
	b.lastChange = b.now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(from, state)
	}
}

// State returns the current state, applying the lazy open to half-open
// transition check without admitting a probe.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextRetry returns when an open breaker next admits a probe; the zero
// time otherwise.
func (b *Breaker) NextRetry() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return time.Time{}
	}
	return b.lastChange.Add(b.config.ResetTimeout)
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.transitionTo(BreakerClosed)
		return
	}
	b.failures = 0
	b.successes = 0
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	Successes   int          `json:"successes"`
	LastFailure time.Time    `json:"lastFailure,omitempty"`
	LastChange  time.Time    `json:"lastChange"`
	NextRetry   time.Time    `json:"nextRetry,omitempty"`
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		Name:        b.config.Name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
	if b.state == BreakerOpen {
		stats.NextRetry = b.lastChange.Add(b.config.ResetTimeout)
	}
	return stats
}

// BreakerRegistry lazily creates one breaker per upstream, wiring state
// transitions to the event bus and metrics.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig

	bus     *observability.Bus
	metrics *observability.Metrics
}

// NewBreakerRegistry creates a registry. Bus and metrics may be nil.
func NewBreakerRegistry(defaults BreakerConfig, bus *observability.Bus, metrics *observability.Metrics) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		bus:      bus,
		metrics:  metrics,
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	config := r.defaults
	config.Name = name
	config.OnStateChange = func(from, to BreakerState) {
		r.onStateChange(name, from, to)
	}
	b = NewBreaker(config)
	r.breakers[name] = b
	return b
}

func (r *BreakerRegistry) onStateChange(name string, from, to BreakerState) {
	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(breakerGaugeValue(to))
	}
	if r.bus == nil {
		return
	}
	var eventType observability.EventType
	switch to {
	case BreakerOpen:
		eventType = observability.EventBreakerOpen
	case BreakerHalfOpen:
		eventType = observability.EventBreakerHalfOpen
	case BreakerClosed:
		eventType = observability.EventBreakerClose
	default:
		return
	}
	r.bus.Publish(observability.Event{
		Type:   eventType,
		Server: name,
		Data:   map[string]any{"from": string(from), "to": string(to)},
	})
}

func breakerGaugeValue(state BreakerState) float64 {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// Stats snapshots every breaker in the registry.
func (r *BreakerRegistry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for name, b := range r.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// OpenServers lists upstreams whose breakers are currently open.
func (r *BreakerRegistry) OpenServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() == BreakerOpen {
			open = append(open, name)
		}
	}
	return open
}

// ResetAll forces every breaker closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
