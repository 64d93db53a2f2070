package routing

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// Strategy names a selection algorithm for tools served by more than one
// upstream. Tool names carrying an explicit server prefix bypass the
// strategy entirely.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyLatency          Strategy = "latency"
	StrategyFailover         Strategy = "failover"
)

// EngineConfig configures the strategy engine.
type EngineConfig struct {
	Strategy Strategy       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Weights  map[string]int `json:"weights,omitempty" yaml:"weights,omitempty"`
	Breaker  BreakerConfig  `json:"breaker,omitempty" yaml:"breaker,omitempty"`
	Retry    RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Engine picks one upstream per call from the candidates serving a tool,
// skipping upstreams whose breaker rejects the call.
type Engine struct {
	strategy Strategy
	weights  map[string]int
	retry    RetryPolicy

	mu       sync.Mutex
	rrIndex  map[string]int
	inflight map[string]int
	stats    map[string]*serverStats
	rand     *rand.Rand

	breakers *BreakerRegistry
	metrics  *observability.Metrics
	bus      *observability.Bus
	logger   *slog.Logger
}

// NewEngine creates a strategy engine. Logger, bus, and metrics may be nil.
func NewEngine(cfg EngineConfig, logger *slog.Logger, bus *observability.Bus, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Engine{
		strategy: strategy,
		weights:  cfg.Weights,
		retry:    cfg.Retry.withDefaults(),
		rrIndex:  make(map[string]int),
		inflight: make(map[string]int),
		stats:    make(map[string]*serverStats),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- selection does not require cryptographic randomness
		breakers: NewBreakerRegistry(cfg.Breaker, bus, metrics),
		metrics:  metrics,
		bus:      bus,
		logger:   logger.With("component", "routing"),
	}
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// RetryPolicy returns the engine's retry policy.
func (e *Engine) RetryPolicy() RetryPolicy {
	return e.retry
}

// Breakers exposes the breaker registry for status reporting.
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

// Select picks the upstream for one call on tool. Candidates whose
// breaker rejects the call are skipped; ErrNoHealthyUpstreams is
// returned when none survive.
func (e *Engine) Select(tool string, candidates []string) (string, error) {
	healthy := make([]string, 0, len(candidates))
	for _, server := range candidates {
		if err := e.breakers.Get(server).Allow(); err != nil {
			e.logger.Debug("candidate rejected by breaker", "server", server, "tool", tool)
			continue
		}
		healthy = append(healthy, server)
	}
	if len(healthy) == 0 {
		return "", fmt.Errorf("%w for tool %q", ErrNoHealthyUpstreams, tool)
	}
	if len(healthy) == 1 {
		e.noteFailover(tool, candidates, healthy[0])
		return healthy[0], nil
	}

	switch e.strategy {
	case StrategyFailover:
		chosen := healthy[0]
		e.noteFailover(tool, candidates, chosen)
		return chosen, nil
	case StrategyWeighted:
		return e.pickWeighted(healthy), nil
	case StrategyLeastConnections:
		return e.pickLeastConnections(healthy), nil
	case StrategyLatency:
		return e.pickLatency(healthy), nil
	default:
		return e.pickRoundRobin(tool, healthy), nil
	}
}

// noteFailover publishes a failover event when the chosen upstream is
// not the preferred (first) candidate.
func (e *Engine) noteFailover(tool string, candidates []string, chosen string) {
	if len(candidates) == 0 || candidates[0] == chosen || e.bus == nil {
		return
	}
	e.bus.Publish(observability.Event{
		Type:   observability.EventFailover,
		Server: chosen,
		Tool:   tool,
		Data:   map[string]any{"from": candidates[0]},
	})
}

// pickRoundRobin rotates through the healthy set with a per-tool index.
func (e *Engine) pickRoundRobin(tool string, healthy []string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.rrIndex[tool]
	e.rrIndex[tool] = idx + 1
	return healthy[idx%len(healthy)]
}

// pickWeighted draws proportionally to configured weights; an upstream
// without a weight counts as 1.
func (e *Engine) pickWeighted(healthy []string) string {
	total := 0
	for _, server := range healthy {
		total += e.weightOf(server)
	}

	e.mu.Lock()
	n := e.rand.Intn(total)
	e.mu.Unlock()

	for _, server := range healthy {
		n -= e.weightOf(server)
		if n < 0 {
			return server
		}
	}
	return healthy[len(healthy)-1]
}

func (e *Engine) weightOf(server string) int {
	if w, ok := e.weights[server]; ok && w > 0 {
		return w
	}
	return 1
}

// pickLeastConnections takes the upstream with the fewest in-flight
// calls, first wins on ties.
func (e *Engine) pickLeastConnections(healthy []string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := healthy[0]
	bestCount := e.inflight[best]
	for _, server := range healthy[1:] {
		if count := e.inflight[server]; count < bestCount {
			best = server
			bestCount = count
		}
	}
	return best
}

// pickLatency takes the upstream with the lowest observed average
// latency. An upstream with no samples counts as infinitely slow; when
// nothing has samples the first candidate wins.
func (e *Engine) pickLatency(healthy []string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := ""
	bestLatency := time.Duration(0)
	for _, server := range healthy {
		stats, ok := e.stats[server]
		if !ok || stats.count == 0 {
			continue
		}
		avg := stats.avgLatency()
		if best == "" || avg < bestLatency {
			best = server
			bestLatency = avg
		}
	}
	if best == "" {
		return healthy[0]
	}
	return best
}

// Acquire marks one call in flight on an upstream.
func (e *Engine) Acquire(server string) {
	e.mu.Lock()
	e.inflight[server]++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.UpstreamInflight.WithLabelValues(server).Inc()
	}
}

// Release ends one in-flight call on an upstream.
func (e *Engine) Release(server string) {
	e.mu.Lock()
	if e.inflight[server] > 0 {
		e.inflight[server]--
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.UpstreamInflight.WithLabelValues(server).Dec()
	}
}

// Inflight returns the in-flight count for an upstream.
func (e *Engine) Inflight(server string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[server]
}

// RecordResult feeds one call outcome into the breaker and the rolling
// health window.
func (e *Engine) RecordResult(server string, err error, latency time.Duration) {
	breaker := e.breakers.Get(server)
	if err != nil {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	e.mu.Lock()
	stats, ok := e.stats[server]
	if !ok {
		stats = newServerStats()
		e.stats[server] = stats
	}
	stats.record(err == nil, latency)
	e.mu.Unlock()
}
