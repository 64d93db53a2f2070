package routing

import "time"

// HealthState is the derived health of one upstream.
type HealthState string

const (
	HealthConnected    HealthState = "connected"
	HealthDegraded     HealthState = "degraded"
	HealthDisconnected HealthState = "disconnected"
	HealthUnknown      HealthState = "unknown"
)

// degradedErrorRate is the rolling error-rate threshold above which a
// reachable upstream is reported degraded.
const degradedErrorRate = 0.5

// sampleWindow bounds the rolling outcome window per upstream.
const sampleWindow = 50

type outcome struct {
	ok      bool
	latency time.Duration
}

// serverStats is a fixed-size ring of recent call outcomes.
type serverStats struct {
	samples [sampleWindow]outcome
	next    int
	count   int
}

func newServerStats() *serverStats {
	return &serverStats{}
}

func (s *serverStats) record(ok bool, latency time.Duration) {
	s.samples[s.next] = outcome{ok: ok, latency: latency}
	s.next = (s.next + 1) % sampleWindow
	if s.count < sampleWindow {
		s.count++
	}
}

func (s *serverStats) errorRate() float64 {
	if s.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.count; i++ {
		if !s.samples[i].ok {
			failures++
		}
	}
	return float64(failures) / float64(s.count)
}

func (s *serverStats) avgLatency() time.Duration {
	if s.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.count; i++ {
		total += s.samples[i].latency
	}
	return total / time.Duration(s.count)
}

// ServerHealth is the derived health view of one upstream.
type ServerHealth struct {
	Server       string       `json:"server"`
	State        HealthState  `json:"state"`
	ErrorRate    float64      `json:"errorRate"`
	AvgLatencyMs float64      `json:"avgLatencyMs"`
	Samples      int          `json:"samples"`
	Inflight     int          `json:"inflight"`
	Breaker      BreakerState `json:"breaker"`
	NextRetry    time.Time    `json:"nextRetry,omitempty"`
}

// Health derives the health of one upstream. An open breaker means
// disconnected regardless of samples; with no samples the state is
// unknown; an error rate above the threshold is degraded.
func (e *Engine) Health(server string) ServerHealth {
	breaker := e.breakers.Get(server)
	breakerStats := breaker.Stats()

	e.mu.Lock()
	stats := e.stats[server]
	var (
		errorRate float64
		avg       time.Duration
		samples   int
	)
	if stats != nil {
		errorRate = stats.errorRate()
		avg = stats.avgLatency()
		samples = stats.count
	}
	inflight := e.inflight[server]
	e.mu.Unlock()

	health := ServerHealth{
		Server:       server,
		ErrorRate:    errorRate,
		AvgLatencyMs: float64(avg) / float64(time.Millisecond),
		Samples:      samples,
		Inflight:     inflight,
		Breaker:      breakerStats.State,
		NextRetry:    breakerStats.NextRetry,
	}

	switch {
	case breakerStats.State == BreakerOpen:
		health.State = HealthDisconnected
	case samples == 0:
		health.State = HealthUnknown
	case errorRate > degradedErrorRate:
		health.State = HealthDegraded
	default:
		health.State = HealthConnected
	}
	return health
}

// HealthAll derives health for a set of upstreams.
func (e *Engine) HealthAll(servers []string) []ServerHealth {
	out := make([]ServerHealth, 0, len(servers))
	for _, server := range servers {
		out = append(out, e.Health(server))
	}
	return out
}
