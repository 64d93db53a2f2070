// Package ratelimit enforces per-role call quotas over rolling
// minute/hour/day windows plus concurrency caps, keyed by session.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// warnFraction is the quota fraction at which a warning event fires.
const warnFraction = 0.8

// Quota bounds calls for one scope. Zero fields are unlimited.
type Quota struct {
	PerMinute     int `json:"perMinute,omitempty" yaml:"perMinute,omitempty"`
	PerHour       int `json:"perHour,omitempty" yaml:"perHour,omitempty"`
	PerDay        int `json:"perDay,omitempty" yaml:"perDay,omitempty"`
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
}

// zero reports whether the quota limits nothing.
func (q Quota) zero() bool {
	return q.PerMinute == 0 && q.PerHour == 0 && q.PerDay == 0 && q.MaxConcurrent == 0
}

// RoleLimits is the quota set for one role, with optional per-tool
// overrides that replace the role quota for that tool.
type RoleLimits struct {
	Quota `yaml:",inline"`

	Tools map[string]Quota `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Config configures the limiter.
type Config struct {
	Enabled bool                  `json:"enabled" yaml:"enabled"`
	Roles   map[string]RoleLimits `json:"roles,omitempty" yaml:"roles,omitempty"`

	// Default applies to roles without an entry in Roles.
	Default Quota `json:"default,omitempty" yaml:"default,omitempty"`
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// RetryAfterMs is how long until the nearest exceeded window rolls
	// over. Zero for concurrency denials.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`

	// Windows reports usage against each configured quota window at
	// decision time.
	Windows map[string]WindowStatus `json:"windows,omitempty"`
}

type window struct {
	start time.Time
	count int
}

// roll resets the window if its span has elapsed.
func (w *window) roll(now time.Time, span time.Duration) {
	if now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
}

func (w *window) remaining(now time.Time, span time.Duration) time.Duration {
	return w.start.Add(span).Sub(now)
}

// counterSet tracks one (session, scope) pair.
type counterSet struct {
	minute   window
	hour     window
	day      window
	inflight int
}

type sessionState struct {
	scopes   map[string]*counterSet
	lastSeen time.Time
}

// Limiter admits or rejects tool calls against per-role quotas. Counters
// are kept per session so one agent cannot drain another's budget.
type Limiter struct {
	mu       sync.Mutex
	config   Config
	sessions map[string]*sessionState

	logger  *slog.Logger
	bus     *observability.Bus
	metrics *observability.Metrics

	now func() time.Time
}

// NewLimiter creates a limiter. Logger, bus, and metrics may be nil.
func NewLimiter(config Config, logger *slog.Logger, bus *observability.Bus, metrics *observability.Metrics) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		config:   config,
		sessions: make(map[string]*sessionState),
		logger:   logger.With("component", "ratelimit"),
		bus:      bus,
		metrics:  metrics,
		now:      time.Now,
	}
}

// quotaFor resolves the effective quota and counting scope for a call.
// A tool override replaces the role quota and is counted per tool;
// otherwise the role quota is counted in the shared scope.
func (l *Limiter) quotaFor(role, tool string) (Quota, string) {
	limits, ok := l.config.Roles[role]
	if !ok {
		return l.config.Default, ""
	}
	if override, ok := limits.Tools[tool]; ok {
		return override, tool
	}
	return limits.Quota, ""
}

// Acquire admits one call for a session. Allowed calls count against the
// quota windows and hold a concurrency slot until Release.
func (l *Limiter) Acquire(sessionID, role, tool string) Result {
	if !l.config.Enabled {
		return Result{Allowed: true}
	}
	quota, scope := l.quotaFor(role, tool)
	if quota.zero() {
		return Result{Allowed: true}
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.sessions[sessionID]
	if !ok {
		session = &sessionState{scopes: make(map[string]*counterSet)}
		l.sessions[sessionID] = session
	}
	session.lastSeen = now

	counters, ok := session.scopes[scope]
	if !ok {
		counters = &counterSet{
			minute: window{start: now},
			hour:   window{start: now},
			day:    window{start: now},
		}
		session.scopes[scope] = counters
	}

	counters.minute.roll(now, time.Minute)
	counters.hour.roll(now, time.Hour)
	counters.day.roll(now, 24*time.Hour)

	if quota.MaxConcurrent > 0 && counters.inflight >= quota.MaxConcurrent {
		return l.deny(role, tool, sessionID, Result{
			Reason:  fmt.Sprintf("concurrency limit reached: %d calls in flight", quota.MaxConcurrent),
			Windows: windowUsage(counters, quota, now),
		})
	}

	// When several windows are exhausted the denial names the nearest one
	// to roll over, matching the retry hint.
	var (
		retryAfter     time.Duration
		exceededWindow string
		exceededLimit  int
	)
	check := func(name string, w *window, span time.Duration, limit int) {
		if limit <= 0 || w.count < limit {
			return
		}
		remaining := w.remaining(now, span)
		if exceededWindow == "" || remaining < retryAfter {
			retryAfter = remaining
			exceededWindow = name
			exceededLimit = limit
		}
	}
	check("minute", &counters.minute, time.Minute, quota.PerMinute)
	check("hour", &counters.hour, time.Hour, quota.PerHour)
	check("day", &counters.day, 24*time.Hour, quota.PerDay)

	if exceededWindow != "" {
		return l.deny(role, tool, sessionID, Result{
			Reason:       fmt.Sprintf("rate limit exceeded: %d calls per %s", exceededLimit, exceededWindow),
			RetryAfterMs: retryAfter.Milliseconds(),
			Windows:      windowUsage(counters, quota, now),
		})
	}

	counters.minute.count++
	counters.hour.count++
	counters.day.count++
	counters.inflight++

	l.warnIfNear(role, tool, sessionID, "minute", counters.minute.count, quota.PerMinute)
	l.warnIfNear(role, tool, sessionID, "hour", counters.hour.count, quota.PerHour)
	l.warnIfNear(role, tool, sessionID, "day", counters.day.count, quota.PerDay)

	if l.metrics != nil {
		l.metrics.RateLimitCounter.WithLabelValues(role, "allowed").Inc()
	}
	return Result{Allowed: true, Windows: windowUsage(counters, quota, now)}
}

// windowUsage snapshots usage and limits for each configured window.
func windowUsage(counters *counterSet, quota Quota, now time.Time) map[string]WindowStatus {
	usage := make(map[string]WindowStatus, 3)
	add := func(name string, w window, span time.Duration, limit int) {
		if limit <= 0 {
			return
		}
		usage[name] = WindowStatus{
			Used:       w.count,
			Limit:      limit,
			ResetsInMs: w.remaining(now, span).Milliseconds(),
		}
	}
	add("minute", counters.minute, time.Minute, quota.PerMinute)
	add("hour", counters.hour, time.Hour, quota.PerHour)
	add("day", counters.day, 24*time.Hour, quota.PerDay)
	if len(usage) == 0 {
		return nil
	}
	return usage
}

func (l *Limiter) deny(role, tool, sessionID string, result Result) Result {
	if l.metrics != nil {
		l.metrics.RateLimitCounter.WithLabelValues(role, "denied").Inc()
	}
	if l.bus != nil {
		l.bus.Publish(observability.Event{
			Type: observability.EventRateLimitExceeded,
			Role: role,
			Tool: tool,
			Data: map[string]any{
				"session":      sessionID,
				"reason":       result.Reason,
				"retryAfterMs": result.RetryAfterMs,
			},
		})
	}
	l.logger.Warn("rate limit denied",
		"role", role, "tool", tool, "session", sessionID, "reason", result.Reason)
	return result
}

// warnIfNear publishes a warning exactly when a window crosses the
// warning fraction of its limit.
func (l *Limiter) warnIfNear(role, tool, sessionID, windowName string, count, limit int) {
	if limit <= 0 || l.bus == nil {
		return
	}
	threshold := int(float64(limit)*warnFraction + 0.999999)
	if count != threshold {
		return
	}
	l.bus.Publish(observability.Event{
		Type: observability.EventRateLimitWarning,
		Role: role,
		Tool: tool,
		Data: map[string]any{
			"session": sessionID,
			"window":  windowName,
			"used":    count,
			"limit":   limit,
		},
	})
}

// Release frees the concurrency slot held by an allowed call.
func (l *Limiter) Release(sessionID, role, tool string) {
	if !l.config.Enabled {
		return
	}
	_, scope := l.quotaFor(role, tool)

	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.sessions[sessionID]
	if !ok {
		return
	}
	if counters, ok := session.scopes[scope]; ok && counters.inflight > 0 {
		counters.inflight--
	}
}

// WindowStatus reports one quota window.
type WindowStatus struct {
	Used       int   `json:"used"`
	Limit      int   `json:"limit"`
	ResetsInMs int64 `json:"resetsInMs"`
}

// Status is a point-in-time quota view for one session and role.
type Status struct {
	SessionID     string                  `json:"sessionId"`
	Role          string                  `json:"role"`
	Windows       map[string]WindowStatus `json:"windows,omitempty"`
	Inflight      int                     `json:"inflight"`
	MaxConcurrent int                     `json:"maxConcurrent,omitempty"`
}

// Status reports the session's standing against its role quota.
func (l *Limiter) Status(sessionID, role string) Status {
	status := Status{SessionID: sessionID, Role: role, Windows: make(map[string]WindowStatus)}
	quota, scope := l.quotaFor(role, "")
	status.MaxConcurrent = quota.MaxConcurrent

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.sessions[sessionID]
	if !ok {
		return status
	}
	counters, ok := session.scopes[scope]
	if !ok {
		return status
	}

	counters.minute.roll(now, time.Minute)
	counters.hour.roll(now, time.Hour)
	counters.day.roll(now, 24*time.Hour)

	if usage := windowUsage(counters, quota, now); usage != nil {
		status.Windows = usage
	}
	status.Inflight = counters.inflight
	return status
}

// SweepIdle drops sessions idle longer than maxIdle and returns how many
// were removed.
func (l *Limiter) SweepIdle(maxIdle time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, session := range l.sessions {
		if now.Sub(session.lastSeen) > maxIdle {
			delete(l.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("swept idle sessions", "removed", removed)
	}
	return removed
}

// StartReaper sweeps idle sessions on an interval until ctx is done.
func (l *Limiter) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.SweepIdle(maxIdle)
			}
		}
	}()
}
