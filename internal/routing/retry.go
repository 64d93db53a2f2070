package routing

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/mcp"
)

// RetryPolicy bounds how a failed forward is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter randomizes each delay. Nil means enabled.
	Jitter *bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultRetryPolicy matches the gateway's built-in defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff before retry n (zero-based): a uniform ±25%
// jitter over min(initial*multiplier^n, max), or the bare bound when
// jitter is disabled.
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 0 {
		retry = 0
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.Jitter != nil && !*p.Jitter {
		return time.Duration(base)
	}
	jitter := 0.75 + rand.Float64()*0.5 // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(base * jitter)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so Do stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable reports whether a forward failure is worth retrying:
// timeouts, refused or reset connections, and upstream exits. A JSON-RPC
// error is a definitive answer from the upstream and is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var rpcErr *mcp.JSONRPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, mcp.ErrTimeout) || errors.Is(err, mcp.ErrUpstreamClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs op up to MaxRetries+1 times, backing off between attempts and
// stopping early on success, a non-retryable error, or context
// cancellation. Attempts is 1-based in the callback.
func Do(ctx context.Context, policy RetryPolicy, op func(attempt int) error) error {
	policy = policy.withDefaults()

	var err error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = op(attempt)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt > policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt - 1)):
		}
	}
	return err
}
