package routing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := NewBreaker(cfg)
	b.now = clock.Now
	b.lastChange = clock.Now()
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("breaker should stay closed below threshold")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("breaker should open at threshold")
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Allow = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerClosedFailuresDecayOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	// Two failures, one success: the count decays to one, it does not reset.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("count should be two, still below threshold")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("intermittent failures should accumulate to the threshold")
	}
}

func TestBreakerSuccessNeverUnderflows(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("one failure after many successes must not open the breaker")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("threshold failures must open the breaker")
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Second,
	})

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}
	if next := b.NextRetry(); !next.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("NextRetry = %v", next)
	}

	clock.Advance(5 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatal("probe admitted before the reset timeout")
	}

	clock.Advance(5 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted after the reset timeout: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	// One success is not enough to close at threshold two.
	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatal("breaker closed before the success threshold")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatal("breaker should close after consecutive successes")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("half-open failure should reopen the breaker")
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatal("reopened breaker should reject immediately")
	}
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1}, nil, nil)

	a := r.Get("alpha")
	if r.Get("alpha") != a {
		t.Fatal("Get must return the same breaker per name")
	}

	a.RecordFailure()
	open := r.OpenServers()
	if len(open) != 1 || open[0] != "alpha" {
		t.Errorf("open = %v", open)
	}

	stats := r.Stats()
	if stats["alpha"].State != BreakerOpen {
		t.Errorf("stats = %+v", stats["alpha"])
	}

	r.ResetAll()
	if a.State() != BreakerClosed {
		t.Error("ResetAll should close every breaker")
	}
}

func TestBreakerRegistryPublishesTransitions(t *testing.T) {
	bus := observability.NewBus(nil)
	events := make(chan observability.Event, 10)
	bus.Subscribe(observability.EventBreakerOpen, func(e observability.Event) { events <- e })

	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1}, bus, nil)
	r.Get("alpha").RecordFailure()

	select {
	case e := <-events:
		if e.Server != "alpha" {
			t.Errorf("event server = %q", e.Server)
		}
	case <-time.After(time.Second):
		t.Fatal("breaker.open event never published")
	}
}
