// Package admission gates delivery attempts per destination.
package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of an admission check. When denied, RetryAfter is
// the controller's hint for the next attempt; zero means no hint.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Controller is consulted before every delivery attempt. A denial is not a
// delivery failure and must not consume retry budget.
type Controller interface {
	CheckAndConsume(ctx context.Context, destination string, weight int) Decision
}

// AllowAll admits everything. Useful when rate control is disabled.
type AllowAll struct{}

func (AllowAll) CheckAndConsume(context.Context, string, int) Decision {
	return Decision{Allowed: true}
}

// Limiter is a per-destination token bucket controller.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter admits up to perSecond sustained attempts per destination with
// the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

func (l *Limiter) CheckAndConsume(_ context.Context, destination string, weight int) Decision {
	if weight < 1 {
		weight = 1
	}
	l.mu.Lock()
	b, ok := l.buckets[destination]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[destination] = b
	}
	l.mu.Unlock()

	now := time.Now()
	res := b.ReserveN(now, weight)
	if !res.OK() {
		// weight exceeds burst, can never be admitted
		return Decision{Allowed: false}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}
