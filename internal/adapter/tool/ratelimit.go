package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sensei/internal/domain"
)

// RateLimiter is a sliding-window limiter: at most limit calls are allowed
// in any window-long interval.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, now: time.Now}
}

// Allow records a call and reports whether it fits in the window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}
	r.calls = append(r.calls, now)
	return true
}

// Limit wraps t so that executions beyond limit per window fail with
// domain.ErrRateLimit without reaching t. limit <= 0 returns t unchanged.
func Limit(t domain.Tool, limit int, window time.Duration) domain.Tool {
	if limit <= 0 {
		return t
	}
	l := &limitedTool{Tool: t, limiter: NewRateLimiter(limit, window)}
	if p, ok := t.(Parameterized); ok {
		return &limitedParamTool{limitedTool: l, param: p}
	}
	return l
}

type limitedTool struct {
	domain.Tool
	limiter *RateLimiter
}

func (l *limitedTool) Execute(ctx context.Context, argument string) (string, error) {
	if !l.limiter.Allow() {
		return "", domain.NewDomainError(l.Name()+".Execute", domain.ErrRateLimit,
			fmt.Sprintf("more than %d calls in %s", l.limiter.limit, l.limiter.window))
	}
	return l.Tool.Execute(ctx, argument)
}

type limitedParamTool struct {
	*limitedTool
	param Parameterized
}

func (l *limitedParamTool) Parameter() Parameter { return l.param.Parameter() }
