// Package ratelimit tracks per-platform API request budgets and throttles
// callers before requests are sent. State is seeded exclusively from
// server-reported rate-limit headers via Record; Admit spends the budget
// optimistically and Record reconciles it afterwards, with server truth
// always winning.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/remote"
)

// DefaultSafetyBuffer is the number of budget units withheld from normal use
// so unrelated interactive calls are never starved and local/server clock
// skew around the reset time cannot push us over the limit.
const DefaultSafetyBuffer = 100

type platformState struct {
	limit     int
	remaining int
	resetAt   time.Time
}

// Limiter is the single owner of rate-limit state. It implements
// remote.Recorder so the API clients feed it telemetry from every response.
type Limiter struct {
	mu     sync.Mutex
	buffer int
	states map[models.Platform]*platformState

	now func() time.Time // test hook
}

// New returns a limiter reserving buffer units of budget per platform.
// A negative buffer falls back to DefaultSafetyBuffer.
func New(buffer int) *Limiter {
	if buffer < 0 {
		buffer = DefaultSafetyBuffer
	}
	return &Limiter{
		buffer: buffer,
		states: make(map[models.Platform]*platformState),
		now:    time.Now,
	}
}

// Admit reserves one unit of budget for the platform, decrementing the
// estimate before the call is made. With no observed state yet it admits
// optimistically; the first Record seeds real numbers.
//
// When the usable budget (remaining minus the safety buffer) is exhausted,
// wait=false fails immediately with *remote.RateLimitedError and wait=true
// blocks until the server-reported reset time or ctx cancellation.
func (l *Limiter) Admit(ctx context.Context, platform models.Platform, wait bool) error {
	return l.AdmitN(ctx, platform, 1, wait)
}

// AdmitN reserves n units at once, for callers that issue a burst of
// requests under a single admission decision. The whole burst is granted or
// refused together so the estimate never undercounts mid-burst.
func (l *Limiter) AdmitN(ctx context.Context, platform models.Platform, n int, wait bool) error {
	for {
		l.mu.Lock()
		st := l.states[platform]
		if st == nil {
			l.mu.Unlock()
			return nil
		}

		now := l.now()
		if !st.resetAt.IsZero() && now.After(st.resetAt) {
			// Window rolled over; assume a full budget until the next
			// response corrects us.
			st.remaining = st.limit
		}

		if st.remaining-n >= l.buffer {
			st.remaining -= n
			l.mu.Unlock()
			return nil
		}

		resetAt := st.resetAt
		l.mu.Unlock()

		if !wait {
			return &remote.RateLimitedError{ResetAt: resetAt}
		}

		sleep := resetAt.Sub(now) + time.Second
		if sleep < time.Second {
			sleep = time.Second
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record reconciles the in-memory estimate with server-reported truth.
// Called by the remote clients on every response, success or failure.
func (l *Limiter) Record(platform models.Platform, rl remote.RateLimit) {
	if rl.Zero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[platform] = &platformState{
		limit:     rl.Limit,
		remaining: rl.Remaining,
		resetAt:   rl.ResetAt,
	}
}

// Snapshot returns the last observed budget for the platform.
func (l *Limiter) Snapshot(platform models.Platform) (remote.RateLimit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.states[platform]
	if st == nil {
		return remote.RateLimit{}, false
	}
	return remote.RateLimit{
		Limit:     st.limit,
		Remaining: st.remaining,
		ResetAt:   st.resetAt,
	}, true
}
