// Package budget enforces the wall-clock and on-disk limits that bound a
// single bundling pass. Tripping a budget is a graceful stop, not an error:
// fetch dispatch halts, in-flight work drains, and the partial archive still
// ships.
package budget

import (
	"context"
	"sync"
	"time"
)

// Defaults for the two budgets.
const (
	DefaultTimeoutGuard = 10 * time.Second
	DefaultMaxOnDisk    = 400 * 1024 * 1024
)

// Clock reports how much wall time the invocation has left. The runtime
// owns the deadline and may extend it, so remaining time always comes from
// the runtime rather than from arithmetic on a start timestamp.
type Clock interface {
	RemainingTime() time.Duration
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Duration

func (f ClockFunc) RemainingTime() time.Duration { return f() }

// ContextClock derives remaining time from a context deadline. A context
// without a deadline reports an effectively unlimited budget.
func ContextClock(ctx context.Context) Clock {
	return ClockFunc(func() time.Duration {
		deadline, ok := ctx.Deadline()
		if !ok {
			return time.Duration(1<<62 - 1)
		}
		return time.Until(deadline)
	})
}

// StopReason identifies which budget tripped the governor.
type StopReason int

const (
	StopNone StopReason = iota
	StopTime
	StopDisk
)

func (r StopReason) String() string {
	switch r {
	case StopTime:
		return "time budget exhausted"
	case StopDisk:
		return "disk budget exhausted"
	default:
		return "none"
	}
}

// Governor evaluates the budgets before each fetch dispatch and before each
// archive entry. Once tripped it stays tripped; every later check reports
// the stop without re-evaluating.
type Governor struct {
	clock        Clock
	timeoutGuard time.Duration
	maxOnDisk    int64

	mu      sync.Mutex
	reason  StopReason
	stopped chan struct{}
}

// NewGovernor builds a governor with the given limits. Zero values fall
// back to the defaults.
func NewGovernor(clock Clock, timeoutGuard time.Duration, maxOnDisk int64) *Governor {
	if timeoutGuard <= 0 {
		timeoutGuard = DefaultTimeoutGuard
	}
	if maxOnDisk <= 0 {
		maxOnDisk = DefaultMaxOnDisk
	}
	return &Governor{
		clock:        clock,
		timeoutGuard: timeoutGuard,
		maxOnDisk:    maxOnDisk,
		stopped:      make(chan struct{}),
	}
}

// Admit decides whether one more entry of nextSize bytes may start, given
// writtenSoFar entry bytes already committed. It returns StopNone when the
// entry may proceed.
func (g *Governor) Admit(writtenSoFar, nextSize int64) StopReason {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reason != StopNone {
		return g.reason
	}
	if g.clock.RemainingTime() < g.timeoutGuard {
		g.trip(StopTime)
		return g.reason
	}
	if writtenSoFar+nextSize > g.maxOnDisk {
		g.trip(StopDisk)
		return g.reason
	}
	return StopNone
}

// CheckTime evaluates only the wall-clock budget.
func (g *Governor) CheckTime() StopReason {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reason == StopNone && g.clock.RemainingTime() < g.timeoutGuard {
		g.trip(StopTime)
	}
	return g.reason
}

// trip must be called with g.mu held.
func (g *Governor) trip(reason StopReason) {
	g.reason = reason
	close(g.stopped)
}

// Stopped is closed when either budget trips.
func (g *Governor) Stopped() <-chan struct{} {
	return g.stopped
}

// Reason returns the tripped budget, or StopNone.
func (g *Governor) Reason() StopReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}
