package rtlib

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NotifyThreshold is the minimum goal-gap magnitude (as a fraction) that
// warrants bothering the manager with a RuntimeNotify.
const NotifyThreshold = 0.01

// GoalGapCalculator turns a measured cycles-per-second figure into the
// goal-gap fraction the manager's policy consumes, and decides whether a
// given gap is worth reporting right now.
//
// Two independent cooldowns gate notification, matching the two places an
// application can otherwise flood the channel: immediately after a
// reconfiguration (the new AWM hasn't had a chance to take effect yet) and
// immediately after a notification already sent (the manager hasn't had a
// chance to react yet).
type GoalGapCalculator struct {
	minCPS, maxCPS float64

	mu          sync.Mutex
	rearmWindow time.Duration
	rearmUntil  time.Time

	// notifyLimiter enforces the wait-for-sync window: burst 1 at a rate of
	// one token per waitForSyncWindow turns "allow" into "no more than one
	// notification per window" with no extra bookkeeping.
	notifyLimiter *rate.Limiter
}

// NewGoalGapCalculator builds a calculator for a CPS goal [minCPS, maxCPS].
// rearmWindow is how long after a reconfiguration completes before a new
// notification is considered; waitForSyncWindow is the minimum spacing
// between two notifications.
func NewGoalGapCalculator(minCPS, maxCPS float64, rearmWindow, waitForSyncWindow time.Duration) *GoalGapCalculator {
	return &GoalGapCalculator{
		minCPS:        minCPS,
		maxCPS:        maxCPS,
		rearmWindow:   rearmWindow,
		notifyLimiter: rate.NewLimiter(rate.Every(waitForSyncWindow), 1),
	}
}

// Compute derives the goal gap from a measured system CPS: how far the
// application is running below its declared maximum, as a fraction of what
// it is currently achieving. A stalled application (measuredCPS <= 0) is
// treated as maximally under-served.
func (g *GoalGapCalculator) Compute(measuredCPS float64) float64 {
	if measuredCPS <= 0 {
		return 1.0
	}
	gap := (g.maxCPS - measuredCPS) / measuredCPS
	return clamp(gap, -0.33, 1.0)
}

// ShouldNotify reports whether gap is both large enough and not currently
// suppressed by either cooldown. A true result consumes the wait-for-sync
// token, so callers should only call this once they are actually about to
// send the notification.
func (g *GoalGapCalculator) ShouldNotify(gap float64) bool {
	if math.Abs(gap) <= NotifyThreshold {
		return false
	}

	g.mu.Lock()
	rearmed := time.Now().After(g.rearmUntil)
	g.mu.Unlock()
	if !rearmed {
		return false
	}

	return g.notifyLimiter.Allow()
}

// ReconfigurationCompleted starts the rearm cooldown; ShouldNotify refuses
// until rearmWindow elapses.
func (g *GoalGapCalculator) ReconfigurationCompleted() {
	g.mu.Lock()
	g.rearmUntil = time.Now().Add(g.rearmWindow)
	g.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
