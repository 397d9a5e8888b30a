package rtlib

import (
	"math"
	"sync"
	"time"
)

// WindowStats is a fixed-capacity sliding window over float64 samples,
// tracking count, mean, and sample variance incrementally so neither grows
// with the number of samples ever seen.
type WindowStats struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
	sum     float64
	sumSq   float64
}

// NewWindowStats builds a WindowStats holding at most size samples. size
// must be positive.
func NewWindowStats(size int) *WindowStats {
	if size <= 0 {
		size = 1
	}
	return &WindowStats{samples: make([]float64, size)}
}

// Add records one sample, evicting the oldest once the window is full.
func (w *WindowStats) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled {
		evicted := w.samples[w.next]
		w.sum -= evicted
		w.sumSq -= evicted * evicted
	}
	w.samples[w.next] = v
	w.sum += v
	w.sumSq += v * v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Count returns the number of samples currently in the window.
func (w *WindowStats) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count()
}

func (w *WindowStats) count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// Mean returns the window's arithmetic mean, or 0 with no samples.
func (w *WindowStats) Mean() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.count()
	if n == 0 {
		return 0
	}
	return w.sum / float64(n)
}

// Variance returns the window's sample variance (n-1 denominator), or 0
// with fewer than two samples.
func (w *WindowStats) Variance() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.count()
	if n < 2 {
		return 0
	}
	mean := w.sum / float64(n)
	v := (w.sumSq - float64(n)*mean*mean) / float64(n-1)
	if v < 0 {
		return 0 // floating point drift near-zero variance
	}
	return v
}

// StdDev returns the window's sample standard deviation.
func (w *WindowStats) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// CPSTracker measures an application's cycle time from two angles: the
// "user" view an application can query through GetCPS (includes any
// CPS-enforcement sleep) and the "system" view fed to the goal-gap
// calculation and the manager (excludes it), per the sleep-time-does-not-
// contaminate-cycle-statistics rule.
type CPSTracker struct {
	mu         sync.Mutex
	cpsMax     float64 // 0 disables enforcement
	user       *WindowStats
	system     *WindowStats
	cycleStart time.Time
}

// NewCPSTracker builds a CPSTracker. cpsMax <= 0 disables CPS enforcement
// (cycles run unthrottled; the system view still accumulates).
func NewCPSTracker(cpsMax float64, windowSize int) *CPSTracker {
	return &CPSTracker{
		cpsMax: cpsMax,
		user:   NewWindowStats(windowSize),
		system: NewWindowStats(windowSize),
	}
}

// BeginCycle marks the start of one application cycle.
func (t *CPSTracker) BeginCycle() {
	t.mu.Lock()
	t.cycleStart = time.Now()
	t.mu.Unlock()
}

// EndCycle closes out the cycle started by the last BeginCycle: it records
// the system (unthrottled) cycle time, sleeps to enforce cpsMax if set, and
// records the user (throttled) cycle time including that sleep. Returns the
// sleep duration applied, if any.
func (t *CPSTracker) EndCycle() time.Duration {
	t.mu.Lock()
	start := t.cycleStart
	cpsMax := t.cpsMax
	t.mu.Unlock()

	cycleMs := float64(time.Since(start)) / float64(time.Millisecond)
	t.system.Add(cycleMs)

	sleep := enforcementSleep(cpsMax, cycleMs)
	if sleep > 0 {
		time.Sleep(sleep)
	}
	t.user.Add(cycleMs + float64(sleep)/float64(time.Millisecond))
	return sleep
}

// enforcementSleep implements sleep = max(0, 1000/cps_max - cycle_time_ms).
func enforcementSleep(cpsMax, cycleMs float64) time.Duration {
	if cpsMax <= 0 {
		return 0
	}
	budgetMs := 1000.0/cpsMax - cycleMs
	if budgetMs <= 0 {
		return 0
	}
	return time.Duration(budgetMs * float64(time.Millisecond))
}

// GetCPS returns the application-visible cycles-per-second, derived from
// the user (throttled) cycle-time mean.
func (t *CPSTracker) GetCPS() float64 {
	mean := t.user.Mean()
	if mean <= 0 {
		return 0
	}
	return 1000.0 / mean
}

// SystemCPS returns the unthrottled cycles-per-second the policy sees,
// derived from the system cycle-time mean.
func (t *CPSTracker) SystemCPS() float64 {
	mean := t.system.Mean()
	if mean <= 0 {
		return 0
	}
	return 1000.0 / mean
}
