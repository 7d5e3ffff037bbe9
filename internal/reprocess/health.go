package reprocess

import (
	"sync"
	"time"
)

// Health classifies the engine's recent behavior.
type Health int

const (
	HealthHealthy Health = iota
	HealthWarning
	HealthCritical
	// HealthStale: no run completed within the staleness window.
	HealthStale
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthWarning:
		return "WARNING"
	case HealthCritical:
		return "CRITICAL"
	case HealthStale:
		return "STALE"
	}
	return "UNKNOWN"
}

const (
	healthyRate   = 0.9
	warningRate   = 0.5
	staleInterval = time.Hour
)

// Tracker records run outcomes and classifies engine health. A run
// with success rate >= 0.9 is healthy, >= 0.5 warning, below critical;
// no run within the last hour is stale regardless of the last rate.
type Tracker struct {
	now func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	lastRate float64
	everRan  bool
}

// NewTracker creates a Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record stores the outcome of a completed run.
func (t *Tracker) Record(result *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRun = t.now()
	t.lastRate = result.SuccessRate()
	t.everRan = true
}

// Evaluate returns the current health classification.
func (t *Tracker) Evaluate() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.everRan || t.now().Sub(t.lastRun) > staleInterval {
		return HealthStale
	}
	switch {
	case t.lastRate >= healthyRate:
		return HealthHealthy
	case t.lastRate >= warningRate:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// LastRun returns the completion time of the most recent run and
// whether one exists.
func (t *Tracker) LastRun() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, t.everRan
}

// LastSuccessRate returns the most recent run's success rate.
func (t *Tracker) LastSuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRate
}
