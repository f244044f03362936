package scheduler

import (
	"sync"
	"time"
)

const DefaultReconcileInterval = 30 * time.Second

// Throttle enforces a minimum interval between reconciliations.
type Throttle struct {
	clock Clock

	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	lastKey  string
	seen     bool
}

func NewThrottle(clock Clock, interval time.Duration) *Throttle {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Throttle{clock: clock, interval: interval}
}

// Allow reports whether a reconcile for key may start now. It records
// nothing; call Mark once the reconcile has succeeded.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.seen || t.clock.Now().Sub(t.last) >= t.interval
}

// AllowChanged is Allow, except a key different from the last marked one
// always passes.
func (t *Throttle) AllowChanged(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.seen || key != t.lastKey || t.clock.Now().Sub(t.last) >= t.interval
}

// Mark records a reconcile of key that finished now.
func (t *Throttle) Mark(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(key, t.clock.Now())
}

func (t *Throttle) LastKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastKey
}

func (t *Throttle) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}

func (t *Throttle) markLocked(key string, now time.Time) {
	t.last = now
	t.lastKey = key
	t.seen = true
}
