// Package scheduler turns bursts of local mutations into a single delayed
// flush and bounds how often pull reconciliation may run.
package scheduler

import (
	"sync"
	"time"
)

const DefaultFlushDelay = 15 * time.Second

// Debouncer keeps at most one armed timer. Every ScheduleFlush restarts it,
// so N calls spaced closer than the delay produce a single fire on C.
type Debouncer struct {
	clock Clock

	mu       sync.Mutex
	delay    time.Duration
	timer    Timer
	gen      uint64
	disabled bool

	fire chan struct{}
}

func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Debouncer{
		clock: clock,
		delay: delay,
		fire:  make(chan struct{}, 1),
	}
}

// C delivers one value per expired timer. Fires that happen while a previous
// one is still unread are merged.
func (d *Debouncer) C() <-chan struct{} {
	return d.fire
}

// ScheduleFlush (re)starts the timer. It returns false while disabled.
func (d *Debouncer) ScheduleFlush() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return false
	}
	d.stopLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.expire(gen) })
	return true
}

// Cancel drops the armed timer, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Disable cancels the armed timer and ignores ScheduleFlush until Enable.
func (d *Debouncer) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.disabled = true
}

// Enable resumes scheduling. Mutations made while disabled are not flushed
// until the next ScheduleFlush.
func (d *Debouncer) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled = false
}

func (d *Debouncer) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.disabled
}

// Armed reports whether a timer is waiting to fire.
func (d *Debouncer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// SetDelay applies to the next ScheduleFlush.
func (d *Debouncer) SetDelay(delay time.Duration) {
	if delay <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.disabled {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	select {
	case d.fire <- struct{}{}:
	default:
	}
}
