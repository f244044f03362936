package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, time.June, 6, 9, 0, 0, 0, time.UTC)

func drain(ch <-chan struct{}) int {
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			return count
		}
	}
}

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := clock.AfterFunc(1500*time.Millisecond, func() { order = append(order, "x") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a"}, order)
	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, epoch.Add(2*time.Second), clock.Now())
	assert.Zero(t, clock.Pending())
}

func TestDebouncerCoalescesBurstIntoOneFire(t *testing.T) {
	clock := NewFakeClock(epoch)
	d := NewDebouncer(clock, 15*time.Second)

	for i := 0; i < 10; i++ {
		require.True(t, d.ScheduleFlush())
		clock.Advance(5 * time.Second)
	}
	assert.Zero(t, drain(d.C()), "timer must keep resetting while calls arrive")
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(15 * time.Second)
	assert.Equal(t, 1, drain(d.C()))
	assert.False(t, d.Armed())

	clock.Advance(time.Minute)
	assert.Zero(t, drain(d.C()))
}

func TestDebouncerCancel(t *testing.T) {
	clock := NewFakeClock(epoch)
	d := NewDebouncer(clock, 15*time.Second)
	d.ScheduleFlush()
	d.Cancel()
	clock.Advance(time.Minute)
	assert.Zero(t, drain(d.C()))
}

func TestDebouncerDisableDoesNotFlushOnEnable(t *testing.T) {
	clock := NewFakeClock(epoch)
	d := NewDebouncer(clock, 15*time.Second)
	d.ScheduleFlush()
	d.Disable()
	assert.False(t, d.ScheduleFlush())
	clock.Advance(time.Minute)
	assert.Zero(t, drain(d.C()))

	d.Enable()
	assert.True(t, d.Enabled())
	clock.Advance(time.Minute)
	assert.Zero(t, drain(d.C()), "re-enabling must not flush retroactively")

	d.ScheduleFlush()
	clock.Advance(15 * time.Second)
	assert.Equal(t, 1, drain(d.C()))
}

func TestDebouncerSetDelay(t *testing.T) {
	clock := NewFakeClock(epoch)
	d := NewDebouncer(clock, 15*time.Second)
	d.SetDelay(time.Second)
	d.ScheduleFlush()
	clock.Advance(time.Second)
	assert.Equal(t, 1, drain(d.C()))
}

func TestThrottleMinimumInterval(t *testing.T) {
	clock := NewFakeClock(epoch)
	th := NewThrottle(clock, 30*time.Second)

	assert.True(t, th.Allow("E"))
	th.Mark("E")
	clock.Advance(10 * time.Second)
	assert.False(t, th.Allow("E"))
	clock.Advance(20 * time.Second)
	assert.True(t, th.Allow("E"))
}

func TestThrottleAllowIsACheckOnly(t *testing.T) {
	clock := NewFakeClock(epoch)
	th := NewThrottle(clock, 30*time.Second)

	assert.True(t, th.Allow("E"))
	assert.True(t, th.Allow("E"))
	assert.True(t, th.AllowChanged("E"))
	assert.Empty(t, th.LastKey())
}

func TestThrottleAllowChangedBypassesForOtherKey(t *testing.T) {
	clock := NewFakeClock(epoch)
	th := NewThrottle(clock, 30*time.Second)

	th.Mark("E1")
	clock.Advance(time.Second)
	assert.False(t, th.AllowChanged("E1"))
	assert.True(t, th.AllowChanged("E2"))
	th.Mark("E2")
	assert.Equal(t, "E2", th.LastKey())
	assert.False(t, th.AllowChanged("E2"))
	assert.False(t, th.Allow("E1"))
}

func TestThrottleMark(t *testing.T) {
	clock := NewFakeClock(epoch)
	th := NewThrottle(clock, 30*time.Second)
	th.Mark("E")
	assert.False(t, th.Allow("E"))
}
