package modforge

import (
	"fmt"
	"sync"
)

// TimerCallback is invoked when a timer elapses. Panics are swallowed so a
// broken mod timer cannot destabilize the tick loop; they are surfaced
// through the logger rather than truly discarded.
type TimerCallback func()

type timer struct {
	id          int
	interval    float64
	accumulated float64
	repeating   bool
	callback    TimerCallback
}

// TimerSystem is a simple one-shot/repeating timer scheduler driven by the
// same tick as the LifecycleManager. Timer ids are monotonically increasing
// integers and never reused within a process lifetime.
type TimerSystem struct {
	mu     sync.Mutex
	timers []*timer
	nextID int
	logger Logger
}

// NewTimerSystem creates an empty timer scheduler.
func NewTimerSystem(logger Logger) *TimerSystem {
	return &TimerSystem{logger: logger}
}

// SetTimer schedules callback to fire once after delaySeconds of accumulated
// tick time and returns the timer id.
func (t *TimerSystem) SetTimer(delaySeconds float64, callback TimerCallback) int {
	return t.add(delaySeconds, false, callback)
}

// SetRepeatingTimer schedules callback to fire every intervalSeconds of
// accumulated tick time and returns the timer id.
func (t *TimerSystem) SetRepeatingTimer(intervalSeconds float64, callback TimerCallback) int {
	return t.add(intervalSeconds, true, callback)
}

func (t *TimerSystem) add(interval float64, repeating bool, callback TimerCallback) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.timers = append(t.timers, &timer{
		id:        t.nextID,
		interval:  interval,
		repeating: repeating,
		callback:  callback,
	})
	return t.nextID
}

// CancelTimer removes a timer. Cancelling an unknown or already-fired
// one-shot timer id is a no-op.
func (t *TimerSystem) CancelTimer(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, tm := range t.timers {
		if tm.id == id {
			t.timers = append(t.timers[:i:i], t.timers[i+1:]...)
			return
		}
	}
}

// ActiveCount returns the number of scheduled timers.
func (t *TimerSystem) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Update advances every timer by dt seconds and fires those whose
// accumulator reached the interval. One-shot timers are removed after
// firing; repeating timers have the interval subtracted from the accumulator
// (not reset to zero) so drift does not compound across ticks.
func (t *TimerSystem) Update(dt float64) {
	t.mu.Lock()
	var due []*timer
	kept := t.timers[:0]
	for _, tm := range t.timers {
		tm.accumulated += dt
		if tm.accumulated >= tm.interval {
			due = append(due, tm)
			if tm.repeating {
				tm.accumulated -= tm.interval
				kept = append(kept, tm)
			}
		} else {
			kept = append(kept, tm)
		}
	}
	t.timers = kept
	t.mu.Unlock()

	// Fire outside the lock so callbacks may schedule or cancel timers.
	for _, tm := range due {
		t.fire(tm)
	}
}

func (t *TimerSystem) fire(tm *timer) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Timer callback panicked", "timer", tm.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if tm.callback != nil {
		tm.callback()
	}
}
