package reactor

import (
	"sync"
	"time"
)

// Timer is a handle for a scheduled Delay task.
type Timer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

func (t *Timer) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	if t.t != nil {
		t.t.Stop()
	}
	return true
}

func (t *Timer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// Delay runs scheduled tasks on its own loop.
type Delay struct {
	loop *Loop
}

func NewDelay() *Delay { return &Delay{loop: NewLoop("delay")} }

func (d *Delay) Close() { d.loop.Close() }

// Run schedules fn once after dur. An error returned by fn goes to onError.
func (d *Delay) Run(dur time.Duration, fn func() error, onError func(error)) *Timer {
	tm := &Timer{}
	tm.mu.Lock()
	tm.t = time.AfterFunc(dur, func() {
		d.loop.submitOrFail(func() {
			if !tm.stop() {
				return
			}
			d.call(fn, onError)
		}, onError)
	})
	tm.mu.Unlock()
	return tm
}

// Every runs fn every period until the returned timer is cancelled.
func (d *Delay) Every(period time.Duration, fn func() error, onError func(error)) *Timer {
	tm := &Timer{}
	var arm func()
	arm = func() {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		if tm.cancelled {
			return
		}
		tm.t = time.AfterFunc(period, func() {
			d.loop.submitOrFail(func() {
				if !tm.active() {
					return
				}
				d.call(fn, onError)
				arm()
			}, onError)
		})
	}
	arm()
	return tm
}

// Cancel stops t before it fires. It reports false for nil or for a timer
// that already ran or was cancelled.
func (d *Delay) Cancel(t *Timer) bool {
	if t == nil {
		return false
	}
	return t.stop()
}

func (d *Delay) call(fn func() error, onError func(error)) {
	if err := fn(); err != nil && onError != nil {
		onError(err)
	}
}
