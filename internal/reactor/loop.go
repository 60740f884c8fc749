// Package reactor runs socket callbacks for one role (accept, connect, read,
// write, transmit, delay) on a single goroutine per role. Blocking I/O is
// parked in the runtime netpoller; only completions cross into the loop.
package reactor

import (
	"sync"

	"github.com/matst80/socketproxy/internal/obs"
)

// Loop executes submitted functions one at a time, in submission order, on
// its own goroutine.
type Loop struct {
	name string

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop goroutine.
func NewLoop(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Name() string { return l.name }

// Submit queues fn for the loop goroutine. It reports false once the loop is
// closed, in which case fn never runs.
func (l *Loop) Submit(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// submitOrFail queues fn like Submit. When the loop is already closed,
// onError, if any, receives ErrLoopClosed on the calling goroutine instead.
func (l *Loop) submitOrFail(fn func(), onError func(error)) bool {
	if l.Submit(fn) {
		return true
	}
	if onError != nil {
		onError(ErrLoopClosed)
	}
	return false
}

// Close stops accepting work. Functions already queued still run; Done is
// closed after the last of them returns. Close never blocks, so it is safe to
// call from a callback running on the loop itself.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			closed := l.closed
			l.mu.Unlock()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, fn := range batch {
				l.invoke(fn)
			}
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			obs.ErrorsTotal.WithLabelValues("reactor.panic").Inc()
			obs.Error("reactor.callback_panic", obs.Fields{"loop": l.name, "panic": r})
		}
	}()
	fn()
}
