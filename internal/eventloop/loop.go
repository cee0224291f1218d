// Package eventloop confines playback state to a single goroutine.
// Timers and asynchronous results are delivered back onto that goroutine as posted
// functions, so code running on the loop never needs locks.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the timer was still pending.
	// Must be called from the loop.
	Stop() bool
}

// Scheduler is what loop-confined code uses to defer work.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Post queues fn to run on the loop.
	Post(fn func())
	// Go runs fn off the loop (blocking I/O). If fn returns a non-nil continuation it is posted.
	Go(fn func() func())
}

// Loop is the real Scheduler: one goroutine draining an unbounded FIFO of functions.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	bg     sync.WaitGroup
}

// New returns a Loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

// Post queues fn. Posting to a stopped loop drops fn.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Go(fn func() func()) {
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		if cont := fn(); cont != nil {
			l.Post(cont)
		}
	}()
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.fired.Load() || t.stopped.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// A Stop between expiry and this point still wins.
			if lt.stopped.Load() {
				return
			}
			lt.fired.Store(true)
			fn()
		})
	})
	return lt
}

// Run drains the queue until ctx is done or Stop is called. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop asks Run to return after the functions already queued have run,
// then waits for Run and for outstanding Go calls. Run must have been started.
func (l *Loop) Stop() {
	l.shutdown()
	<-l.done
	l.bg.Wait()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
