// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package loop provides a single-threaded executor for protocol state machines.
//
// Every callback posted to a Loop, and every timer armed on it, runs on the
// goroutine that drives the loop. State owned by code running on the loop
// therefore needs no locking. Timers are typed handles that can be stopped or
// re-armed; a stopped timer never fires.
package loop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Loop serializes posted callbacks and timer expiries onto one goroutine
type Loop struct {
	clock clockwork.Clock

	mu     sync.Mutex
	queue  []func()
	timers timerHeap
	seq    uint64
	wake   chan struct{}
}

// New creates a loop driven by the given clock.
// A nil clock selects the real wall clock.
func New(clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the clock driving the loop's timers
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Now returns the loop clock's current time
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc arms a timer that runs fn on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, index: -1}
	t.Reset(d)
	return t
}

// NewTimer creates a timer for fn that is not armed until Reset is called
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn, index: -1}
}

// RunPending runs every queued callback and every timer that is due, including
// work queued by those callbacks, and returns the number of callbacks run.
// It never blocks waiting for new work.
func (l *Loop) RunPending() int {
	count := 0
	for {
		fn := l.next()
		if fn == nil {
			return count
		}
		fn()
		count++
	}
}

// next pops the next runnable callback: queued work first, then due timers
func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		return fn
	}

	if len(l.timers) > 0 && !l.timers[0].deadline.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.fn
	}
	return nil
}

// nextDeadline returns the earliest armed deadline
func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}

// Run drives the loop until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if deadline, ok := l.nextDeadline(); ok {
			timer = l.clock.NewTimer(deadline.Sub(l.clock.Now()))
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Timer is a cancellable one-shot callback armed on a Loop
type Timer struct {
	loop     *Loop
	fn       func()
	deadline time.Time
	seq      uint64 // arming order, breaks deadline ties
	index    int    // position in the heap, -1 when not armed
}

// Reset re-arms the timer to fire d from now, replacing any pending expiry
func (t *Timer) Reset(d time.Duration) {
	l := t.loop
	l.mu.Lock()
	t.deadline = l.clock.Now().Add(d)
	l.seq++
	t.seq = l.seq
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
	} else {
		heap.Push(&l.timers, t)
	}
	l.mu.Unlock()
	l.signal()
}

// Stop disarms the timer. It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Armed reports whether the timer is waiting to fire
func (t *Timer) Armed() bool {
	if t == nil {
		return false
	}
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.index >= 0
}

// Deadline returns the time the timer is armed for
func (t *Timer) Deadline() time.Time {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.deadline
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
