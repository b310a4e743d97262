// Package eventloop provides the single-threaded cooperative scheduler the
// route-processing core dispatches on. Every table method, timer callback,
// and deferred teardown runs on the same goroutine, in the order it was
// posted; nothing in the core blocks on I/O or takes a lock.
package eventloop

import (
	"context"
	"time"
)

// Task is a unit of work posted to the loop. It runs to completion before
// the next task starts.
type Task func()

// Loop is a single-goroutine cooperative scheduler. Timers feed back into
// the same work queue via Post, so a callback registered with
// ScheduleOneOff still executes on the loop goroutine, never concurrently
// with anything else the loop is doing.
type Loop struct {
	work chan Task
}

// New creates a Loop with the given pending-work buffer size. A small
// buffer lets producers (timers, external feeds) enqueue without blocking
// under normal load; Run drains it strictly in order.
func New(buffer int) *Loop {
	return &Loop{work: make(chan Task, buffer)}
}

// Run drains the work queue until ctx is cancelled. It is meant to be
// called once, from the goroutine that owns the loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case task := <-l.work:
			task()
		case <-ctx.Done():
			return
		}
	}
}

// Post schedules fn to run on the loop as soon as it is reached, i.e. a
// zero-delay one-off timer. This is the idiom the core uses for deferred
// self-teardown: a table that decides it is done never unplumbs itself
// inside its own call frame, it posts the unplumb and returns.
func (l *Loop) Post(fn Task) {
	l.work <- fn
}

// ScheduleOneOff arranges for fn to run on the loop after d. Used for
// damping reuse timers and for breaking long walks (RibIn background
// deletion, DumpTable iteration, aggregate re-announcement) into bounded
// steps that yield control back to the loop between steps.
func (l *Loop) ScheduleOneOff(d time.Duration, fn Task) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// PostStep re-queues fn as the next step of a long-running walk. It is
// just Post under another name: the distinction is in the caller's
// intent (one bounded unit of a larger walk vs. a one-shot callback).
func (l *Loop) PostStep(fn Task) {
	l.Post(fn)
}
