package transport

import (
	"sync/atomic"

	"github.com/satindergrewal/duplex/internal/queue"
)

// Loop runs posted completions one at a time on whichever goroutine calls
// Run. All transport state touched by completions is therefore owned by
// that goroutine.
type Loop struct {
	jobs    *queue.Queue[func()]
	stopped atomic.Bool
}

func NewLoop() *Loop {
	return &Loop{jobs: queue.New[func()]()}
}

// Post schedules fn. It reports false once the loop no longer accepts work,
// in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	return l.jobs.Push(fn)
}

// Run executes jobs until the loop is released or stopped and the jobs
// already queued have run.
func (l *Loop) Run() {
	for {
		fn, ok := l.jobs.Pop()
		if !ok {
			return
		}
		fn()
	}
}

// Release drops the loop's keep-alive: Run returns once it is idle.
func (l *Loop) Release() {
	l.jobs.Shutdown()
}

// Stop refuses further posts and releases the loop. Jobs already queued
// still run so that every owned buffer reaches its completion.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.jobs.Shutdown()
}

// Pending is the number of jobs waiting to run.
func (l *Loop) Pending() int { return l.jobs.Len() }
