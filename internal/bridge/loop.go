// Package bridge lets any goroutine hand work to a single cooperative
// execution loop that owns transport I/O.
//
// Tasks run one at a time on the goroutine that called Run. A task scheduled
// from inside the loop is queued behind the current task and runs on the same
// goroutine; a task scheduled from anywhere else is posted to the loop's
// inbox. Schedule never blocks the caller.
package bridge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLoopRunning is returned by Run when the loop already has an active
	// execution.
	ErrLoopRunning = errors.New("loop already running")

	// ErrLoopClosed is returned when scheduling onto a loop that has stopped.
	ErrLoopClosed = errors.New("loop closed")
)

// Task is a unit of work executed on the loop. ctx is the loop's context; it
// identifies the loop to nested Schedule calls.
type Task func(ctx context.Context)

type loopKey struct{}

// Loop is a single cooperative execution context.
type Loop struct {
	mu      sync.Mutex
	inbox   []Task
	local   []Task
	running bool
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// InLoop reports whether ctx belongs to a task currently executing on l.
func (l *Loop) InLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Schedule arranges for task to run on the loop. Called from a task on this
// loop, it queues task to run right after the current one. Called from any
// other goroutine, it posts task thread-safely and returns immediately.
func (l *Loop) Schedule(ctx context.Context, task Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	if l.InLoop(ctx) {
		l.local = append(l.local, task)
	} else {
		l.inbox = append(l.inbox, task)
	}
	l.mu.Unlock()

	// A goroutine spawned by a task carries the loop ctx too, so wake the
	// loop even for local work.
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes scheduled tasks on the calling goroutine until ctx is
// cancelled or Close is called. Tasks already posted when the loop stops are
// still run before Run returns. Only one Run may be active per loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrLoopRunning
	}
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()
	defer l.markDone()

	loopCtx := context.WithValue(ctx, loopKey{}, l)
	for {
		l.drain(loopCtx)

		select {
		case <-l.wake:
		case <-l.stop:
			l.shutdown(loopCtx)
			return nil
		case <-ctx.Done():
			l.shutdown(loopCtx)
			return ctx.Err()
		}
	}
}

func (l *Loop) shutdown(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.drain(ctx)
}

// drain runs inbox tasks, and any tasks they schedule locally, until both
// queues are empty.
func (l *Loop) drain(ctx context.Context) {
	for {
		l.mu.Lock()
		var next Task
		switch {
		case len(l.local) > 0:
			next = l.local[0]
			l.local[0] = nil
			l.local = l.local[1:]
		case len(l.inbox) > 0:
			next = l.inbox[0]
			l.inbox[0] = nil
			l.inbox = l.inbox[1:]
		}
		l.mu.Unlock()

		if next == nil {
			return
		}
		next(ctx)
	}
}

// Close stops the loop after the tasks already posted have run, and waits for
// Run to return. Close on a loop that was never run marks it closed and
// closes Done. It is safe to call more than once but must not be called from
// a task.
func (l *Loop) Close() {
	l.mu.Lock()
	running := l.running
	if !running {
		l.closed = true
	}
	l.mu.Unlock()

	if !running {
		l.markDone()
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Loop) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Done is closed when Run has returned, or when the loop was closed without
// ever running.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
