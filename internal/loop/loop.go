package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRunning is returned when Run or Drain is called while the loop is
// already being driven by another goroutine.
var ErrRunning = errors.New("loop is already running")

// Loop is a cooperative, single-threaded task queue. Tasks run to completion
// one at a time on whichever goroutine drives the loop via Run or Drain.
// Blocking work is started with Go; its completion is posted back as a task,
// so state touched only from tasks never needs a lock.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	pending int // async operations started with Go that have not posted back

	wake    chan struct{}
	running atomic.Bool
	logger  zerolog.Logger
}

// New creates an idle loop
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: log.With().Str("component", "loop").Logger(),
	}
}

// Post schedules task to run on a later turn of the loop
func (l *Loop) Post(task func()) {
	if task == nil {
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	l.signal()
}

// Go runs work on its own goroutine. The function work returns, if any, is
// posted back to the loop. The loop counts the operation as pending until
// then, which is what lets Drain wait for in-flight I/O.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()

	go func() {
		var done func()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("Async operation panicked")
			}

			l.mu.Lock()
			if done != nil {
				l.queue = append(l.queue, done)
			}
			l.pending--
			l.mu.Unlock()

			l.signal()
		}()

		done = work()
	}()
}

// Pending reports the number of queued tasks and in-flight async operations
func (l *Loop) Pending() (tasks int, inflight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue), l.pending
}

// Run processes tasks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	return l.drive(ctx, false)
}

// Drain processes tasks until the queue is empty and no async operation is
// in flight, or until ctx is done.
func (l *Loop) Drain(ctx context.Context) error {
	return l.drive(ctx, true)
}

func (l *Loop) drive(ctx context.Context, untilIdle bool) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, idle := l.next()
		if task != nil {
			l.exec(task)
			continue
		}

		if untilIdle && idle {
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// next pops the oldest task. idle is true when there is nothing queued and
// nothing in flight.
func (l *Loop) next() (task func(), idle bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, l.pending == 0
	}

	task = l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, false
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
		}
	}()

	task()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
