package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// States of a task posted by call.
const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

// loop serializes every mutation of player state onto one goroutine. Timers,
// narration callbacks and API calls post closures instead of taking locks
// across fetch I/O or plugin code.
type loop struct {
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newLoop(log *slog.Logger) *loop {
	l := &loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues f. It reports false once the loop is closed.
func (l *loop) post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	l.signal()
	return true
}

// call runs f on the loop and waits for it. It must not be used from the
// loop goroutine itself. A task whose caller gave up before the loop reached
// it is skipped, so f either runs and call returns nil, or f never runs.
func (l *loop) call(ctx context.Context, f func()) error {
	var state atomic.Int32
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		if ctx.Err() != nil {
			state.CompareAndSwap(taskPending, taskCancelled)
		}
		if !state.CompareAndSwap(taskPending, taskRunning) {
			return
		}
		f()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		if state.CompareAndSwap(taskPending, taskCancelled) {
			return ctx.Err()
		}
		<-done
	case <-l.done:
		select {
		case <-done:
		default:
			return ErrClosed
		}
	}
	if state.Load() == taskCancelled {
		return ctx.Err()
	}
	return nil
}

// close drains queued work and stops the loop.
func (l *loop) close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()
	if !already {
		l.signal()
	}
	<-l.done
}

func (l *loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-l.wake
			continue
		}
		for _, f := range batch {
			l.exec(f)
		}
	}
}

func (l *loop) exec(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("player task panicked", slog.String("error", fmt.Sprint(rec)))
		}
	}()
	f()
}
