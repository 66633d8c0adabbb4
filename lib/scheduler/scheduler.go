// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs discrete, non-blocking units of work on a
// fixed pool of workers.  Asynchronous I/O completions resume by
// enqueueing an event; nothing in a worker blocks on I/O.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/textui"
)

// An Event is a unit of work.  Execute returns false if the event
// could not make progress yet and should be re-enqueued.
type Event interface {
	Execute(ctx context.Context) bool
}

// EventFunc adapts a plain function to an Event.
type EventFunc func(ctx context.Context) bool

// Execute implements Event.
func (fn EventFunc) Execute(ctx context.Context) bool { return fn(ctx) }

var ErrStopped = errors.New("scheduler is stopped")

type Scheduler struct {
	numWorkers int
	retryDelay time.Duration

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	stopped bool

	inFlight atomic.Int64
	panics   atomic.Int64
	cancel   context.CancelFunc
	grp      *dgroup.Group
	idleCond *sync.Cond
}

func New(numWorkers int) *Scheduler {
	if numWorkers < 1 {
		numWorkers = 1
	}
	s := &Scheduler{
		numWorkers: numWorkers,
		retryDelay: textui.Tunable(50 * time.Microsecond),
		wake:       make(chan struct{}, 1),
	}
	s.idleCond = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers.  They run until Stop is called or ctx
// is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.grp = dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := 0; i < s.numWorkers; i++ {
		s.grp.Go(fmt.Sprintf("worker-%d", i), s.worker)
	}
}

// Stop cancels the workers and waits for them to exit.  Events still
// queued are dropped.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.idleCond.Broadcast()
	s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	return s.grp.Wait()
}

// EnqueueEvent schedules ev; it never blocks.
func (s *Scheduler) EnqueueEvent(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.inFlight.Add(1)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Complete enqueues a call to cb(err); it is how I/O completions
// resume execution on a worker.
func (s *Scheduler) Complete(cb func(error), err error) {
	if cb == nil {
		return
	}
	s.EnqueueEvent(EventFunc(func(context.Context) bool {
		cb(err)
		return true
	}))
}

// Background runs fn on its own goroutine, counting it as in flight
// until it returns.  It is for blocking work (such as I/O) whose
// completion is delivered with Complete.
func (s *Scheduler) Background(fn func()) {
	s.inFlight.Add(1)
	go func() {
		defer s.finish()
		fn()
	}()
}

// Panics returns the number of events that panicked.
func (s *Scheduler) Panics() int64 { return s.panics.Load() }

// WaitIdle blocks until no event is queued or running.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.inFlight.Load() > 0 && !s.stopped && ctx.Err() == nil {
			s.idleCond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.idleCond.Broadcast()
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Scheduler) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	ev := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	if len(s.pending) > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return ev, true
}

func (s *Scheduler) finish() {
	if s.inFlight.Add(-1) == 0 {
		s.mu.Lock()
		s.idleCond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(ctx context.Context, ev Event) (done bool) {
	defer func() {
		if err := derror.PanicToError(recover()); err != nil {
			s.panics.Add(1)
			dlog.Errorf(ctx, "event %T panicked: %v", ev, err)
			done = true
		}
	}()
	return ev.Execute(ctx)
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}
		if s.run(ctx, ev) {
			s.finish()
			continue
		}
		// Re-enqueue after a short delay, without counting it twice.
		time.AfterFunc(s.retryDelay, func() {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				s.finish()
				return
			}
			s.pending = append(s.pending, ev)
			s.mu.Unlock()
			select {
			case s.wake <- struct{}{}:
			default:
			}
		})
	}
}

// Wait is a bridge for callers that are NOT running on a worker:
// it calls issue with a completion function and blocks until that
// completion fires (or ctx is done).
func Wait(ctx context.Context, issue func(done func(error))) error {
	ch := make(chan error, 1)
	issue(func(err error) {
		select {
		case ch <- err:
		default:
		}
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
