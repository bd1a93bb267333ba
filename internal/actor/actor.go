// Package actor runs closures on a single owning goroutine, so state
// reachable only from those closures needs no locking.
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped actor.
var ErrStopped = errors.New("actor: stopped")

// Actor owns a goroutine that executes submitted closures one at a time,
// in submission order. Closures must not call Do on their own actor.
type Actor struct {
	name  string
	inbox chan func()
	done  chan struct{}
	once  sync.Once
}

// New starts an actor. buffer bounds how many closures may be queued
// before Do and Post block.
func New(name string, buffer int) *Actor {
	a := &Actor{
		name:  name,
		inbox: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Actor) loop() {
	for {
		select {
		case fn := <-a.inbox:
			a.run(fn)
		case <-a.done:
			return
		}
	}
}

func (a *Actor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("actor: recovered panic", "actor", a.name, "panic", r)
		}
	}()
	fn()
}

// Do runs fn on the actor goroutine and waits until it has returned. If
// ctx ends before fn is queued, fn never runs.
func (a *Actor) Do(ctx context.Context, fn func()) error {
	if a.stopped() {
		return ErrStopped
	}
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case a.inbox <- wrapped:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Post queues fn without waiting for it to run.
func (a *Actor) Post(fn func()) error {
	if a.stopped() {
		return ErrStopped
	}
	select {
	case a.inbox <- fn:
		return nil
	case <-a.done:
		return ErrStopped
	}
}

// Stop ends the actor goroutine. Queued closures that have not started are
// discarded. Stop is idempotent.
func (a *Actor) Stop() {
	a.once.Do(func() { close(a.done) })
}

func (a *Actor) stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Done is closed once Stop has been called.
func (a *Actor) Done() <-chan struct{} { return a.done }
