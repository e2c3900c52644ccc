// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrExpired is returned by Ticket.Wait when its expire channel
	// fires before the descriptor became ready.
	ErrExpired = errors.New("readiness: wait expired")

	// ErrSchedulerClosed is returned when the scheduler stopped before
	// the ticket resolved.
	ErrSchedulerClosed = errors.New("readiness: scheduler stopped")
)

// Scheduler is the event loop contract tickets need. The Add and Remove
// methods are only ever called from functions the scheduler itself runs
// (CallSoon functions and readiness callbacks).
type Scheduler interface {
	AddReadable(fd int, callback func()) error
	RemoveReadable(fd int) error
	AddWritable(fd int, callback func()) error
	RemoveWritable(fd int) error

	// CallSoon runs fn on the scheduler after all previously queued
	// functions. It may be called from any goroutine.
	CallSoon(fn func()) error

	// Done is closed once the scheduler has stopped for good.
	Done() <-chan struct{}
}

// Direction selects which readiness a ticket waits for.
type Direction int

const (
	Readable Direction = iota
	Writable
)

func (d Direction) String() string {
	switch d {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Waiter hands out tickets against one scheduler.
type Waiter struct {
	scheduler Scheduler
	logger    *slog.Logger
}

// NewWaiter returns a Waiter for scheduler. A nil logger means
// slog.Default().
func NewWaiter(scheduler Scheduler, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{scheduler: scheduler, logger: logger}
}

// WaitReadable returns a ticket that resolves once fd is readable.
func (w *Waiter) WaitReadable(fd int) *Ticket { return w.newTicket(fd, Readable) }

// WaitWritable returns a ticket that resolves once fd is writable.
func (w *Waiter) WaitWritable(fd int) *Ticket { return w.newTicket(fd, Writable) }

// Done is closed when the underlying scheduler stops.
func (w *Waiter) Done() <-chan struct{} { return w.scheduler.Done() }

type ticketState int

const (
	pending ticketState = iota
	resolved
	cancelled
)

// Ticket is a single-use readiness notification.
type Ticket struct {
	waiter    *Waiter
	fd        int
	direction Direction

	ready       chan struct{}
	cleaned     chan struct{}
	cleanupOnce sync.Once

	mu         sync.Mutex
	state      ticketState
	registered bool
	err        error
}

func (w *Waiter) newTicket(fd int, direction Direction) *Ticket {
	ticket := &Ticket{
		waiter:    w,
		fd:        fd,
		direction: direction,
		ready:     make(chan struct{}),
		cleaned:   make(chan struct{}),
	}
	if err := w.scheduler.CallSoon(ticket.register); err != nil {
		ticket.abort(fmt.Errorf("%w: %v", ErrSchedulerClosed, err))
	}
	return ticket
}

// FD returns the descriptor the ticket watches.
func (t *Ticket) FD() int { return t.fd }

// Direction returns the readiness the ticket waits for.
func (t *Ticket) Direction() Direction { return t.direction }

// Ready is closed when the ticket resolves, successfully or with the
// error reported by Err.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// Err returns the registration error of a resolved ticket, or nil.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel withdraws a pending ticket without resolving it and queues its
// cleanup. It returns false if the ticket had already resolved (or was
// already cancelled), in which case Ready is or will shortly be closed.
// Cancel does not wait; use AwaitCleanup for that.
func (t *Ticket) Cancel() bool {
	t.mu.Lock()
	if t.state != pending {
		t.mu.Unlock()
		return false
	}
	t.state = cancelled
	t.mu.Unlock()

	if err := t.waiter.scheduler.CallSoon(t.cleanup); err != nil {
		// Nothing can be registered on a stopped scheduler.
		t.cleanupOnce.Do(func() { close(t.cleaned) })
	}
	return true
}

// Cleaned is closed once the ticket's callback has been unregistered.
func (t *Ticket) Cleaned() <-chan struct{} { return t.cleaned }

// AwaitCleanup blocks until cleanup has run or the scheduler stopped.
// It must not be called from the scheduler's goroutine.
func (t *Ticket) AwaitCleanup() {
	select {
	case <-t.cleaned:
	case <-t.waiter.scheduler.Done():
	}
}

// Wait blocks until the ticket resolves, ctx is done, or expire fires
// (a nil expire never fires). Only a nil return means the descriptor is
// ready. On every other return the ticket has been cancelled and its
// cleanup has completed.
func (t *Ticket) Wait(ctx context.Context, expire <-chan time.Time) error {
	if err := ctx.Err(); err != nil {
		return t.abandon(err)
	}
	select {
	case <-t.ready:
		return t.Err()
	case <-ctx.Done():
		return t.abandon(ctx.Err())
	case <-expire:
		return t.abandon(ErrExpired)
	case <-t.waiter.scheduler.Done():
		return ErrSchedulerClosed
	}
}

// abandon cancels the ticket and returns cause once cleanup is done. If
// the ticket won the race and resolved first, its own result is returned.
func (t *Ticket) abandon(cause error) error {
	if !t.Cancel() {
		select {
		case <-t.ready:
			return t.Err()
		case <-t.waiter.scheduler.Done():
			return ErrSchedulerClosed
		}
	}
	t.AwaitCleanup()
	return cause
}

// register runs on the scheduler.
func (t *Ticket) register() {
	t.mu.Lock()
	if t.state != pending {
		// Cancelled before registration got its turn; the queued
		// cleanup has nothing to remove.
		t.mu.Unlock()
		return
	}

	var err error
	switch t.direction {
	case Readable:
		err = t.waiter.scheduler.AddReadable(t.fd, t.fire)
	default:
		err = t.waiter.scheduler.AddWritable(t.fd, t.fire)
	}
	if err != nil {
		t.state = resolved
		t.err = fmt.Errorf("readiness: waiting for fd %d to become %s: %w", t.fd, t.direction, err)
		t.mu.Unlock()
		t.cleanupOnce.Do(func() { close(t.cleaned) })
		close(t.ready)
		return
	}
	t.registered = true
	t.mu.Unlock()
}

// fire is the readiness callback; it runs on the scheduler.
func (t *Ticket) fire() {
	t.mu.Lock()
	if t.state != pending {
		t.mu.Unlock()
		return
	}
	t.state = resolved
	t.mu.Unlock()

	t.cleanup()
	close(t.ready)
}

// cleanup unregisters the callback. It runs on the scheduler, exactly
// once per ticket whichever of resolution and cancellation came first.
func (t *Ticket) cleanup() {
	t.cleanupOnce.Do(func() {
		t.mu.Lock()
		registered := t.registered
		t.registered = false
		t.mu.Unlock()

		if registered {
			var err error
			switch t.direction {
			case Readable:
				err = t.waiter.scheduler.RemoveReadable(t.fd)
			default:
				err = t.waiter.scheduler.RemoveWritable(t.fd)
			}
			if err != nil {
				t.waiter.logger.Debug("readiness cleanup failed",
					"fd", t.fd,
					"direction", t.direction.String(),
					"error", err,
				)
			}
		}
		close(t.cleaned)
	})
}

// abort resolves a ticket that could not be queued at all.
func (t *Ticket) abort(err error) {
	t.mu.Lock()
	t.state = resolved
	t.err = err
	t.mu.Unlock()
	t.cleanupOnce.Do(func() { close(t.cleaned) })
	close(t.ready)
}
