// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxEventsPerWait = 64

// Loop is an epoll event loop. Create it with New, run it with Run.
type Loop struct {
	logger *slog.Logger
	epoll  int
	wake   int

	mu     sync.Mutex
	queue  []func()
	closed bool

	// Touched only on the loop goroutine.
	handlers map[int]*descriptorHandlers

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type descriptorHandlers struct {
	readable func()
	writable func()
	mask     uint32
}

func (h *descriptorHandlers) wantedMask() uint32 {
	var mask uint32
	if h.readable != nil {
		mask |= unix.EPOLLIN
	}
	if h.writable != nil {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// New creates a loop. A nil logger means slog.Default().
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}

	epoll, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: creating epoll instance: %w", err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epoll)
		return nil, fmt.Errorf("eventloop: creating wakeup eventfd: %w", err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake)}
	if err := unix.EpollCtl(epoll, unix.EPOLL_CTL_ADD, wake, &event); err != nil {
		unix.Close(wake)
		unix.Close(epoll)
		return nil, fmt.Errorf("eventloop: registering wakeup eventfd: %w", err)
	}

	return &Loop{
		logger:   logger,
		epoll:    epoll,
		wake:     wake,
		handlers: make(map[int]*descriptorHandlers),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run executes the loop on the calling goroutine until ctx is cancelled
// or Close is called. Queued functions that have not run by then are
// dropped. Run on a closed loop returns nil at once; otherwise Run may be
// called at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		select {
		case <-l.stop:
			return nil
		default:
		}
		return errors.New("eventloop: Run called on a loop that is already running or has run")
	}
	defer l.shutdown()

	stopWakeup := context.AfterFunc(ctx, l.wakeup)
	defer stopWakeup()

	l.logger.Debug("event loop started", "epoll_fd", l.epoll)

	events := make([]unix.EpollEvent, maxEventsPerWait)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		default:
		}

		l.runQueued()

		timeout := -1
		if l.hasQueued() {
			timeout = 0
		}
		count, err := unix.EpollWait(l.epoll, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for _, event := range events[:count] {
			fd := int(event.Fd)
			if fd == l.wake {
				l.drainWakeup()
				continue
			}
			l.dispatch(fd, event.Events)
		}
	}
}

// Close stops the loop and waits for Run to return. If Run was never
// called, Close releases the loop's descriptors itself. Close is
// idempotent.
func (l *Loop) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wakeup()
	if l.started.CompareAndSwap(false, true) {
		l.shutdown()
		return
	}
	<-l.done
}

// Done is closed once the loop has stopped and released its descriptors.
func (l *Loop) Done() <-chan struct{} { return l.done }

// CallSoon queues fn to run on the loop goroutine after everything
// queued before it. Safe to call from any goroutine, including the loop
// itself.
func (l *Loop) CallSoon(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	wasEmpty := len(l.queue) == 0
	l.queue = append(l.queue, fn)
	if wasEmpty {
		l.signalLocked()
	}
	return nil
}

// AddReadable registers callback to run each time fd is readable,
// replacing any previous readable callback. Loop goroutine only.
func (l *Loop) AddReadable(fd int, callback func()) error {
	return l.add(fd, callback, true)
}

// AddWritable registers callback to run each time fd is writable,
// replacing any previous writable callback. Loop goroutine only.
func (l *Loop) AddWritable(fd int, callback func()) error {
	return l.add(fd, callback, false)
}

// RemoveReadable drops the readable callback for fd, if any. Loop
// goroutine only.
func (l *Loop) RemoveReadable(fd int) error {
	return l.remove(fd, true)
}

// RemoveWritable drops the writable callback for fd, if any. Loop
// goroutine only.
func (l *Loop) RemoveWritable(fd int) error {
	return l.remove(fd, false)
}

// Registered reports which callbacks are installed for fd. Loop
// goroutine only.
func (l *Loop) Registered(fd int) (readable, writable bool) {
	handlers := l.handlers[fd]
	if handlers == nil {
		return false, false
	}
	return handlers.readable != nil, handlers.writable != nil
}

func (l *Loop) add(fd int, callback func(), readable bool) error {
	if callback == nil {
		return fmt.Errorf("eventloop: nil callback for fd %d", fd)
	}
	handlers := l.handlers[fd]
	if handlers == nil {
		handlers = &descriptorHandlers{}
		l.handlers[fd] = handlers
	}

	previous := handlers.writable
	if readable {
		previous = handlers.readable
		handlers.readable = callback
	} else {
		handlers.writable = callback
	}

	if err := l.apply(fd, handlers); err != nil {
		if readable {
			handlers.readable = previous
		} else {
			handlers.writable = previous
		}
		if handlers.wantedMask() == 0 {
			delete(l.handlers, fd)
		}
		return err
	}
	return nil
}

func (l *Loop) remove(fd int, readable bool) error {
	handlers := l.handlers[fd]
	if handlers == nil {
		return nil
	}
	if readable {
		handlers.readable = nil
	} else {
		handlers.writable = nil
	}

	err := l.apply(fd, handlers)
	if err != nil && isGone(err) {
		// The kernel dropped fd from the interest set when it was
		// closed; nothing is left to remove.
		delete(l.handlers, fd)
		return nil
	}
	return err
}

// apply brings the epoll interest for fd in line with handlers.
func (l *Loop) apply(fd int, handlers *descriptorHandlers) error {
	wanted := handlers.wantedMask()
	if wanted == handlers.mask {
		return nil
	}

	if wanted == 0 {
		delete(l.handlers, fd)
		handlers.mask = 0
		if err := unix.EpollCtl(l.epoll, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("eventloop: removing fd %d: %w", fd, err)
		}
		return nil
	}

	event := unix.EpollEvent{Events: wanted, Fd: int32(fd)}
	operation := unix.EPOLL_CTL_ADD
	if handlers.mask != 0 {
		operation = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(l.epoll, operation, fd, &event)
	switch {
	case err == unix.ENOENT && operation == unix.EPOLL_CTL_MOD:
		// fd was closed and reopened under the same number since we
		// last registered it.
		err = unix.EpollCtl(l.epoll, unix.EPOLL_CTL_ADD, fd, &event)
	case err == unix.EEXIST && operation == unix.EPOLL_CTL_ADD:
		err = unix.EpollCtl(l.epoll, unix.EPOLL_CTL_MOD, fd, &event)
	}
	if err != nil {
		return fmt.Errorf("eventloop: registering fd %d: %w", fd, err)
	}
	handlers.mask = wanted
	return nil
}

func (l *Loop) dispatch(fd int, events uint32) {
	const failure = unix.EPOLLHUP | unix.EPOLLERR

	if handlers := l.handlers[fd]; handlers != nil && handlers.readable != nil &&
		events&(unix.EPOLLIN|unix.EPOLLRDHUP|failure) != 0 {
		handlers.readable()
	}
	// The readable callback may have changed the registration.
	if handlers := l.handlers[fd]; handlers != nil && handlers.writable != nil &&
		events&(unix.EPOLLOUT|failure) != 0 {
		handlers.writable()
	}
}

func (l *Loop) runQueued() {
	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
}

func (l *Loop) hasQueued() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

func (l *Loop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signalLocked()
}

// signalLocked bumps the eventfd counter. Must hold l.mu; checking
// closed under the lock keeps us from writing to a recycled descriptor.
func (l *Loop) signalLocked() {
	if l.closed {
		return
	}
	var buffer [8]byte
	binary.NativeEndian.PutUint64(buffer[:], 1)
	// EAGAIN means the counter is saturated, which still wakes the loop.
	_, _ = unix.Write(l.wake, buffer[:])
}

func (l *Loop) drainWakeup() {
	var buffer [8]byte
	_, _ = unix.Read(l.wake, buffer[:])
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	unix.Close(l.wake)
	unix.Close(l.epoll)
	l.handlers = nil
	l.logger.Debug("event loop stopped", "dropped_calls", dropped)
	close(l.done)
}

// isGone reports whether err means the descriptor is no longer in the
// interest set because it was closed.
func isGone(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT)
}
