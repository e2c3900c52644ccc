// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package readiness

import (
	"errors"
	"sync"
)

var errFakeClosed = errors.New("fake scheduler closed")

type registration struct {
	fd        int
	direction Direction
}

// fakeScheduler is a Scheduler whose queue only runs when the test says
// so: Step runs one tick (everything queued before the call), Fire
// invokes a registered callback the way an epoll dispatch would.
type fakeScheduler struct {
	mu        sync.Mutex
	queue     []func()
	callbacks map[registration]func()
	adds      map[registration]int
	removes   map[registration]int
	addErr    error
	removeErr error
	closed    bool
	done      chan struct{}
	kick      chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		callbacks: make(map[registration]func()),
		adds:      make(map[registration]int),
		removes:   make(map[registration]int),
		done:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
}

func (s *fakeScheduler) AddReadable(fd int, callback func()) error {
	return s.add(registration{fd, Readable}, callback)
}

func (s *fakeScheduler) AddWritable(fd int, callback func()) error {
	return s.add(registration{fd, Writable}, callback)
}

func (s *fakeScheduler) RemoveReadable(fd int) error {
	return s.remove(registration{fd, Readable})
}

func (s *fakeScheduler) RemoveWritable(fd int) error {
	return s.remove(registration{fd, Writable})
}

func (s *fakeScheduler) add(key registration, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.adds[key]++
	s.callbacks[key] = callback
	return nil
}

func (s *fakeScheduler) remove(key registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes[key]++
	delete(s.callbacks, key)
	return s.removeErr
}

func (s *fakeScheduler) CallSoon(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errFakeClosed
	}
	s.queue = append(s.queue, fn)
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeScheduler) Done() <-chan struct{} { return s.done }

// Step runs everything queued before the call, in order.
func (s *fakeScheduler) Step() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// Fire invokes the callback registered for (fd, direction), if any, and
// reports whether there was one.
func (s *fakeScheduler) Fire(fd int, direction Direction) bool {
	s.mu.Lock()
	callback := s.callbacks[registration{fd, direction}]
	s.mu.Unlock()
	if callback == nil {
		return false
	}
	callback()
	return true
}

func (s *fakeScheduler) registered(fd int, direction Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.callbacks[registration{fd, direction}]
	return ok
}

func (s *fakeScheduler) counts(fd int, direction Direction) (adds, removes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := registration{fd, direction}
	return s.adds[key], s.removes[key]
}

// Run steps the queue on its own goroutine whenever work arrives, which
// makes the fake behave like a live single-goroutine loop. It returns a
// stop function that closes the scheduler.
func (s *fakeScheduler) Run() (stop func()) {
	stopped := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-s.kick:
				s.Step()
			case <-stopped:
				return
			}
		}
	}()
	return func() {
		close(stopped)
		<-finished
		s.Close()
	}
}

// Close stops accepting work and closes Done. Queued work is dropped.
func (s *fakeScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
