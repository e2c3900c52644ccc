// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/splicerelay/lib/clock"
	"github.com/bureau-foundation/splicerelay/lib/readiness"
	"github.com/bureau-foundation/splicerelay/lib/splice"
)

// Stats summarizes one session run.
type Stats struct {
	// AToB is the number of bytes delivered to endpoint b.
	AToB int64
	// BToA is the number of bytes delivered to endpoint a.
	BToA    int64
	Elapsed time.Duration
}

// Session relays bytes between two endpoint descriptors until one side
// finishes or fails. A Session may be reused for consecutive runs but
// not for concurrent ones.
type Session struct {
	// Scheduler delivers readiness callbacks. Required.
	Scheduler readiness.Scheduler

	// ChunkSize is the length passed to each splice call. Defaults to
	// splice.DefaultChunkSize.
	ChunkSize int

	// Flags are passed to each splice call. Defaults to
	// splice.DefaultFlags.
	Flags int

	// Clock times destination write waits. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Test hooks. Nil means the splice package implementation.
	transfer        TransferFunc
	pending         func(fd int) (int, error)
	newPipe         func() (splice.Pipe, error)
	closeDescriptor func(fd int) error

	mu    sync.Mutex
	stats Stats
}

// Proxy relays between two connections with a default Session. Both
// connections must stay open until Proxy returns; closing them is the
// caller's job.
func Proxy(ctx context.Context, scheduler readiness.Scheduler, a, b syscall.Conn) error {
	session := &Session{Scheduler: scheduler}
	return session.ProxyConns(ctx, a, b)
}

// ProxyConns runs the session on the descriptors underlying a and b.
func (s *Session) ProxyConns(ctx context.Context, a, b syscall.Conn) error {
	descriptorA, err := descriptor(a)
	if err != nil {
		return fmt.Errorf("relay: endpoint a: %w", err)
	}
	descriptorB, err := descriptor(b)
	if err != nil {
		return fmt.Errorf("relay: endpoint b: %w", err)
	}
	return s.Run(ctx, descriptorA, descriptorB)
}

// Stats returns the counters of the most recent run.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run relays between descriptors a and b and returns once every pump
// has stopped and the session's pipes are closed. It returns nil when a
// side reached end-of-stream, the first pump failure otherwise, or
// ctx.Err() when ctx was cancelled first.
func (s *Session) Run(ctx context.Context, a, b int) error {
	if err := splice.Available(); err != nil {
		return err
	}
	if s.Scheduler == nil {
		return errors.New("relay: Session.Scheduler is required")
	}
	if a == b {
		return fmt.Errorf("%w: fd %d", ErrSameEndpoint, a)
	}
	for _, fd := range []int{a, b} {
		nonblocking, err := splice.IsNonblocking(fd)
		if err != nil {
			return fmt.Errorf("relay: checking endpoint: %w", err)
		}
		if !nonblocking {
			return fmt.Errorf("%w: fd %d", ErrBlockingEndpoint, fd)
		}
	}

	logger := s.logger().With("endpoint_a", a, "endpoint_b", b)

	forward, err := s.makePipe()
	if err != nil {
		return err
	}
	backward, err := s.makePipe()
	if err != nil {
		s.closePipes(logger, forward)
		return err
	}
	defer s.closePipes(logger, forward, backward)

	logger.Debug("relay starting",
		"forward_pipe", []int{forward.Write, forward.Read},
		"backward_pipe", []int{backward.Write, backward.Read},
	)

	started := s.clock().Now()
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	waiter := readiness.NewWaiter(s.Scheduler, logger)
	forwardDrain := make(chan struct{})
	backwardDrain := make(chan struct{})
	pumps := []*Pump{
		s.newPump(logger, waiter, "a->pipe", a, forward.Write, nil),
		s.newPump(logger, waiter, "pipe->b", forward.Read, b, forwardDrain),
		s.newPump(logger, waiter, "b->pipe", b, backward.Write, nil),
		s.newPump(logger, waiter, "pipe->a", backward.Read, a, backwardDrain),
	}
	// End-of-stream on an endpoint only drains the pipe it feeds.
	drains := map[*Pump]chan struct{}{
		pumps[0]: forwardDrain,
		pumps[2]: backwardDrain,
	}

	type pumpResult struct {
		pump *Pump
		err  error
	}
	results := make(chan pumpResult, len(pumps))
	for _, pump := range pumps {
		go func() {
			results <- pumpResult{pump: pump, err: pump.Run(pumpCtx)}
		}()
	}

	remaining := len(pumps)
	var first pumpResult
	var cancelledFirst bool
	for {
		result := <-results
		remaining--
		drain, upstream := drains[result.pump]
		if upstream && result.err == nil && pumpCtx.Err() == nil {
			logger.Debug("end of stream, draining pipe", "pump", result.pump.Name())
			close(drain)
			continue
		}
		first = result
		cancelledFirst = pumpCtx.Err() != nil
		break
	}

	cancel()
	for ; remaining > 0; remaining-- {
		result := <-results
		if result.err != nil {
			logger.Debug("discarding error from cancelled pump",
				"pump", result.pump.Name(),
				"error", result.err,
			)
		}
	}

	stats := Stats{
		AToB:    pumps[1].Transferred(),
		BToA:    pumps[3].Transferred(),
		Elapsed: s.clock().Now().Sub(started),
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()

	logger.Debug("relay finished",
		"first_pump", first.pump.Name(),
		"a_to_b", humanize.IBytes(uint64(stats.AToB)),
		"b_to_a", humanize.IBytes(uint64(stats.BToA)),
		"elapsed", stats.Elapsed,
	)

	if first.err != nil {
		return first.err
	}
	// A pump that stopped because the caller cancelled reports no error
	// of its own. Cancellation that arrives after a clean end of stream
	// does not change the outcome.
	if cancelledFirst {
		return ctx.Err()
	}
	return nil
}

func (s *Session) newPump(logger *slog.Logger, waiter *readiness.Waiter, name string, source, destination int, drain <-chan struct{}) *Pump {
	pump := &Pump{
		name:        name,
		source:      source,
		destination: destination,
		chunkSize:   s.ChunkSize,
		flags:       s.Flags,
		drain:       drain,
		waiter:      waiter,
		transfer:    s.transfer,
		pending:     s.pending,
		clock:       s.clock(),
		logger:      logger.With("pump", name, "source_fd", source, "destination_fd", destination),
	}
	if pump.chunkSize <= 0 {
		pump.chunkSize = splice.DefaultChunkSize
	}
	if pump.flags == 0 {
		pump.flags = splice.DefaultFlags
	}
	if pump.transfer == nil {
		pump.transfer = splice.Transfer
	}
	if pump.pending == nil {
		pump.pending = splice.Pending
	}
	return pump
}

func (s *Session) makePipe() (splice.Pipe, error) {
	if s.newPipe != nil {
		return s.newPipe()
	}
	return splice.NewPipe()
}

// closePipes closes every end of every pipe once. Failures are logged;
// the session outcome is already decided.
func (s *Session) closePipes(logger *slog.Logger, pipes ...splice.Pipe) {
	closeDescriptor := s.closeDescriptor
	if closeDescriptor == nil {
		closeDescriptor = splice.CloseDescriptor
	}
	var errs []error
	for _, pipe := range pipes {
		errs = append(errs, closeDescriptor(pipe.Read), closeDescriptor(pipe.Write))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("closing relay pipes", "error", err)
	}
}

func (s *Session) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.Real()
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// descriptor extracts the descriptor behind conn. The descriptor stays
// valid only while conn is open.
func descriptor(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return -1, err
	}
	return fd, nil
}
