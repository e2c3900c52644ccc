// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/splicerelay/lib/clock"
	"github.com/bureau-foundation/splicerelay/lib/readiness"
	"github.com/bureau-foundation/splicerelay/lib/splice"
)

// WriteTimeout bounds each wait for a full destination to accept bytes
// again. A destination that stays full this long fails the pump.
const WriteTimeout = 2500 * time.Millisecond

// PumpState is the position of a pump in its loop.
type PumpState int32

const (
	// Waiting for the source to become readable.
	Waiting PumpState = iota
	// Transferring inside a splice call.
	Transferring
	// Retrying after the destination reported it was full.
	Retrying
	// Done after end-of-stream, a drained pipe or cancellation.
	Done
	// Failed after an error. The error is the pump's return value.
	Failed
)

func (s PumpState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Transferring:
		return "transferring"
	case Retrying:
		return "retrying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransferFunc moves up to length bytes from source to destination.
// splice.Transfer is the production implementation.
type TransferFunc func(source, destination, length, flags int) (int64, error)

// Pump relays one direction of one hop: from Source into Destination,
// chunk by chunk, until end-of-stream, failure or cancellation. Pumps
// are created and run by a Session.
type Pump struct {
	name        string
	source      int
	destination int
	chunkSize   int
	flags       int

	// drain is closed by the session once the pump feeding source has
	// reached end-of-stream. Nil for pumps reading an endpoint.
	drain <-chan struct{}

	waiter   *readiness.Waiter
	transfer TransferFunc
	pending  func(fd int) (int, error)
	clock    clock.Clock
	logger   *slog.Logger

	state       atomic.Int32
	transferred atomic.Int64
}

// Name identifies the hop, for example "pipe->b".
func (p *Pump) Name() string { return p.name }

// State returns the pump's current state.
func (p *Pump) State() PumpState { return PumpState(p.state.Load()) }

// Transferred returns the number of bytes the pump has moved so far.
func (p *Pump) Transferred() int64 { return p.transferred.Load() }

func (p *Pump) setState(state PumpState) { p.state.Store(int32(state)) }

// Run drives the pump until it reaches Done (nil) or Failed (a
// *PumpError). Cancelling ctx is only observed while the pump waits for
// readiness and is reported as Done.
func (p *Pump) Run(ctx context.Context) error {
	for {
		p.setState(Waiting)
		drained, err := p.awaitReadable(ctx)
		if err != nil {
			if cancelled(ctx, err) {
				p.logger.Debug("pump cancelled")
				p.setState(Done)
				return nil
			}
			return p.fail(err)
		}
		if drained {
			p.logger.Debug("pipe drained", "bytes", p.Transferred())
			p.setState(Done)
			return nil
		}

		moved, err := p.transferChunk(ctx)
		if err != nil {
			if cancelled(ctx, err) {
				p.logger.Debug("pump cancelled while retrying")
				p.setState(Done)
				return nil
			}
			return p.fail(err)
		}
		if moved == 0 {
			p.logger.Debug("end of stream", "bytes", p.Transferred())
			p.setState(Done)
			return nil
		}
		p.transferred.Add(moved)
	}
}

// transferChunk performs one transfer, retrying while the destination
// is full. Source readability is not re-checked between retries.
func (p *Pump) transferChunk(ctx context.Context) (int64, error) {
	for {
		p.setState(Transferring)
		moved, err := p.transfer(p.source, p.destination, p.chunkSize, p.flags)
		if err == nil {
			return moved, nil
		}
		if !splice.IsWouldBlock(err) {
			return 0, err
		}

		p.setState(Retrying)
		p.logger.Warn("destination not writable, waiting", "timeout", WriteTimeout)
		if err := p.awaitWritable(ctx); err != nil {
			return 0, err
		}
	}
}

func (p *Pump) awaitWritable(ctx context.Context) error {
	timer := p.clock.NewTimer(WriteTimeout)
	defer timer.Stop()

	err := p.waiter.WaitWritable(p.destination).Wait(ctx, timer.C)
	if errors.Is(err, readiness.ErrExpired) {
		return ErrWriteTimeout
	}
	return err
}

// awaitReadable waits for the source to become readable. It reports
// drained once the drain signal is set and the source pipe is empty;
// nothing more can arrive in that case.
func (p *Pump) awaitReadable(ctx context.Context) (drained bool, err error) {
	ticket := p.waiter.WaitReadable(p.source)
	if p.drain == nil {
		return false, ticket.Wait(ctx, nil)
	}

	drain := p.drain
	for {
		select {
		case <-ticket.Ready():
			return false, ticket.Err()
		case <-ctx.Done():
			return false, ticket.Wait(ctx, nil)
		case <-p.waiter.Done():
			return false, readiness.ErrSchedulerClosed
		case <-drain:
			buffered, err := p.pending(p.source)
			if err != nil {
				ticket.Cancel()
				ticket.AwaitCleanup()
				return false, err
			}
			if buffered > 0 {
				// Readiness fires for the remaining bytes.
				drain = nil
				continue
			}
			if !ticket.Cancel() {
				<-ticket.Ready()
				return false, ticket.Err()
			}
			ticket.AwaitCleanup()
			return true, nil
		}
	}
}

func (p *Pump) fail(err error) error {
	p.setState(Failed)
	p.logger.Debug("pump failed", "error", err)
	return &PumpError{
		Pump:        p.name,
		Source:      p.source,
		Destination: p.destination,
		Err:         err,
	}
}

func cancelled(ctx context.Context, err error) bool {
	cause := ctx.Err()
	return cause != nil && errors.Is(err, cause)
}
