// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/splicerelay/lib/clock"
	"github.com/bureau-foundation/splicerelay/lib/netutil"
	"github.com/bureau-foundation/splicerelay/lib/readiness"
	"github.com/bureau-foundation/splicerelay/relay"
)

// Bridge accepts TCP connections and relays each one to an upstream
// stream endpoint.
type Bridge struct {
	// ListenAddr is the TCP address to listen on (e.g. "127.0.0.1:8642").
	ListenAddr string

	// UpstreamNetwork is "tcp" or "unix". Defaults to "unix".
	UpstreamNetwork string

	// UpstreamAddress is the host:port or socket path to relay to.
	UpstreamAddress string

	// Scheduler runs readiness callbacks for every relay session.
	Scheduler readiness.Scheduler

	// ChunkSize and Flags are passed to every relay session. Zero
	// values select the relay defaults.
	ChunkSize int
	Flags     int

	// Dial governs upstream connection attempts. A zero policy makes a
	// single attempt without a timeout.
	Dial netutil.DialPolicy

	// Clock times dial backoff and relay write waits. Defaults to the
	// real clock.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events are logged at Debug level; relay
	// failures at Warn; lifecycle events at Info.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	connections sync.WaitGroup
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Bridge) upstreamNetwork() string {
	if b.UpstreamNetwork == "" {
		return "unix"
	}
	return b.UpstreamNetwork
}

// Start binds the TCP listener and begins accepting connections in the
// background. It returns an error if the bridge is misconfigured or the
// listener cannot be bound. The upstream is only dialed per connection,
// so it may come up after the bridge. The bridge runs until Stop is
// called or ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.ListenAddr == "" {
		return fmt.Errorf("bridge: ListenAddr is required")
	}
	if b.UpstreamAddress == "" {
		return fmt.Errorf("bridge: UpstreamAddress is required")
	}
	switch b.upstreamNetwork() {
	case "tcp", "unix":
	default:
		return fmt.Errorf("bridge: unsupported upstream network %q", b.UpstreamNetwork)
	}
	if b.Scheduler == nil {
		return fmt.Errorf("bridge: Scheduler is required")
	}

	listener, err := net.Listen("tcp", b.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", b.ListenAddr, err)
	}

	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("bridge started",
		"listen_addr", listener.Addr().String(),
		"upstream_network", b.upstreamNetwork(),
		"upstream_address", b.UpstreamAddress,
	)
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil if the bridge has not been started.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener, ends every in-flight relay and waits for the
// connection goroutines to finish. Calling Stop more than once is safe.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.listener != nil {
			b.listener.Close()
		}
	})
	b.Wait()
}

// Wait blocks until the bridge has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop accepts connections and relays them upstream. It waits for
// all in-flight connection goroutines to finish before returning, so
// that closing the done channel signals full quiescence.
func (b *Bridge) acceptLoop(ctx context.Context) {
	stopListening := context.AfterFunc(ctx, func() { b.listener.Close() })
	defer stopListening()

	var connectionCount int64
	for {
		connection, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.connections.Wait()
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		connectionCount++
		connectionID := connectionCount
		b.connections.Add(1)
		go func() {
			defer b.connections.Done()
			b.handleConnection(ctx, connection, connectionID)
		}()
	}
}

func (b *Bridge) handleConnection(ctx context.Context, downstream net.Conn, connectionID int64) {
	defer downstream.Close()

	logger := b.logger().With("connection_id", connectionID)
	logger.Debug("connection accepted",
		"remote_addr", downstream.RemoteAddr(),
	)

	dialer := &netutil.Dialer{Policy: b.Dial, Clock: b.Clock, Logger: logger}
	upstream, err := dialer.Dial(ctx, b.upstreamNetwork(), b.UpstreamAddress)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to connect upstream", "error", err)
		}
		return
	}
	defer upstream.Close()

	downstreamConn, ok := downstream.(syscall.Conn)
	if !ok {
		logger.Error("accepted connection exposes no descriptor", "type", fmt.Sprintf("%T", downstream))
		return
	}
	upstreamConn, ok := upstream.(syscall.Conn)
	if !ok {
		logger.Error("upstream connection exposes no descriptor", "type", fmt.Sprintf("%T", upstream))
		return
	}

	session := &relay.Session{
		Scheduler: b.Scheduler,
		ChunkSize: b.ChunkSize,
		Flags:     b.Flags,
		Clock:     b.Clock,
		Logger:    logger,
	}
	err = session.ProxyConns(ctx, downstreamConn, upstreamConn)
	stats := session.Stats()
	attributes := []any{
		"downstream_to_upstream", humanize.IBytes(uint64(stats.AToB)),
		"upstream_to_downstream", humanize.IBytes(uint64(stats.BToA)),
		"elapsed", stats.Elapsed,
	}
	switch {
	case err == nil:
		logger.Debug("connection closed", attributes...)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Debug("connection closed by shutdown", attributes...)
	case netutil.IsExpectedCloseError(err):
		logger.Debug("connection closed by peer", append(attributes, "error", err)...)
	default:
		logger.Warn("relay failed", append(attributes, "error", err)...)
	}
}
