// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/splicerelay/lib/clock"
)

// DialPolicy bounds how hard a Dialer tries to reach an address.
type DialPolicy struct {
	// Timeout limits each connection attempt.
	Timeout time.Duration

	// Retries is the number of attempts after the first. Zero means a
	// single attempt.
	Retries int

	// MinInterval and MaxInterval bound the backoff delay between
	// attempts. The delay doubles after every failure, with jitter.
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultDialPolicy returns the policy used when none is configured.
func DefaultDialPolicy() DialPolicy {
	return DialPolicy{
		Timeout:     5 * time.Second,
		Retries:     3,
		MinInterval: 100 * time.Millisecond,
		MaxInterval: 2 * time.Second,
	}
}

// Dialer connects to stream endpoints with retries.
type Dialer struct {
	Policy DialPolicy

	// Clock times the delay between attempts. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dial connects to address on network ("tcp" or "unix"). Failed
// attempts are retried up to Policy.Retries times. Cancelling ctx aborts
// both an attempt in progress and the wait before the next one.
func (d *Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}

	dialer := net.Dialer{Timeout: d.Policy.Timeout}
	delays := &backoff.Backoff{
		Min:    d.Policy.MinInterval,
		Max:    d.Policy.MaxInterval,
		Factor: 2,
		Jitter: true,
	}

	for {
		connection, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			return connection, nil
		}
		attempt := int(delays.Attempt()) + 1
		if ctx.Err() != nil {
			return nil, fmt.Errorf("netutil: dialing %s %s: %w", network, address, ctx.Err())
		}
		if attempt > d.Policy.Retries {
			return nil, fmt.Errorf("netutil: dialing %s %s after %d attempts: %w", network, address, attempt, err)
		}

		delay := delays.Duration()
		logger.Debug("dial failed, retrying",
			"network", network,
			"address", address,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		timer := clk.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("netutil: dialing %s %s: %w", network, address, ctx.Err())
		}
	}
}
