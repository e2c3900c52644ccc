// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteTimeout means a destination stayed full for WriteTimeout
	// while a pump had bytes to move into it.
	ErrWriteTimeout = errors.New("relay: destination not writable before timeout")

	// ErrSameEndpoint rejects a session whose two endpoints are the
	// same descriptor.
	ErrSameEndpoint = errors.New("relay: both endpoints are the same descriptor")

	// ErrBlockingEndpoint rejects an endpoint without O_NONBLOCK. A
	// blocking descriptor would stall the splice call itself.
	ErrBlockingEndpoint = errors.New("relay: endpoint is in blocking mode")
)

// PumpError is the failure of one pump. It is the error a Session
// returns when a pump fails first.
type PumpError struct {
	// Pump names the hop, for example "a->pipe" or "pipe->b".
	Pump        string
	Source      int
	Destination int
	Err         error
}

func (e *PumpError) Error() string {
	return fmt.Sprintf("relay: pump %s (fd %d -> fd %d): %v", e.Pump, e.Source, e.Destination, e.Err)
}

func (e *PumpError) Unwrap() error { return e.Err }
