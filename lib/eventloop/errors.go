// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import "errors"

var (
	// ErrClosed is returned by CallSoon once the loop has stopped.
	ErrClosed = errors.New("eventloop: loop is closed")

	// ErrUnsupported is returned by New on platforms without epoll.
	ErrUnsupported = errors.New("eventloop: epoll is not available on this platform")
)
