// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package splice

import "errors"

// Flag values for the flags argument of splice(2), from bits/fcntl.h.
// They may be OR'ed together.
const (
	// FlagMove asks the kernel to move pages instead of copying them.
	// The kernel treats this as a hint.
	FlagMove = 0x1

	// FlagNonblock makes the call return EAGAIN instead of blocking on
	// the pipe. It does not change the blocking mode of the socket side,
	// which must be set on the descriptor itself.
	FlagNonblock = 0x2

	// FlagMore hints that more data will follow in a subsequent call.
	FlagMore = 0x4

	// FlagGift is only meaningful for vmsplice(2).
	FlagGift = 0x8

	// DefaultFlags is move plus non-blocking.
	DefaultFlags = FlagMove | FlagNonblock
)

// DefaultChunkSize is the upper bound on bytes requested per call. The
// kernel usually moves far less: at most one pipe's capacity.
const DefaultChunkSize = 64 << 20

// ErrUnsupported is returned on platforms without splice(2).
var ErrUnsupported = errors.New("splice: zero-copy transfer is not supported on this platform")

// Pipe is a kernel pipe used as the intermediate buffer between two
// non-pipe descriptors.
type Pipe struct {
	Read  int
	Write int
}
