// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop is a single-goroutine epoll event loop that delivers
// descriptor readiness to callbacks.
//
// One goroutine calls [Loop.Run]. Everything the loop executes (readiness
// callbacks and functions passed to [Loop.CallSoon]) runs on that
// goroutine, one at a time, so state touched only from the loop needs no
// locking.
//
// CallSoon is the only method that may be called from any goroutine.
// It appends to a FIFO queue; the loop drains the queue at the start of
// every tick, and functions queued while a tick is running wait for the
// next one. Code that must be ordered relative to other loop work
// (registering interest in a descriptor, for example) goes through
// CallSoon and inherits that order.
//
// AddReadable, RemoveReadable, AddWritable and RemoveWritable must be
// called on the loop goroutine. The loop keeps at most one callback per
// descriptor per direction (adding replaces) and level-triggered epoll
// interest matching whatever is registered. EPOLLHUP and EPOLLERR are
// delivered to every registered direction so the next I/O attempt can
// observe the error. Removing interest in a descriptor that was already
// closed is not an error.
//
// The loop is Linux-only. On other platforms [New] returns
// [ErrUnsupported].
package eventloop
