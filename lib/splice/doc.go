// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package splice wraps the Linux splice(2) system call and the pipe
// plumbing it requires.
//
// splice moves up to len bytes between two descriptors without copying
// them through user space. One side of every call must be a pipe, so
// relaying between two sockets always goes socket -> pipe -> socket.
// [NewPipe] creates such an intermediate pipe with both ends
// non-blocking and close-on-exec.
//
// [Transfer] is the form used by the relay: no offsets, EINTR retried,
// every other failure returned as a [syscall.Errno]. [IsWouldBlock]
// singles out EAGAIN, the only error a caller is expected to retry
// after waiting for readiness. A return of 0 bytes means the source
// reached end-of-stream.
//
// On platforms without splice, [Available] returns [ErrUnsupported] and
// every operation fails with it. There is no copying fallback; callers
// are expected to check Available at startup and refuse to run.
package splice
