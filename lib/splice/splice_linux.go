// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package splice

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Available reports whether splice can be used on this platform.
func Available() error { return nil }

// Splice wraps splice(2). A nil offset uses (and advances) the
// descriptor's own file position, which is the only mode sockets and
// pipes support. Interrupted calls are retried.
func Splice(source int, sourceOffset *int64, destination int, destinationOffset *int64, length int, flags int) (int64, error) {
	for {
		moved, err := unix.Splice(source, sourceOffset, destination, destinationOffset, length, flags)
		if err == unix.EINTR {
			continue
		}
		return moved, err
	}
}

// Transfer moves up to length bytes from source to destination. It
// returns 0 with a nil error when source is at end-of-stream.
func Transfer(source, destination, length, flags int) (int64, error) {
	return Splice(source, nil, destination, nil, length, flags)
}

// IsWouldBlock reports whether err means the non-blocking call could
// not make progress and should be retried once the descriptor is ready.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

// NewPipe creates a pipe with both ends non-blocking and close-on-exec.
func NewPipe() (Pipe, error) {
	var descriptors [2]int
	if err := unix.Pipe2(descriptors[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return Pipe{}, fmt.Errorf("splice: creating pipe: %w", err)
	}
	return Pipe{Read: descriptors[0], Write: descriptors[1]}, nil
}

// Close closes both ends of the pipe. Both closes are attempted even if
// the first fails.
func (p Pipe) Close() error {
	return errors.Join(unix.Close(p.Read), unix.Close(p.Write))
}

// CloseDescriptor closes a single descriptor.
func CloseDescriptor(fd int) error {
	return unix.Close(fd)
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("splice: setting fd %d non-blocking: %w", fd, err)
	}
	return nil
}

// IsNonblocking reports whether O_NONBLOCK is set on fd.
func IsNonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, fmt.Errorf("splice: reading flags of fd %d: %w", fd, err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// Pending returns the number of bytes buffered in a pipe (or a socket's
// receive queue) that have not been read yet. Linux names the FIONREAD
// request TIOCINQ.
func Pending(fd int) (int, error) {
	count, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("splice: querying buffered bytes of fd %d: %w", fd, err)
	}
	return count, nil
}
