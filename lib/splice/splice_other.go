// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package splice

// Available reports whether splice can be used on this platform.
func Available() error { return ErrUnsupported }

// Splice always fails with ErrUnsupported.
func Splice(source int, sourceOffset *int64, destination int, destinationOffset *int64, length int, flags int) (int64, error) {
	return 0, ErrUnsupported
}

// Transfer always fails with ErrUnsupported.
func Transfer(source, destination, length, flags int) (int64, error) {
	return 0, ErrUnsupported
}

// IsWouldBlock is always false: nothing here can block.
func IsWouldBlock(err error) bool { return false }

// NewPipe always fails with ErrUnsupported.
func NewPipe() (Pipe, error) { return Pipe{}, ErrUnsupported }

// Close is a no-op; no pipe can exist on this platform.
func (p Pipe) Close() error { return nil }

// CloseDescriptor always fails with ErrUnsupported.
func CloseDescriptor(fd int) error { return ErrUnsupported }

// SetNonblock always fails with ErrUnsupported.
func SetNonblock(fd int) error { return ErrUnsupported }

// IsNonblocking always fails with ErrUnsupported.
func IsNonblocking(fd int) (bool, error) { return false, ErrUnsupported }

// Pending always fails with ErrUnsupported.
func Pending(fd int) (int, error) { return 0, ErrUnsupported }
