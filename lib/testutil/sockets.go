// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/prep/socketpair"
)

// SocketPair returns two connected Unix stream sockets. Both are closed
// when the test completes; closing them earlier is fine.
func SocketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	first, second, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("creating socket pair: %v", err)
	}
	t.Cleanup(func() {
		first.Close()
		second.Close()
	})

	firstUnix, ok := first.(*net.UnixConn)
	if !ok {
		t.Fatalf("socket pair returned %T, want *net.UnixConn", first)
	}
	secondUnix, ok := second.(*net.UnixConn)
	if !ok {
		t.Fatalf("socket pair returned %T, want *net.UnixConn", second)
	}
	return firstUnix, secondUnix
}

// Descriptor returns the file descriptor behind conn. The descriptor
// stays valid only as long as conn is open.
func Descriptor(t *testing.T, conn syscall.Conn) int {
	t.Helper()
	raw, err := conn.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var descriptor int
	if err := raw.Control(func(fd uintptr) { descriptor = int(fd) }); err != nil {
		t.Fatalf("Control: %v", err)
	}
	return descriptor
}

// SocketDir creates a short-named temporary directory in /tmp for Unix
// socket files. It is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "splicerelay-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// Payload returns size bytes of deterministic data. The prime modulus
// keeps the pattern from lining up with power-of-two buffer boundaries,
// so losing or repeating a pipe-sized chunk changes the content.
func Payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
