// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that a wedged goroutine fails the test instead of hanging
// it. They are the only place tests touch real wall-clock timeouts;
// everything else that depends on time goes through lib/clock.
//
// [SocketPair] returns two connected Unix stream sockets as net.Conn
// values that also implement syscall.Conn, which is what the relay
// needs for endpoints. [SocketDir] returns a short directory for Unix
// socket files (sun_path is limited to 108 bytes, which t.TempDir can
// exceed). [Payload] produces deterministic test data whose period never
// lines up with power-of-two buffer sizes.
//
// All helpers call t.Fatalf on failure.
package testutil
