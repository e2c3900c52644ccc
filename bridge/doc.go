// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge exposes the splice relay as a TCP service.
//
// [Bridge] listens on a TCP address and, for every accepted connection,
// dials a configured upstream (a TCP address or a Unix socket path) and
// relays bytes between the two with a [relay.Session]. Payload bytes
// never enter user space: the session splices them through kernel
// pipes, driven by a shared event loop.
//
// Upstream dials are retried with jittered exponential backoff as
// described by a [netutil.DialPolicy], so the bridge can start before
// its upstream does.
//
// The relay ends as soon as either side reaches end-of-stream, after the
// bytes already sent by that side have been delivered. A half-close
// therefore does not keep the opposite direction open: both connections
// are closed when the session ends. Stop closes the listener, cancels
// every in-flight session and waits for the connection goroutines to
// finish. Addr returns the bound address, which may use an ephemeral
// port if port 0 was requested.
package bridge
