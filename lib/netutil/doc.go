// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds connection helpers shared by the relay's outer
// surfaces.
//
// [Dialer] connects to an upstream with a bounded number of retries and
// jittered exponential backoff between attempts. The delay between
// attempts is slept on an injectable clock, so retry behavior is
// testable without wall-clock waits.
//
// [IsExpectedCloseError] classifies errors that occur during normal
// connection teardown (a peer closing while bytes are in flight), which
// callers log at Debug rather than as failures.
package netutil
