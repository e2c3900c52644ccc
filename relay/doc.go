// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay moves bytes between two stream descriptors without
// copying them through user space.
//
// A [Session] owns two kernel pipes and four [Pump] goroutines:
//
//	a -> pipe(ab).Write    pipe(ab).Read -> b
//	b -> pipe(ba).Write    pipe(ba).Read -> a
//
// splice(2) requires one side of every call to be a pipe, so each
// direction takes two hops. Every pump alternates between waiting for
// its source to become readable (through a [readiness.Waiter]) and one
// non-blocking splice. When the destination is full, the pump waits for
// it to become writable for at most [WriteTimeout] before failing.
//
// The first pump to finish ends the session. End-of-stream on an
// endpoint first drains the pipe it feeds, so bytes already handed to
// the kernel reach the other endpoint before the session completes. The
// remaining pumps are then cancelled, their readiness registrations are
// removed, and the four pipe descriptors are closed. Endpoint
// descriptors belong to the caller and are never closed here.
//
// All descriptors must be non-blocking. The [readiness.Scheduler] is
// usually an [eventloop.Loop] shared by every session in the process.
package relay
