// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package readiness turns a scheduler's per-descriptor readiness
// callbacks into one-shot tickets a goroutine can block on.
//
// [Waiter.WaitReadable] and [Waiter.WaitWritable] return a [Ticket]
// bound to one (descriptor, direction). The ticket resolves the first
// time the scheduler reports that readiness, or is cancelled. Either way
// the callback is unregistered exactly once.
//
// # Ordering
//
// A scheduler tracks one callback per descriptor per direction, so two
// tickets for the same (descriptor, direction) must never overlap at the
// scheduler. The dangerous sequence is: ticket A is cancelled (say its
// wait timed out), its unregistration is queued on the scheduler, and
// ticket B for the same descriptor is created before that queued
// unregistration runs. If B registered synchronously, A's late
// unregistration would silently remove B's callback and B's owner would
// wait forever.
//
// Tickets therefore never register synchronously. Registration goes
// through [Scheduler.CallSoon], the same FIFO queue cancellation cleanup
// uses, so a stale ticket's cleanup always runs before a newer ticket's
// registration. Resolution cleanup runs inline in the readiness
// callback, which is already on the scheduler's goroutine.
//
// Cleanup tolerates a descriptor that was closed in the meantime:
// unregistration errors are logged at Debug and otherwise ignored.
package readiness
