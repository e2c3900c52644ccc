// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that timeouts can
// be tested without sleeping.
//
// Production code holds a [Clock] and gets [Real] by default. Tests use
// [Fake], whose time moves only when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	session := &relay.Session{Clock: c, ...}
//	go session.Run(ctx, a, b)
//	c.WaitForTimers(1)            // a pump is now waiting on a timeout
//	c.Advance(relay.WriteTimeout) // fire it deterministically
//
// WaitForTimers closes the race between a goroutine arming a timer and
// the test advancing time past it. Stopped timers do not count as
// pending, so code that stops its timers when the awaited event wins
// keeps the count accurate.
package clock
