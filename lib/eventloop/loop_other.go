// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package eventloop

import (
	"context"
	"log/slog"
)

// Loop cannot be constructed on this platform; New always fails.
type Loop struct{ done chan struct{} }

// New always returns ErrUnsupported.
func New(logger *slog.Logger) (*Loop, error) { return nil, ErrUnsupported }

func (l *Loop) Run(ctx context.Context) error { return ErrUnsupported }
func (l *Loop) Close() {}
func (l *Loop) Done() <-chan struct{} { return l.done }
func (l *Loop) CallSoon(fn func()) error { return ErrUnsupported }
func (l *Loop) AddReadable(fd int, callback func()) error { return ErrUnsupported }
func (l *Loop) AddWritable(fd int, callback func()) error { return ErrUnsupported }
func (l *Loop) RemoveReadable(fd int) error { return nil }
func (l *Loop) RemoveWritable(fd int) error { return nil }
func (l *Loop) Registered(fd int) (readable, writable bool) { return false, false }
