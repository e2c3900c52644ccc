// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/splicerelay/lib/clock"
	"github.com/bureau-foundation/splicerelay/lib/eventloop"
	"github.com/bureau-foundation/splicerelay/lib/splice"
	"github.com/bureau-foundation/splicerelay/lib/testutil"
)

// startLoop runs an event loop for the duration of the test.
func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	result := make(chan error, 1)
	go func() { result <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		loop.Close()
		if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for loop to stop"); err != nil {
			t.Errorf("loop.Run: %v", err)
		}
	})
	return loop
}

// onLoop runs fn on the loop goroutine and waits for it.
func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	if err := loop.CallSoon(func() {
		defer close(finished)
		fn()
	}); err != nil {
		t.Fatalf("CallSoon: %v", err)
	}
	testutil.RequireClosed(t, finished, 5*time.Second, "waiting for loop call")
}

// closeRecorder wraps pipe creation and descriptor closing so tests can
// check that every pipe end is closed exactly once.
type closeRecorder struct {
	mu     sync.Mutex
	pipes  []splice.Pipe
	closes map[int]int
}

func recordCloses(session *Session) *closeRecorder {
	recorder := &closeRecorder{closes: make(map[int]int)}
	session.newPipe = func() (splice.Pipe, error) {
		pipe, err := splice.NewPipe()
		if err == nil {
			recorder.mu.Lock()
			recorder.pipes = append(recorder.pipes, pipe)
			recorder.mu.Unlock()
		}
		return pipe, err
	}
	session.closeDescriptor = func(fd int) error {
		recorder.mu.Lock()
		recorder.closes[fd]++
		recorder.mu.Unlock()
		return splice.CloseDescriptor(fd)
	}
	return recorder
}

func (r *closeRecorder) requireClosedOnce(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pipes) != 2 {
		t.Fatalf("session created %d pipes, want 2", len(r.pipes))
	}
	for _, pipe := range r.pipes {
		for _, fd := range []int{pipe.Read, pipe.Write} {
			if r.closes[fd] != 1 {
				t.Errorf("pipe fd %d closed %d times, want 1", fd, r.closes[fd])
			}
		}
	}
	if len(r.closes) != 4 {
		t.Errorf("closed %d distinct descriptors, want 4: %v", len(r.closes), r.closes)
	}
}

func readExactly(t *testing.T, conn interface {
	io.Reader
	SetReadDeadline(time.Time) error
}, size int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock // kernel I/O deadline
	buffer := make([]byte, size)
	if _, err := io.ReadFull(conn, buffer); err != nil {
		t.Fatalf("reading %d bytes: %v", size, err)
	}
	return buffer
}

func TestProxy_RelaysMessage(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	b1, b2 := testutil.SocketPair(t)

	result := make(chan error, 1)
	go func() { result <- Proxy(context.Background(), loop, a2, b2) }()

	if _, err := a1.Write([]byte("testing 1234")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readExactly(t, b1, 12); string(got) != "testing 1234" {
		t.Fatalf("b received %q, want %q", got, "testing 1234")
	}

	a1.Close()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for proxy"); err != nil {
		t.Fatalf("Proxy: %v", err)
	}
}

func TestSession_ImmediateClose(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	a1.Close()

	session := &Session{Scheduler: loop}
	recorder := recordCloses(session)
	if err := session.ProxyConns(context.Background(), a2, b2); err != nil {
		t.Fatalf("ProxyConns: %v", err)
	}
	if stats := session.Stats(); stats.AToB != 0 || stats.BToA != 0 {
		t.Errorf("Stats = %+v, want no bytes", stats)
	}
	recorder.requireClosedOnce(t)

	endpoints := []int{testutil.Descriptor(t, a2), testutil.Descriptor(t, b2)}
	onLoop(t, loop, func() {
		for _, fd := range endpoints {
			if readable, writable := loop.Registered(fd); readable || writable {
				t.Errorf("endpoint fd %d still registered after the session ended", fd)
			}
		}
	})
}

func TestSession_BidirectionalByteExact(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	b1, b2 := testutil.SocketPair(t)

	forward := testutil.Payload(4 << 20)
	backward := testutil.Payload(3<<20 + 17)

	session := &Session{Scheduler: loop, ChunkSize: 256 << 10}
	recorder := recordCloses(session)
	result := make(chan error, 1)
	go func() { result <- session.ProxyConns(context.Background(), a2, b2) }()

	writeErrors := make(chan error, 2)
	go func() {
		_, err := a1.Write(forward)
		writeErrors <- err
	}()
	go func() {
		_, err := b1.Write(backward)
		writeErrors <- err
	}()

	received := make(chan []byte, 1)
	go func() {
		buffer := make([]byte, len(backward))
		a1.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock // kernel I/O deadline
		if _, err := io.ReadFull(a1, buffer); err != nil {
			t.Errorf("reading at a: %v", err)
		}
		received <- buffer
	}()
	atB := readExactly(t, b1, len(forward))
	atA := testutil.RequireReceive(t, received, 10*time.Second, "waiting for bytes at a")

	for range 2 {
		if err := testutil.RequireReceive(t, writeErrors, 10*time.Second, "waiting for writer"); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if blake3.Sum256(atB) != blake3.Sum256(forward) {
		t.Error("bytes delivered to b differ from bytes sent at a")
	}
	if blake3.Sum256(atA) != blake3.Sum256(backward) {
		t.Error("bytes delivered to a differ from bytes sent at b")
	}

	if err := a1.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for session"); err != nil {
		t.Fatalf("session: %v", err)
	}
	stats := session.Stats()
	if stats.AToB != int64(len(forward)) || stats.BToA != int64(len(backward)) {
		t.Errorf("Stats = %+v, want AToB=%d BToA=%d", stats, len(forward), len(backward))
	}
	recorder.requireClosedOnce(t)
}

func TestSession_EndOfStreamDeliversBufferedBytes(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	b1, b2 := testutil.SocketPair(t)
	payload := testutil.Payload(1 << 20)

	result := make(chan error, 1)
	go func() {
		session := &Session{Scheduler: loop}
		result <- session.ProxyConns(context.Background(), a2, b2)
	}()

	received := make(chan []byte, 1)
	go func() {
		b1.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock // kernel I/O deadline
		data, err := io.ReadAll(b1)
		if err != nil {
			t.Errorf("reading at b: %v", err)
		}
		received <- data
	}()

	if _, err := a1.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a1.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	if err := testutil.RequireReceive(t, result, 10*time.Second, "waiting for session"); err != nil {
		t.Fatalf("session: %v", err)
	}

	// Everything a sent is already queued at b when the session ends.
	b2.Close()
	data := testutil.RequireReceive(t, received, 10*time.Second, "waiting for reader")
	if len(data) != len(payload) || blake3.Sum256(data) != blake3.Sum256(payload) {
		t.Fatalf("b received %d bytes, want the %d bytes sent", len(data), len(payload))
	}
}

func TestSession_BackpressureTimesOut(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	session := &Session{Scheduler: loop, Clock: fake}
	recorder := recordCloses(session)
	result := make(chan error, 1)
	go func() { result <- session.ProxyConns(context.Background(), a2, b2) }()

	// b never reads, so every buffer between a and b fills up.
	go func() {
		chunk := testutil.Payload(64 << 10)
		for {
			if _, err := a1.Write(chunk); err != nil {
				return
			}
		}
	}()

	err := advanceUntilResult(t, fake, result)
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("session = %v, want ErrWriteTimeout", err)
	}
	var pumpErr *PumpError
	if !errors.As(err, &pumpErr) {
		t.Fatalf("session error %T is not a *PumpError", err)
	}
	if pumpErr.Pump != "a->pipe" && pumpErr.Pump != "pipe->b" {
		t.Errorf("timed out pump = %q, want a hop of the a->b direction", pumpErr.Pump)
	}
	recorder.requireClosedOnce(t)
}

// advanceUntilResult expires write waits until the session returns.
func advanceUntilResult(t *testing.T, fake *clock.FakeClock, result <-chan error) error {
	t.Helper()
	for range 20 {
		armed := make(chan struct{})
		go func() {
			fake.WaitForTimers(1)
			close(armed)
		}()
		select {
		case err := <-result:
			return err
		case <-armed:
		case <-time.After(10 * time.Second): //nolint:realclock test hang prevention
			t.Fatal("no write wait was started")
		}
		fake.Advance(WriteTimeout)
		select {
		case err := <-result:
			return err
		case <-time.After(100 * time.Millisecond): //nolint:realclock the relay reacts on the event loop
		}
	}
	t.Fatal("session did not end after repeated write timeouts")
	return nil
}

func TestSession_FirstFailureWins(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	sourceA := testutil.Descriptor(t, a2)

	session := &Session{Scheduler: loop}
	recorder := recordCloses(session)
	session.transfer = func(source, destination, length, flags int) (int64, error) {
		if source == sourceA {
			return 0, unix.ECONNRESET
		}
		return splice.Transfer(source, destination, length, flags)
	}

	result := make(chan error, 1)
	go func() { result <- session.ProxyConns(context.Background(), a2, b2) }()
	if _, err := a1.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for session")
	if !errors.Is(err, unix.ECONNRESET) {
		t.Fatalf("session = %v, want ECONNRESET", err)
	}
	var pumpErr *PumpError
	if !errors.As(err, &pumpErr) {
		t.Fatalf("session error %T is not a *PumpError", err)
	}
	if pumpErr.Pump != "a->pipe" || pumpErr.Source != sourceA {
		t.Errorf("PumpError = %+v, want pump a->pipe reading fd %d", pumpErr, sourceA)
	}
	recorder.requireClosedOnce(t)
}

func TestSession_ParentCancel(t *testing.T) {
	loop := startLoop(t)
	_, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{Scheduler: loop}
	recorder := recordCloses(session)
	result := make(chan error, 1)
	go func() { result <- session.ProxyConns(ctx, a2, b2) }()

	onLoop(t, loop, func() {})
	cancel()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for session"); !errors.Is(err, context.Canceled) {
		t.Fatalf("session = %v, want context.Canceled", err)
	}
	recorder.requireClosedOnce(t)
}

// finishClock runs onFinish the second time Now is read. Run reads
// the clock once before starting the pumps and once after all of them
// have stopped.
type finishClock struct {
	clock.Clock
	reads    atomic.Int32
	onFinish func()
}

func (c *finishClock) Now() time.Time {
	if c.reads.Add(1) == 2 {
		c.onFinish()
	}
	return c.Clock.Now()
}

func TestSession_CancelDuringTeardownKeepsCleanOutcome(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	a1.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &Session{
		Scheduler: loop,
		Clock:     &finishClock{Clock: clock.Real(), onFinish: cancel},
	}
	recorder := recordCloses(session)
	if err := session.ProxyConns(ctx, a2, b2); err != nil {
		t.Fatalf("ProxyConns = %v, want nil after a clean end of stream", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context was not cancelled during teardown")
	}
	recorder.requireClosedOnce(t)
}

func TestSession_LogsByteCounts(t *testing.T) {
	loop := startLoop(t)
	a1, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	if _, err := a1.Write(testutil.Payload(2048)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	a1.Close()

	output := &lockedBuffer{}
	session := &Session{
		Scheduler: loop,
		Logger:    slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	if err := session.ProxyConns(context.Background(), a2, b2); err != nil {
		t.Fatalf("ProxyConns: %v", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(output.Bytes()))
	for decoder.More() {
		var record map[string]any
		if err := decoder.Decode(&record); err != nil {
			t.Fatalf("decoding log record: %v", err)
		}
		if record["msg"] != "relay finished" {
			continue
		}
		if record["a_to_b"] != "2.0 KiB" || record["b_to_a"] != "0 B" {
			t.Errorf("relay finished counts = %v / %v, want 2.0 KiB / 0 B", record["a_to_b"], record["b_to_a"])
		}
		return
	}
	t.Fatalf("no relay finished record in:\n%s", output.Bytes())
}

// lockedBuffer is a log sink written from the session goroutines and the
// loop goroutine.
type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buffer.Bytes())
}

func TestSession_SchedulerClosed(t *testing.T) {
	loop, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	loop.Close()
	_, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)

	session := &Session{Scheduler: loop}
	recorder := recordCloses(session)
	err = session.ProxyConns(context.Background(), a2, b2)
	if err == nil {
		t.Fatal("session on a closed loop succeeded")
	}
	recorder.requireClosedOnce(t)
}

func TestSession_RejectsSameEndpoint(t *testing.T) {
	loop := startLoop(t)
	_, a2 := testutil.SocketPair(t)
	fd := testutil.Descriptor(t, a2)

	session := &Session{Scheduler: loop}
	if err := session.Run(context.Background(), fd, fd); !errors.Is(err, ErrSameEndpoint) {
		t.Fatalf("Run = %v, want ErrSameEndpoint", err)
	}
}

func TestSession_RejectsBlockingEndpoint(t *testing.T) {
	loop := startLoop(t)
	descriptors, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(descriptors[0])
	defer unix.Close(descriptors[1])
	_, nonblocking := testutil.SocketPair(t)

	session := &Session{Scheduler: loop}
	recorder := recordCloses(session)
	err = session.Run(context.Background(), testutil.Descriptor(t, nonblocking), descriptors[0])
	if !errors.Is(err, ErrBlockingEndpoint) {
		t.Fatalf("Run = %v, want ErrBlockingEndpoint", err)
	}
	if len(recorder.pipes) != 0 {
		t.Errorf("rejected session created %d pipes", len(recorder.pipes))
	}
}

func TestSession_RequiresScheduler(t *testing.T) {
	_, a2 := testutil.SocketPair(t)
	_, b2 := testutil.SocketPair(t)
	if err := (&Session{}).ProxyConns(context.Background(), a2, b2); err == nil {
		t.Fatal("session without a scheduler succeeded")
	}
}
