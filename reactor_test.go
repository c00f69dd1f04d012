// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor(clockwork.NewRealClock())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// runInBackground starts Run in a goroutine and returns a channel that
// receives its eventual error.
func runInBackground(t *testing.T, r *Reactor, defaultTimeoutMs int) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(defaultTimeoutMs) }()
	return done
}

func TestReactorEchoFdScenario(t *testing.T) {
	r := newTestReactor(t)
	require.Equal(t, 1, r.FdCount(), "only the wake pipe is registered initially")

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })
	readFd, writeFd := fds[0], fds[1]

	var calls int32
	var gotActual Events
	var mu sync.Mutex
	require.True(t, r.AddFd(readFd, EventRead, func(fd int, _ Events, actual Events) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		gotActual = actual
		mu.Unlock()
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		r.Stop()
	}))
	require.Equal(t, 2, r.FdCount())

	_, err := unix.Write(writeFd, []byte("hi"))
	require.NoError(t, err)

	done := runInBackground(t, r, 1000)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after callback called Stop")
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	mu.Lock()
	defer mu.Unlock()
	require.True(t, gotActual.has(EventRead))
}

func TestReactorOneShotTimerScenario(t *testing.T) {
	r := newTestReactor(t)

	fired := make(chan int, 1)
	id := r.AddTimer(50, func(timerID int) {
		fired <- timerID
		r.Stop()
	}, false)
	require.NotEqual(t, TimerIDNone, id)

	start := time.Now()
	done := runInBackground(t, r, 1000)

	select {
	case gotID := <-fired:
		require.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot timer never fired")
	}
	elapsed := time.Since(start)
	require.InDelta(t, 50*time.Millisecond, elapsed, float64(60*time.Millisecond))

	require.NoError(t, <-done)
	require.Equal(t, 0, r.TimerCount())
}

func TestReactorRepeatingTimerUpdateIntervalScenario(t *testing.T) {
	r := newTestReactor(t)

	var mu sync.Mutex
	var timestamps []time.Time
	var id int
	id = r.AddTimer(20, func(timerID int) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		n := len(timestamps)
		mu.Unlock()
		if n == 5 {
			require.True(t, r.UpdateTimerInterval(id, 100))
		}
		if n == 7 {
			r.Stop()
		}
	}, true)

	done := runInBackground(t, r, 1000)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("repeating timer scenario did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 7)
	for i := 1; i < 5; i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		require.InDelta(t, 20*time.Millisecond, gap, float64(30*time.Millisecond))
	}
	for i := 6; i < 7; i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		require.InDelta(t, 100*time.Millisecond, gap, float64(40*time.Millisecond))
	}
}

func TestReactorDeferredFdRemovalScenario(t *testing.T) {
	r := newTestReactor(t)

	mk := func() (read, write int) {
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })
		return fds[0], fds[1]
	}
	r3, w3 := mk()
	r4, w4 := mk()
	r5, w5 := mk()

	var fd5Called atomic.Bool
	require.True(t, r.AddFd(r3, EventRead, func(fd int, _, _ Events) {
		var buf [4]byte
		_, _ = unix.Read(fd, buf[:])
	}))
	require.True(t, r.AddFd(r4, EventRead, func(fd int, _, _ Events) {
		var buf [4]byte
		_, _ = unix.Read(fd, buf[:])
		r.RemoveFd(r4)
		r.RemoveFd(r5)
		r.Stop()
	}))
	require.True(t, r.AddFd(r5, EventRead, func(int, Events, Events) {
		fd5Called.Store(true)
	}))

	_, _ = unix.Write(w3, []byte("a"))
	_, _ = unix.Write(w4, []byte("a"))
	_, _ = unix.Write(w5, []byte("a"))

	done := runInBackground(t, r, 1000)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	require.False(t, fd5Called.Load(), "fd5 must not fire once fd4 removed it in the same iteration")
	require.Equal(t, 2, r.FdCount(), "wake pipe + fd3 remain")
}

func TestReactorStopFromAnotherGoroutine(t *testing.T) {
	r := newTestReactor(t)

	done := runInBackground(t, r, 60000)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	r.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return within 500ms of Stop()")
	}
}

func TestReactorValidationEdgeCases(t *testing.T) {
	r := newTestReactor(t)

	require.Equal(t, TimerIDNone, r.AddTimer(-1, func(int) {}, true))
	require.False(t, r.AddFd(-1, EventRead, func(int, Events, Events) {}))
	require.False(t, r.RemoveTimer(999))
}
