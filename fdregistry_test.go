// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFdRegistryAddValidation(t *testing.T) {
	reg := NewFdRegistry()
	require.False(t, reg.Add(-1, EventRead, func(int, Events, Events) {}))
	require.False(t, reg.Add(3, EventRead, nil))

	r, _ := mustPipe(t)
	require.True(t, reg.Add(r, EventRead, func(int, Events, Events) {}))
	require.False(t, reg.Add(r, EventRead, func(int, Events, Events) {}), "duplicate fd must fail")
}

func TestFdRegistryRemoveIdempotent(t *testing.T) {
	reg := NewFdRegistry()
	r, _ := mustPipe(t)
	require.True(t, reg.Add(r, EventRead, func(int, Events, Events) {}))

	require.True(t, reg.Remove(r))
	require.False(t, reg.Remove(r), "second remove must return false")
}

func TestFdRegistryUpdateInterestUnknownFails(t *testing.T) {
	reg := NewFdRegistry()
	require.False(t, reg.UpdateInterest(42, EventWrite))
}

func TestFdRegistrySnapshot(t *testing.T) {
	reg := NewFdRegistry()
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)
	require.True(t, reg.Add(r1, EventRead, func(int, Events, Events) {}))
	require.True(t, reg.Add(r2, EventWrite, func(int, Events, Events) {}))

	got := reg.Snapshot()
	want := []unix.PollFd{
		{Fd: int32(r1), Events: int16(EventRead)},
		{Fd: int32(r2), Events: int16(EventWrite)},
	}
	less := func(a, b unix.PollFd) bool { return a.Fd < b.Fd }
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestFdRegistryDeferredRemovalDuringDispatch(t *testing.T) {
	reg := NewFdRegistry()
	r3, w3 := mustPipe(t)
	r4, w4 := mustPipe(t)
	r5, w5 := mustPipe(t)

	var fd5Called bool
	require.True(t, reg.Add(r3, EventRead, func(int, Events, Events) {}))
	require.True(t, reg.Add(r4, EventRead, func(fd int, _ Events, _ Events) {
		reg.Remove(r4)
		reg.Remove(r5)
	}))
	require.True(t, reg.Add(r5, EventRead, func(int, Events, Events) {
		fd5Called = true
	}))

	_, _ = unix.Write(w3, []byte("x"))
	_, _ = unix.Write(w4, []byte("x"))
	_, _ = unix.Write(w5, []byte("x"))

	ready := []unix.PollFd{
		{Fd: int32(r3), Revents: int16(unix.POLLIN)},
		{Fd: int32(r4), Revents: int16(unix.POLLIN)},
		{Fd: int32(r5), Revents: int16(unix.POLLIN)},
	}
	reg.Dispatch(ready)

	require.False(t, fd5Called, "fd5's callback must not run once fd4 removed it in the same dispatch")
	require.Equal(t, 3, reg.Count(), "entries are only marked inactive until cleanup")

	reg.Cleanup()
	require.Equal(t, 1, reg.Count())
}

func TestFdRegistryCallbackPanicIsRecoveredAndFdStaysActive(t *testing.T) {
	reg := NewFdRegistry()
	r, w := mustPipe(t)
	require.True(t, reg.Add(r, EventRead, func(int, Events, Events) {
		panic("boom")
	}))
	_, _ = unix.Write(w, []byte("x"))

	require.NotPanics(t, func() {
		reg.Dispatch([]unix.PollFd{{Fd: int32(r), Revents: int16(unix.POLLIN)}})
	})
	reg.Cleanup()
	require.Equal(t, 1, reg.Count(), "a panicking fd callback does not deactivate the fd")
}
