// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// waker is a self-pipe used to interrupt a blocked poll(2) call from any
// goroutine. The read end is registered in the owning FdRegistry with
// read-readiness interest; its callback drains all pending bytes and
// returns. Writes to the write end may come from any goroutine; they are
// how a mutation made outside the reactor's own goroutine interrupts a
// blocked poll.
type waker struct {
	readFd  int
	writeFd int
}

// newWaker creates the pipe and sets both ends non-blocking.
func newWaker() (*waker, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: creating wake pipe: %w", err)
	}
	return &waker{readFd: fds[0], writeFd: fds[1]}, nil
}

// wake writes a single byte to the pipe. EAGAIN/EWOULDBLOCK is silently
// tolerated: if the pipe is full a wake is already pending.
func (w *waker) wake() {
	if w == nil || w.writeFd < 0 {
		return
	}
	buf := [1]byte{1}
	for {
		_, err := unix.Write(w.writeFd, buf[:])
		if err == nil || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		log.Warn().Err(err).Int("fd", w.writeFd).Msg("reactor: wake pipe write failed")
		return
	}
}

// drain reads every pending byte off the read end. Registered as the fd
// callback for the read end in the owning FdRegistry.
func (w *waker) drain(int, Events, Events) {
	var buf [256]byte
	for {
		n, err := unix.Read(w.readFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// close releases both ends of the pipe. It is idempotent: each end is
// closed once and then marked -1. The reactor calls it from Close and from
// NewReactor's failure path.
func (w *waker) close() {
	if w == nil {
		return
	}
	if w.readFd >= 0 {
		_ = unix.Close(w.readFd)
		w.readFd = -1
	}
	if w.writeFd >= 0 {
		_ = unix.Close(w.writeFd)
		w.writeFd = -1
	}
}
