// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

// Reactor orchestrates an FdRegistry, a TimerSet and a self-pipe Waker
// around a single-threaded poll(2) dispatch loop. It is safe to call the
// mutating methods (AddFd, RemoveFd, UpdateEvents, AddTimer, RemoveTimer,
// UpdateTimerInterval, Stop) from any goroutine; Run must only ever be
// called from the goroutine that owns the loop for its duration.
type Reactor struct {
	fds    *FdRegistry
	timers *TimerSet
	wake   *waker

	running atomic.Bool
}

// NewReactor constructs a Reactor with its self-pipe already registered.
// clock drives the TimerSet; production callers pass
// clockwork.NewRealClock().
func NewReactor(clock clockwork.Clock) (*Reactor, error) {
	w, err := newWaker()
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		fds:    NewFdRegistry(),
		timers: NewTimerSet(clock),
		wake:   w,
	}
	if !r.fds.Add(w.readFd, EventRead, w.drain) {
		w.close()
		return nil, fmt.Errorf("reactor: failed to register wake pipe")
	}
	return r, nil
}

// AddFd registers fd for the given interest mask. See FdRegistry.Add for
// failure conditions.
func (r *Reactor) AddFd(fd int, interest Events, callback FdCallback) bool {
	ok := r.fds.Add(fd, interest, callback)
	r.wake.wake()
	return ok
}

// RemoveFd cancels fd's registration. The reactor does not close fd; the
// caller remains responsible for that after removal takes effect.
func (r *Reactor) RemoveFd(fd int) bool {
	ok := r.fds.Remove(fd)
	r.wake.wake()
	return ok
}

// UpdateEvents replaces fd's interest mask.
func (r *Reactor) UpdateEvents(fd int, interest Events) bool {
	ok := r.fds.UpdateInterest(fd, interest)
	r.wake.wake()
	return ok
}

// AddTimer schedules callback to run after intervalMs milliseconds,
// repeating if repeat is true. Returns TimerIDNone on invalid input.
func (r *Reactor) AddTimer(intervalMs int, callback TimerCallback, repeat bool) int {
	id := r.timers.Add(time.Duration(intervalMs)*time.Millisecond, callback, repeat)
	r.wake.wake()
	return id
}

// RemoveTimer cancels a scheduled timer.
func (r *Reactor) RemoveTimer(id int) bool {
	ok := r.timers.Remove(id)
	r.wake.wake()
	return ok
}

// UpdateTimerInterval changes a live timer's interval and reschedules its
// next firing to now+interval.
func (r *Reactor) UpdateTimerInterval(id int, intervalMs int) bool {
	ok := r.timers.UpdateInterval(id, time.Duration(intervalMs)*time.Millisecond)
	r.wake.wake()
	return ok
}

// FdCount returns the number of registered fds, including the reactor's
// own wake pipe.
func (r *Reactor) FdCount() int { return r.fds.Count() }

// TimerCount returns the number of live timers.
func (r *Reactor) TimerCount() int { return r.timers.Count() }

// Stop requests that Run return after completing its current iteration.
// Idempotent, and safe to call from any goroutine.
func (r *Reactor) Stop() {
	r.running.Store(false)
	r.wake.wake()
}

// Close releases the self-pipe. Call it once Run has returned; it does
// not touch any fd the caller registered.
func (r *Reactor) Close() {
	r.wake.close()
}

// Run blocks, executing the dispatch loop until Stop is called or poll(2)
// fails for a reason other than signal interruption. defaultTimeoutMs of
// -1 means wait indefinitely, subject to timer deadlines.
func (r *Reactor) Run(defaultTimeoutMs int) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	for r.running.Load() {
		timeout := r.timers.ComputeTimeout(defaultTimeoutMs)

		fds := r.fds.Snapshot()
		if len(fds) == 0 {
			return ErrNoDescriptors
		}

		_, err := unix.Poll(fds, timeout)
		switch err {
		case nil:
			r.fds.Dispatch(fds)
		case unix.EINTR:
			// Signal interruption: treat as zero events and continue.
		default:
			return fmt.Errorf("reactor: poll failed: %w", err)
		}

		r.fds.Cleanup()
		r.timers.Dispatch()
		r.timers.Cleanup()
	}
	return nil
}
