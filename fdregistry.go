// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// FdCallback is invoked for a ready fd with the fd itself, the interest
// mask it was registered with, and the actual events poll(2) reported
// (which may include bits the caller did not request, e.g. hangup/error).
type FdCallback func(fd int, interest Events, actual Events)

// fdRegistration is one entry in FdRegistry's table.
type fdRegistration struct {
	fd       int
	interest Events
	callback FdCallback
	active   bool
}

// FdRegistry owns the fd -> registration mapping, builds the readiness
// array passed to poll(2), and dispatches callbacks for ready fds.
//
// Mutations during dispatch (add/remove/update from within a callback) are
// safe: remove only flags an entry inactive, and the physical erase
// happens in the deferred cleanup pass that runs after every entry in the
// current ready set has been dispatched.
type FdRegistry struct {
	mu    sync.RWMutex
	table map[int]*fdRegistration
}

// NewFdRegistry returns an empty registry.
func NewFdRegistry() *FdRegistry {
	return &FdRegistry{table: make(map[int]*fdRegistration)}
}

// Add registers fd with the given interest mask and callback. It fails if
// fd is negative (ErrInvalidFd), callback is nil (ErrNilCallback), or fd
// is already registered (ErrFdRegistered). Failures are reported via the
// boolean return rather than by returning one of those sentinels: the
// caller already knows which condition applies from its own arguments.
func (r *FdRegistry) Add(fd int, interest Events, callback FdCallback) bool {
	if fd < 0 || callback == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[fd]; exists {
		return false
	}
	r.table[fd] = &fdRegistration{fd: fd, interest: interest, callback: callback, active: true}
	return true
}

// Remove marks fd inactive. Physical removal happens during the next
// Cleanup pass. Calling Remove twice in a row returns false the second
// time, satisfying the idempotence law.
func (r *FdRegistry) Remove(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.table[fd]
	if !ok || !reg.active {
		return false
	}
	reg.active = false
	return true
}

// UpdateInterest replaces the interest mask for fd. Fails (ErrFdNotRegistered)
// if fd is not registered.
func (r *FdRegistry) UpdateInterest(fd int, interest Events) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.table[fd]
	if !ok || !reg.active {
		return false
	}
	reg.interest = interest
	return true
}

// Count returns the number of live (not-yet-cleaned-up) registrations,
// including inactive ones awaiting cleanup.
func (r *FdRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// Snapshot builds the pollfd array poll(2) is called with: one entry per
// active registration, sorted by ascending fd, so ready fds are dispatched
// lowest fd first.
func (r *FdRegistry) Snapshot() []unix.PollFd {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fds := make([]unix.PollFd, 0, len(r.table))
	for _, reg := range r.table {
		if reg.active {
			fds = append(fds, unix.PollFd{Fd: int32(reg.fd), Events: int16(reg.interest)})
		}
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].Fd < fds[j].Fd })
	return fds
}

// Dispatch invokes the callback for every entry in ready with a non-zero
// Revents. The read lock is held while looking up each registration and
// released around the callback invocation itself, so a callback is free
// to call any FdRegistry method (including mutating this very fd) without
// deadlocking.
//
// A callback that panics is recovered and logged; the fd is left active,
// since a failing callback does not by itself invalidate the fd (the
// caller is expected to remove it explicitly - see design notes).
func (r *FdRegistry) Dispatch(ready []unix.PollFd) {
	for _, pfd := range ready {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		r.mu.RLock()
		reg, ok := r.table[fd]
		r.mu.RUnlock()
		if !ok || !reg.active {
			continue
		}
		r.invoke(reg, Events(pfd.Revents))
	}
}

func (r *FdRegistry) invoke(reg *fdRegistration, actual Events) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().
				Int("fd", reg.fd).
				Interface("panic", rec).
				Msg("reactor: fd callback panicked, fd left registered")
		}
	}()
	reg.callback(reg.fd, reg.interest, actual)
}

// Cleanup physically erases every inactive entry. It must run after every
// Dispatch call that could have marked entries inactive.
func (r *FdRegistry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fd, reg := range r.table {
		if !reg.active {
			delete(r.table, fd)
		}
	}
}
