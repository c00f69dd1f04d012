// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package reactor implements a single-threaded I/O and timer dispatcher.
//
// A host program registers file descriptors and timers, each bound to a
// callback, and runs the reactor's dispatch loop. The loop blocks in
// poll(2) until a descriptor becomes ready, a timer expires, or an
// external goroutine calls a mutating method (which wakes the loop through
// a self-pipe), dispatches the corresponding callbacks, and repeats.
//
// The package is built from three independent pieces - FdRegistry,
// TimerSet and the unexported self-pipe waker - composed by Reactor, the orchestrator that owns the
// run loop and the public API. Mutating methods (AddFd, RemoveFd,
// UpdateEvents, AddTimer, RemoveTimer, UpdateTimerInterval, Stop) are safe
// to call from any goroutine; dispatch itself always runs on the goroutine
// that called Run.
package reactor

const NAME = "reactor"
