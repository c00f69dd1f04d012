// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package reactor

import (
	"errors"
)

// Validation and lifecycle errors. None of these are logged by the
// reactor. The validation errors are not returned either: the registration
// APIs report them synchronously through their boolean or sentinel-id
// return values, and their doc comments name the matching sentinel.
// ErrAlreadyRunning and ErrNoDescriptors are returned by Reactor.Run.
var (
	ErrInvalidFd        = errors.New("reactor: fd must be non-negative")
	ErrNilCallback      = errors.New("reactor: callback must not be nil")
	ErrFdRegistered     = errors.New("reactor: fd already registered")
	ErrFdNotRegistered  = errors.New("reactor: fd not registered")
	ErrInvalidInterval  = errors.New("reactor: interval must be positive")
	ErrTimerNotFound    = errors.New("reactor: timer id not found")
	ErrTimerIDExhausted = errors.New("reactor: no free timer id available")
	ErrAlreadyRunning   = errors.New("reactor: Run is already in progress")
	ErrNoDescriptors    = errors.New("reactor: no descriptors registered (waker missing?)")
)

// TimerIDNone is the sentinel timer id returned by TimerSet.Add and
// Reactor.AddTimer on failure.
const TimerIDNone int = -1
