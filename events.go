// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness kinds, modelled directly on poll(2)'s
// events/revents fields.
type Events int16

const (
	// EventRead requests or reports read-readiness (POLLIN).
	EventRead Events = Events(unix.POLLIN)
	// EventWrite requests or reports write-readiness (POLLOUT).
	EventWrite Events = Events(unix.POLLOUT)
	// EventError reports an error condition. Never requested, only
	// ever present in actual_events (POLLERR).
	EventError Events = Events(unix.POLLERR)
	// EventHangup reports that the peer closed its end (POLLHUP).
	EventHangup Events = Events(unix.POLLHUP)
	// EventInvalid reports that the fd is not open (POLLNVAL).
	EventInvalid Events = Events(unix.POLLNVAL)
)

func (e Events) has(bit Events) bool {
	return e&bit != 0
}

// String renders the mask for logging, e.g. "read|write".
func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	if e.has(EventRead) {
		parts = append(parts, "read")
	}
	if e.has(EventWrite) {
		parts = append(parts, "write")
	}
	if e.has(EventError) {
		parts = append(parts, "error")
	}
	if e.has(EventHangup) {
		parts = append(parts, "hangup")
	}
	if e.has(EventInvalid) {
		parts = append(parts, "invalid")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("unknown(0x%x)", int16(e))
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}
