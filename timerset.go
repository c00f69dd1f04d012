// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package reactor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// timerSlack is the tolerance applied when comparing a timer deadline to
// the current time: timers within slack of now fire immediately.
const timerSlack = 500 * time.Microsecond

// TimerCallback is invoked with the firing timer's id.
type TimerCallback func(id int)

// timerRegistration is one entry in TimerSet's table and queue.
type timerRegistration struct {
	id       int
	interval time.Duration
	nextFire time.Time
	repeat   bool
	callback TimerCallback
	active   bool
	// updated is set when the deadline changed while the timer was still
	// sitting in the queue under its old deadline; the cleanup pass
	// re-inserts it in sorted position and clears the flag.
	updated bool
}

// TimerSet owns the timer id -> registration mapping and a time-ordered
// queue of live timers. The queue is a sorted slice rather than a binary
// heap: at the scales this reactor targets (tens to low thousands of live
// timers per process) a linear insertion-sorted sequence keeps the
// deferred re-insertion and cleanup passes easy to reason about, and a
// heap buys nothing until the queue is far larger than that.
type TimerSet struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	byID   map[int]*timerRegistration
	queue  []*timerRegistration
	nextID int
}

// NewTimerSet returns an empty TimerSet driven by clock. Production
// callers pass clockwork.NewRealClock(); tests pass clockwork.NewFakeClock()
// so timer firing can be asserted without sleeping.
func NewTimerSet(clock clockwork.Clock) *TimerSet {
	return &TimerSet{
		clock:  clock,
		byID:   make(map[int]*timerRegistration),
		nextID: 1,
	}
}

// findFreeID scans upward from nextID for an unused id. Id reuse only
// happens through this explicit search, never by copying a just-erased
// timer's id back into the cursor.
func (t *TimerSet) findFreeID() int {
	id := t.nextID
	for {
		if id <= 0 {
			return TimerIDNone
		}
		if _, exists := t.byID[id]; !exists {
			t.nextID = id + 1
			return id
		}
		id++
	}
}

// insertSorted inserts reg into the queue keeping it sorted ascending by
// nextFire, ties broken by insertion order (append-after-equal).
func (t *TimerSet) insertSorted(reg *timerRegistration) {
	i := 0
	for i < len(t.queue) && !reg.nextFire.Before(t.queue[i].nextFire) {
		i++
	}
	t.queue = append(t.queue, nil)
	copy(t.queue[i+1:], t.queue[i:])
	t.queue[i] = reg
	reg.updated = false
}

// removeFromQueue removes reg from the queue by pointer identity, if
// present. It is a no-op if reg already isn't queued (e.g. it was popped
// during dispatch already).
func (t *TimerSet) removeFromQueue(reg *timerRegistration) {
	for i, q := range t.queue {
		if q == reg {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// Add registers a new timer firing after interval, repeating if repeat is
// true. Returns TimerIDNone if interval is non-positive or callback is nil
// (ErrInvalidInterval / ErrNilCallback), or if no free id could be
// allocated (ErrTimerIDExhausted).
func (t *TimerSet) Add(interval time.Duration, callback TimerCallback, repeat bool) int {
	if interval <= 0 || callback == nil {
		return TimerIDNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.findFreeID()
	if id == TimerIDNone {
		return TimerIDNone
	}
	reg := &timerRegistration{
		id:       id,
		interval: interval,
		nextFire: t.clock.Now().Add(interval),
		repeat:   repeat,
		callback: callback,
		active:   true,
	}
	t.byID[id] = reg
	t.insertSorted(reg)
	return id
}

// Remove marks id inactive (ErrTimerNotFound if id is unknown or already
// inactive). Physical removal is deferred: it happens either when the
// entry is reached by Dispatch (and discarded) or by the cleanup pass that
// follows Dispatch. Calling Remove twice returns false the second time.
func (t *TimerSet) Remove(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.byID[id]
	if !ok || !reg.active {
		return false
	}
	reg.active = false
	return true
}

// UpdateInterval changes id's interval, resets its deadline to now+interval
// and flags it for re-insertion into the queue during the next cleanup
// pass. Fails on an unknown id (ErrTimerNotFound) or a non-positive
// interval (ErrInvalidInterval).
func (t *TimerSet) UpdateInterval(id int, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.byID[id]
	if !ok || !reg.active {
		return false
	}
	t.removeFromQueue(reg)
	reg.interval = interval
	reg.nextFire = t.clock.Now().Add(interval)
	reg.updated = true
	return true
}

// Count returns the number of live registrations, including inactive ones
// awaiting cleanup.
func (t *TimerSet) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// EarliestDeadline returns the deadline of the first active timer in the
// queue and true, or the zero time and false if no active timer exists.
// It does not mutate the queue even if inactive entries sit ahead of the
// first active one; those are reaped lazily by Dispatch/Cleanup.
func (t *TimerSet) EarliestDeadline() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, reg := range t.queue {
		if reg.active {
			return reg.nextFire, true
		}
	}
	return time.Time{}, false
}

// ComputeTimeout computes the poll timeout for one reactor iteration:
// min(defaultTimeoutMs, time until the earliest active timer + slack), or
// defaultTimeoutMs verbatim if there is no active timer. defaultTimeoutMs
// < 0 means "wait indefinitely subject to timer deadlines".
func (t *TimerSet) ComputeTimeout(defaultTimeoutMs int) int {
	deadline, ok := t.EarliestDeadline()
	if !ok {
		return defaultTimeoutMs
	}
	remaining := deadline.Sub(t.clock.Now()) + timerSlack
	if remaining < 0 {
		remaining = 0
	}
	timeoutMs := int(remaining / time.Millisecond)
	if defaultTimeoutMs < 0 {
		return timeoutMs
	}
	if timeoutMs < defaultTimeoutMs {
		return timeoutMs
	}
	return defaultTimeoutMs
}

// Dispatch fires every timer whose deadline is within timerSlack of now,
// taken once at the start of the call so a slow callback cannot cause
// drift amplification across the batch. This is intentionally not a
// catch-up scheduler: a periodic timer that misses intervals because a
// callback blocked does not get those intervals made up.
func (t *TimerSet) Dispatch() {
	now := t.clock.Now()
	t.mu.Lock()
	for len(t.queue) > 0 && !t.queue[0].nextFire.After(now.Add(timerSlack)) {
		reg := t.queue[0]
		t.queue = t.queue[1:]

		if !reg.active {
			continue
		}

		t.mu.Unlock()
		ok := t.invoke(reg)
		t.mu.Lock()

		if !ok {
			reg.active = false
			continue
		}
		if reg.repeat && reg.active {
			reg.nextFire = now.Add(reg.interval)
			t.insertSorted(reg)
		} else {
			reg.active = false
		}
	}
	t.mu.Unlock()
}

// invoke runs reg's callback, recovering a panic and reporting it as a
// callback failure: the timer is deactivated so a single broken periodic
// timer cannot spin forever.
func (t *TimerSet) invoke(reg *timerRegistration) (ok bool) {
	ok = true
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().
				Int("timer_id", reg.id).
				Interface("panic", rec).
				Msg("reactor: timer callback panicked, timer deactivated")
			ok = false
		}
	}()
	reg.callback(reg.id)
	return
}

// Cleanup walks byID erasing inactive entries from both byID and the queue,
// and re-inserts any active, updated entry into the queue. It must run
// after every Dispatch call.
func (t *TimerSet) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, reg := range t.byID {
		if !reg.active {
			delete(t.byID, id)
			t.removeFromQueue(reg)
			continue
		}
		if reg.updated {
			t.insertSorted(reg)
		}
	}
}
