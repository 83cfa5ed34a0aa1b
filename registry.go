// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package relay

import (
	"net/http"
	"sync"
)

// RejectError describes why a sender or receiver registration was refused.
type RejectError struct {
	Code int    // HTTP status code to report
	text string // plain text reason, without the "[ERROR]" prefix
}

func (e *RejectError) Error() string { return e.text }

var (
	// ErrInvalidReceiverCount is returned when the n query parameter is not a positive integer.
	ErrInvalidReceiverCount = &RejectError{http.StatusBadRequest, "Invalid n query parameter."}
	// ErrReceiverCountMismatch is returned when n disagrees with what is already registered on the path.
	ErrReceiverCountMismatch = &RejectError{http.StatusBadRequest, "The number of receivers has been mismatched."}
	// ErrReceiverLimitReached is returned when the path already has its expected number of receivers.
	ErrReceiverLimitReached = &RejectError{http.StatusBadRequest, "The number of receivers has reached limit."}
	// ErrPathInUse is returned when another sender is already registered on the path.
	ErrPathInUse = &RejectError{http.StatusBadRequest, "The path has been used by another sender."}
	// ErrTransferInProgress is returned when a transfer is already streaming on the path.
	ErrTransferInProgress = &RejectError{http.StatusBadRequest, "Another transfer is in progress on this path."}
	// ErrReservedPathSend is returned when a sender addresses a reserved path.
	ErrReservedPathSend = &RejectError{http.StatusBadRequest, "Cannot send to the reserved path."}
	// ErrReservedPathReceive is returned when a receiver addresses a reserved path.
	ErrReservedPathReceive = &RejectError{http.StatusBadRequest, "Cannot receive from the reserved path."}
)

// slotState identifies what is registered on a path.
type slotState int

const (
	slotEmpty slotState = iota
	slotSenderWaiting
	slotReceiverWaiting
	slotInProgress
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotSenderWaiting:
		return "sender-waiting"
	case slotReceiverWaiting:
		return "receiver-waiting"
	case slotInProgress:
		return "in-progress"
	}
	return "invalid"
}

// slot is the per-path record. The expected receiver count is zero until
// fixed by a sender or by a receiver that specified it explicitly.
type slot struct {
	expected   int
	sender     *sender
	receivers  []*receiver
	inProgress bool
}

func (sl *slot) state() slotState {
	switch {
	case sl == nil:
		return slotEmpty
	case sl.inProgress:
		return slotInProgress
	case sl.sender != nil:
		return slotSenderWaiting
	case len(sl.receivers) > 0:
		return slotReceiverWaiting
	}
	return slotEmpty
}

// registry is the process-wide mapping from path to slot. A single mutex
// guards all transitions; critical sections do no I/O.
type registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newRegistry() *registry {
	return &registry{slots: make(map[string]*slot)}
}

// registerSender adds snd to the path. It returns the paired receivers when
// the arrival commits the pairing immediately, nil when the sender must wait
// for delivery on snd.commit, or a RejectError.
func (r *registry) registerSender(path string, snd *sender) (paired []*receiver, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[path]
	switch sl.state() {
	case slotEmpty:
		r.slots[path] = &slot{expected: snd.n, sender: snd}
	case slotInProgress:
		err = ErrTransferInProgress
	case slotSenderWaiting:
		err = ErrPathInUse
	case slotReceiverWaiting:
		if sl.expected > 0 && sl.expected != snd.n {
			err = ErrReceiverCountMismatch
		} else if len(sl.receivers) > snd.n {
			err = ErrReceiverCountMismatch
		} else if len(sl.receivers) == snd.n {
			paired = sl.receivers
			sl.receivers = nil
			sl.expected = snd.n
			sl.inProgress = true
		} else {
			sl.expected = snd.n
			sl.sender = snd
		}
	}
	return
}

// registerReceiver adds rc to the path. When the arrival completes the
// expected count the pairing commits and the receivers are delivered to the
// waiting sender's commit channel.
func (r *registry) registerReceiver(path string, rc *receiver) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[path]
	switch sl.state() {
	case slotEmpty:
		r.slots[path] = &slot{expected: rc.n, receivers: []*receiver{rc}}
	case slotInProgress:
		err = ErrTransferInProgress
	case slotSenderWaiting, slotReceiverWaiting:
		if rc.n > 0 && sl.expected > 0 && rc.n != sl.expected {
			err = ErrReceiverCountMismatch
			return
		}
		if sl.expected > 0 && len(sl.receivers) == sl.expected {
			err = ErrReceiverLimitReached
			return
		}
		if sl.expected == 0 {
			sl.expected = rc.n
		}
		sl.receivers = append(sl.receivers, rc)
		if sl.sender != nil && len(sl.receivers) == sl.expected {
			paired := sl.receivers
			sl.receivers = nil
			sl.inProgress = true
			// capacity 1 and only one commit can happen, so this never blocks
			sl.sender.commit <- paired
		}
	}
	return
}

// cancelSender removes a still-waiting sender. It reports false when the
// pairing already committed, in which case the commit channel holds the
// receivers and the caller must proceed with the transfer.
func (r *registry) cancelSender(path string, snd *sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[path]
	if sl == nil || sl.inProgress || sl.sender != snd {
		return false
	}
	sl.sender = nil
	if len(sl.receivers) == 0 {
		delete(r.slots, path)
	}
	return true
}

// cancelReceiver removes a still-waiting receiver. It reports false when the
// pairing already committed.
func (r *registry) cancelReceiver(path string, rc *receiver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[path]
	if sl == nil || sl.inProgress {
		return false
	}
	for i, other := range sl.receivers {
		if other == rc {
			sl.receivers = append(sl.receivers[:i], sl.receivers[i+1:]...)
			if sl.sender == nil && len(sl.receivers) == 0 {
				delete(r.slots, path)
			}
			return true
		}
	}
	return false
}

// release returns the path to the empty state. Called when a transfer ends on
// any terminal outcome.
func (r *registry) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, path)
}

// pathState reports the current slot state for the path.
func (r *registry) pathState(path string) slotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[path].state()
}
