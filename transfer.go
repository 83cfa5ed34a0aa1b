package relay

import (
	"io"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrTransferConsumed is returned when awaiting a transfer that was already received.
type ErrTransferConsumed struct{}

func (ErrTransferConsumed) Error() string { return "transfer already consumed" }

// ErrTransferAborted is returned when a waiting party is cancelled before pairing.
type ErrTransferAborted struct{}

func (ErrTransferAborted) Error() string { return "transfer aborted" }

// transfer carries the response material a sender hands to a paired receiver:
// the status and headers to emit, and the stream the body bytes arrive on.
type transfer struct {
	status int
	header http.Header
	body   *io.PipeReader
}

// handoff delivers a transfer exactly once from a sender task to a receiver
// task. A second resolve fails and a second await yields nothing.
type handoff struct {
	resolved int32
	ch       chan *transfer
}

func newHandoff() *handoff {
	return &handoff{ch: make(chan *transfer, 1)}
}

// resolve delivers t to the awaiting side. It reports whether this was the
// first and only delivery.
func (h *handoff) resolve(t *transfer) bool {
	if !atomic.CompareAndSwapInt32(&h.resolved, 0, 1) {
		return false
	}
	h.ch <- t
	close(h.ch)
	return true
}

// await blocks until a transfer is delivered or cancel is closed.
func (h *handoff) await(cancel <-chan struct{}) (t *transfer, err error) {
	select {
	case t = <-h.ch:
		if t == nil {
			err = errors.WithStack(ErrTransferConsumed{})
		}
	case <-cancel:
		err = errors.WithStack(ErrTransferAborted{})
	}
	return
}

// sender is the registry handle for a send request. The registry delivers the
// paired receivers on commit when the sender arrived before they did.
type sender struct {
	n      int              // receivers required to commit
	commit chan []*receiver // capacity 1, written under the registry lock
}

func newSender(n int) *sender {
	return &sender{n: n, commit: make(chan []*receiver, 1)}
}

// receiver is the registry handle for a receive request. The sender writes
// body bytes into pw; the receiver relays them from pr to its client. done is
// closed when the receiver's handler will no longer touch its response.
type receiver struct {
	n    int // expected receiver count, zero when unspecified
	head bool
	hand *handoff
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
}

func newReceiver(n int, head bool) *receiver {
	pr, pw := io.Pipe()
	return &receiver{
		n:    n,
		head: head,
		hand: newHandoff(),
		pr:   pr,
		pw:   pw,
		done: make(chan struct{}),
	}
}
