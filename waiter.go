package herald

import "sync"

// waiterState is the pending-request state machine backing send: exactly one
// transition fires, pending -> {resolved, errored, forgotten, timed-out}.
type waiterState int

const (
	waiterPending waiterState = iota
	waiterResolved
	waiterErrored
	waiterForgotten
	waiterTimedOut
)

// waiter backs one outstanding send() call. release is safe to call from
// any goroutine and only the first caller's outcome sticks; later calls
// (e.g. a reply arriving after the send already timed out) are dropped
// silently.
type waiter struct {
	mu       sync.Mutex
	state    waiterState
	resultCh chan struct{}

	result *MessageReceived
	err    error
}

func newWaiter() *waiter {
	return &waiter{resultCh: make(chan struct{})}
}

// release attempts the pending -> state transition, delivering result/err.
// Returns true if this call performed the transition.
func (w *waiter) release(state waiterState, result *MessageReceived, err error) bool {
	w.mu.Lock()
	if w.state != waiterPending {
		w.mu.Unlock()
		return false
	}
	w.state = state
	w.result = result
	w.err = err
	w.mu.Unlock()

	close(w.resultCh)
	return true
}

// pendingPost backs one outstanding post() call: its callbacks run on the
// worker pool when a reply or error arrives.
type pendingPost struct {
	onReply func(d *Dispatcher, m *MessageReceived)
	onError func(d *Dispatcher, err error)
}
