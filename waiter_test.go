package herald

import "testing"

func TestWaiterReleaseOnlyFiresOnce(t *testing.T) {
	w := newWaiter()

	msg := &MessageReceived{Message: NewMessage("herald/raw", "first")}
	if !w.release(waiterResolved, msg, nil) {
		t.Fatalf("expected the first release to succeed")
	}
	if w.release(waiterErrored, nil, NewHeraldTimeoutError("late", nil)) {
		t.Fatalf("expected a second release to be dropped")
	}

	<-w.resultCh
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.result != msg {
		t.Fatalf("expected the first release's result to stick")
	}
	if w.err != nil {
		t.Fatalf("expected no error from the first, successful release")
	}
}

func TestWaiterReleaseUnblocksResultChannel(t *testing.T) {
	w := newWaiter()

	select {
	case <-w.resultCh:
		t.Fatalf("resultCh must not be closed before release")
	default:
	}

	w.release(waiterTimedOut, nil, NewHeraldTimeoutError("timeout", nil))

	select {
	case <-w.resultCh:
	default:
		t.Fatalf("resultCh must be closed after release")
	}
}
