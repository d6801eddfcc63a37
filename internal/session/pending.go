package session

import (
	"fmt"
	"sync"
	"time"
)

// callOutcome is delivered exactly once to the waiter of a pending call.
type callOutcome struct {
	resp Response
	err  error
}

type pendingCall struct {
	done  chan callOutcome
	timer *time.Timer
}

// pendingTable correlates outstanding requests with their responses. An entry
// is removed by whichever of response, deadline or teardown happens first; the
// others become no-ops.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// register stores a pending call for id and arms its deadline. The returned
// channel receives exactly one outcome.
func (t *pendingTable) register(id string, timeout time.Duration) <-chan callOutcome {
	pc := &pendingCall{done: make(chan callOutcome, 1)}

	t.mu.Lock()
	if old, ok := t.calls[id]; ok {
		delete(t.calls, id)
		old.timer.Stop()
		old.done <- callOutcome{err: fmt.Errorf("request id %s reused", id)}
		pendingCalls.Dec()
	}
	pc.timer = time.AfterFunc(timeout, func() {
		t.reject(id, fmt.Errorf("%w after %s", ErrCallTimeout, timeout))
	})
	t.calls[id] = pc
	t.mu.Unlock()

	pendingCalls.Inc()
	return pc.done
}

// resolve completes the call for id with resp. It reports false when no such
// call is pending (late or duplicate response).
func (t *pendingTable) resolve(id string, resp Response) bool {
	return t.complete(id, callOutcome{resp: resp})
}

// reject completes the call for id with err.
func (t *pendingTable) reject(id string, err error) bool {
	return t.complete(id, callOutcome{err: err})
}

func (t *pendingTable) complete(id string, out callOutcome) bool {
	t.mu.Lock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.done <- out
	pendingCalls.Dec()
	return true
}

// rejectAll fails every outstanding call with err.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.done <- callOutcome{err: err}
		pendingCalls.Dec()
	}
	return len(calls)
}

// Len returns the number of outstanding calls.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
