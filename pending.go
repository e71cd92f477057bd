package resolver

import (
	"context"
	"sync"
	"time"
)

// entryState is the state machine named in spec §4.E: ACTIVE is the only
// non-terminal state; every other transition is terminal and idempotent.
type entryState int32

const (
	stateActive entryState = iota
	stateCompleted
	stateTimeout
	stateFailed
	stateCancelled
)

// pendingEntry is one row of the dispatcher's pending table, keyed by
// (socket, id). Multi-type submissions create one pendingEntry per type,
// all sharing the same group.
type pendingEntry struct {
	socket      DatagramSocket
	id          uint16
	qtype       uint16
	server      ServerAddress
	group       *queryGroup
	submittedAt time.Time
	// handle is set for a standalone (non-grouped) submission; grouped
	// entries complete through group.handle instead.
	handle *DeferredHandle
	timer  *time.Timer

	mu    sync.Mutex
	state entryState
}

// markTerminal transitions the entry out of ACTIVE exactly once. It reports
// whether this call performed the transition, so callers can distinguish
// "I just completed this entry" from "someone already did".
func (e *pendingEntry) markTerminal(s entryState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateActive {
		return false
	}
	e.state = s
	return true
}

func (e *pendingEntry) currentState() entryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ownHandle returns the DeferredHandle this entry ultimately completes,
// whether it is a standalone submission or one member of a query group.
func (e *pendingEntry) ownHandle() *DeferredHandle {
	if e.group != nil {
		return e.group.handle
	}
	return e.handle
}

// disarm stops the entry's deadline timer, if any. Safe to call multiple
// times and from any goroutine.
func (e *pendingEntry) disarm() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// DeferredHandle is the future-like result handle returned by every
// resolver lookup call. It completes exactly once; later completion
// attempts are no-ops, matching the PendingEntry state machine's terminal
// idempotence.
type DeferredHandle struct {
	mu        sync.Mutex
	done      chan struct{}
	records   []Record
	err       error
	completed bool
}

func newDeferredHandle() *DeferredHandle {
	return &DeferredHandle{done: make(chan struct{})}
}

// complete resolves the handle. It reports whether this call was the one
// that completed it.
func (h *DeferredHandle) complete(records []Record, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed {
		return false
	}
	h.completed = true
	h.records = records
	h.err = err
	close(h.done)
	return true
}

// Wait blocks until the handle completes or ctx is done, whichever comes
// first. It is the synchronous counterpart to Done/Result for callers
// that prefer a single blocking call.
func (h *DeferredHandle) Wait(ctx context.Context) ([]Record, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.records, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the handle completes.
func (h *DeferredHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the handle's outcome. It must only be called after Done()
// has been observed closed.
func (h *DeferredHandle) Result() ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records, h.err
}

// queryGroup binds the sibling pendingEntry rows created by a single
// submitMulti call together behind one DeferredHandle, implementing the
// "race for first valid type" contract: the group completes on the first
// entry whose response yields a non-empty, type-matching answer, and fails
// only once every sibling has lost: timed out, answered with NoData or a
// server error, failed to send, or been failed by a server retirement.
type queryGroup struct {
	handle  *DeferredHandle
	entries []*pendingEntry

	mu            sync.Mutex
	timedOutCount int
}

func newQueryGroup(n int) *queryGroup {
	return &queryGroup{handle: newDeferredHandle(), entries: make([]*pendingEntry, 0, n)}
}

func (g *queryGroup) add(e *pendingEntry) {
	g.entries = append(g.entries, e)
}

// recordTimeout accounts for one sibling losing (a timeout, or any other
// non-winning outcome the dispatcher counts the same way) and reports
// whether every sibling in the group has now lost, meaning the group as a
// whole should fail.
func (g *queryGroup) recordTimeout() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timedOutCount++
	return g.timedOutCount >= len(g.entries)
}
