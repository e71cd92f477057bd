package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
)

// RequestTimeout is the default per-query deadline (§6: REQUEST_TIMEOUT,
// 2000ms default), used whenever a caller does not supply its own.
const RequestTimeout = 2000 * time.Millisecond

type pendingKey struct {
	socket DatagramSocket
	id     uint16
}

// QueryDispatcher owns the pending-entry table and the logic that submits
// queries, demultiplexes responses by id, and resolves or fails handles
// (Component D). Deadlines use one time.AfterFunc per pendingEntry rather
// than a hand-rolled timer wheel — the Go runtime's own timer heap already
// is the "equivalent ordered deadline structure" §4.D allows in place of an
// explicit one. Handle completion and health-check callbacks run on a
// shared gammazero/workerpool executor so user callbacks never block a
// socket's read-pump goroutine (§5: "a separate executor pool for
// completing user-visible handles").
type QueryDispatcher struct {
	codec Codec
	ids   *idAllocator
	pool  *workerpool.WorkerPool
	sp    *ServerPool
	m     *metrics
	log   *rlog

	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
}

// NewQueryDispatcher builds a dispatcher around codec, dispatching
// completions through a worker pool of the given size (0 uses a sensible
// default). The ServerPool must be attached afterward via SetServerPool,
// since ServerPool's onRecv callback needs a *QueryDispatcher to forward to
// and QueryDispatcher's health handling needs a *ServerPool to report
// failures to — a short, deliberate wiring cycle broken by two-phase
// construction instead of an import cycle (both types live in this
// package).
func NewQueryDispatcher(codec Codec, workers int, m *metrics, log *rlog) *QueryDispatcher {
	if workers <= 0 {
		workers = 16
	}
	return &QueryDispatcher{
		codec:   codec,
		ids:     newIDAllocator(),
		pool:    workerpool.New(workers),
		pending: make(map[pendingKey]*pendingEntry),
		m:       m,
		log:     log,
	}
}

// SetServerPool attaches the ServerPool this dispatcher reports health
// outcomes to. Must be called once before Submit/SubmitMulti are used.
func (d *QueryDispatcher) SetServerPool(sp *ServerPool) {
	d.sp = sp
}

// Stop releases the dispatcher's worker pool. Outstanding pending entries
// are not implicitly canceled; callers should Retire their servers first.
func (d *QueryDispatcher) Stop() {
	d.pool.StopWait()
}

func (d *QueryDispatcher) register(key pendingKey, entry *pendingEntry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pending[key]; exists {
		return false
	}
	d.pending[key] = entry
	if d.m != nil {
		d.m.pendingQueries.Inc()
	}
	return true
}

func (d *QueryDispatcher) remove(key pendingKey) {
	d.mu.Lock()
	_, existed := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	if existed && d.m != nil {
		d.m.pendingQueries.Dec()
	}
}

// Submit allocates an id, registers a pending entry, sends the encoded
// query on socket, arms a deadline, and returns a DeferredHandle — the
// single-type path through §4.D's submit algorithm.
func (d *QueryDispatcher) Submit(ctx context.Context, socket DatagramSocket, addr ServerAddress, name string, qtype uint16, timeout time.Duration) (*DeferredHandle, error) {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	id := d.ids.next()
	raw, err := d.codec.Encode(query{id: id, name: name, qtype: qtype})
	if err != nil {
		return nil, err
	}

	entry := &pendingEntry{socket: socket, id: id, qtype: qtype, server: addr, handle: newDeferredHandle(), submittedAt: time.Now()}
	key := pendingKey{socket: socket, id: id}
	if !d.register(key, entry) {
		// One re-allocation before reporting the collision.
		id = d.ids.next()
		if raw, err = d.codec.Encode(query{id: id, name: name, qtype: qtype}); err != nil {
			return nil, err
		}
		entry.id, key = id, pendingKey{socket: socket, id: id}
		if !d.register(key, entry) {
			return nil, fmt.Errorf("%w: id %d already pending on this socket", ErrIDCollision, id)
		}
	}

	if err := socket.Send(ctx, raw); err != nil {
		d.remove(key)
		entry.markTerminal(stateFailed)
		wrapped := fmt.Errorf("%w: %v", ErrTransport, err)
		entry.handle.complete(nil, wrapped)
		d.reportFailure(addr, "transport", wrapped)
		d.observeDuration(entry, "transport")
		return entry.handle, nil
	}

	entry.timer = time.AfterFunc(timeout, func() { d.onTimeout(key, entry) })
	return entry.handle, nil
}

// submitRaw is the low-level primitive used by ServerPool.Validate for its
// synchronous bootstrap canary query: it bypasses name/type encoding since
// the caller has already built the raw datagram.
func (d *QueryDispatcher) submitRaw(socket DatagramSocket, raw []byte, id uint16, typesExpected map[uint16]struct{}, addr ServerAddress, timeout time.Duration) *DeferredHandle {
	var qtype uint16
	for t := range typesExpected {
		qtype = t
		break
	}
	entry := &pendingEntry{socket: socket, id: id, qtype: qtype, server: addr, handle: newDeferredHandle(), submittedAt: time.Now()}
	key := pendingKey{socket: socket, id: id}
	if !d.register(key, entry) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := socket.Send(ctx, raw); err != nil {
		d.remove(key)
		entry.markTerminal(stateFailed)
		entry.handle.complete(nil, fmt.Errorf("%w: %v", ErrTransport, err))
		d.observeDuration(entry, "transport")
		return entry.handle
	}
	entry.timer = time.AfterFunc(timeout, func() { d.onTimeout(key, entry) })
	return entry.handle
}

// SubmitMulti registers one pending entry per type in types, all sharing a
// single DeferredHandle that completes on the first sibling whose response
// yields a non-empty, type-matching answer — the "race for first valid
// type" behavior required by lookup(name) racing A against AAAA and by any
// other multi-type facade (§4.D).
func (d *QueryDispatcher) SubmitMulti(ctx context.Context, socket DatagramSocket, addr ServerAddress, name string, types []uint16, timeout time.Duration) (*DeferredHandle, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: SubmitMulti requires at least one type", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	group := newQueryGroup(len(types))

	var keys []pendingKey
	var sendErrs []error
	for _, qtype := range types {
		id := d.ids.next()
		raw, err := d.codec.Encode(query{id: id, name: name, qtype: qtype})
		if err != nil {
			continue
		}
		entry := &pendingEntry{socket: socket, id: id, qtype: qtype, server: addr, group: group, submittedAt: time.Now()}
		key := pendingKey{socket: socket, id: id}
		if !d.register(key, entry) {
			// One re-allocation before leaving this type out of the group.
			id = d.ids.next()
			if raw, err = d.codec.Encode(query{id: id, name: name, qtype: qtype}); err != nil {
				continue
			}
			entry.id, key = id, pendingKey{socket: socket, id: id}
			if !d.register(key, entry) {
				continue
			}
		}
		group.add(entry)
		keys = append(keys, key)

		if err := socket.Send(ctx, raw); err != nil {
			d.remove(key)
			entry.markTerminal(stateFailed)
			d.observeDuration(entry, "transport")
			sendErrs = append(sendErrs, err)
			continue
		}
		entry.timer = time.AfterFunc(timeout, func() { d.onTimeout(key, entry) })
	}

	if len(group.entries) == 0 {
		group.handle.complete(nil, fmt.Errorf("%w: %v", ErrTransport, "no query in the group could be sent"))
	}
	// A sibling whose send failed has lost the race; it is counted only now
	// that the group's membership is final, so a group whose every send
	// failed completes with ErrTransport instead of never completing.
	for _, err := range sendErrs {
		if group.recordTimeout() {
			d.complete(group.handle, nil, fmt.Errorf("%w: %v", ErrTransport, err))
		}
	}
	return group.handle, nil
}

// onTimeout fires when one pendingEntry's deadline elapses.
func (d *QueryDispatcher) onTimeout(key pendingKey, entry *pendingEntry) {
	if !entry.markTerminal(stateTimeout) {
		return
	}
	d.remove(key)
	d.reportFailure(entry.server, "timeout", ErrTimeout)
	d.observeDuration(entry, "timeout")

	if entry.group == nil {
		d.complete(entry.handle, nil, ErrTimeout)
		return
	}
	if entry.group.recordTimeout() {
		d.complete(entry.group.handle, nil, ErrTimeout)
	}
}

// handleReceive is the ReceiveFunc wired into every socket the ServerPool
// opens. It decodes the datagram, looks up the matching pending entry, and
// resolves or fails it, per §4.D's on_receive algorithm. It runs on the
// socket's read-pump goroutine and must not block, so the actual handle
// completion (which may invoke arbitrary user-visible channel sends) is
// dispatched onto the worker pool.
func (d *QueryDispatcher) handleReceive(socket DatagramSocket, data []byte) {
	resp, err := d.codec.Decode(data)
	if err != nil {
		if d.log != nil {
			d.log.Debugw("dropping malformed datagram", "error", err)
		}
		return
	}

	key := pendingKey{socket: socket, id: resp.id}
	d.mu.Lock()
	entry, ok := d.pending[key]
	d.mu.Unlock()
	if !ok {
		return // late or spurious reply
	}

	d.pool.Submit(func() {
		d.resolveEntry(key, entry, resp)
	})
}

func (d *QueryDispatcher) resolveEntry(key pendingKey, entry *pendingEntry, resp response) {
	if !entry.markTerminal(stateCompleted) {
		return
	}
	d.remove(key)
	entry.disarm()

	const rcodeSuccess = 0
	const rcodeNameError = 3

	if resp.rcode != rcodeSuccess && resp.rcode != rcodeNameError {
		err := fmt.Errorf("%w: rcode %d", ErrServerFailure, resp.rcode)
		d.reportFailure(entry.server, "server-error", err)
		d.observeDuration(entry, "server-error")
		if entry.group == nil {
			d.complete(entry.handle, nil, err)
		} else {
			d.failGroupMember(entry, err)
		}
		return
	}

	d.sp.RecordSuccess(entry.server)

	matched := make([]Record, 0, len(resp.answers))
	for _, r := range resp.answers {
		if r.Type == entry.qtype {
			matched = append(matched, r)
		}
	}

	if resp.rcode == rcodeNameError {
		// Authoritative negative result: completes with an empty list,
		// never treated as a group failure to race around.
		d.observeDuration(entry, "nxdomain")
		d.complete(entry.ownHandle(), nil, nil)
		if entry.group != nil {
			d.cancelLosingSiblings(entry)
		}
		return
	}

	if len(matched) == 0 {
		// NoData for this type. For a standalone submission this is a
		// valid (empty) completion; for a group member it is not itself
		// the race winner, so let siblings or the eventual timeout decide.
		d.observeDuration(entry, "nodata")
		if entry.group == nil {
			d.complete(entry.handle, nil, nil)
		} else if entry.group.recordTimeout() {
			d.complete(entry.group.handle, nil, ErrTimeout)
		}
		return
	}

	d.observeDuration(entry, "success")
	d.complete(entry.ownHandle(), matched, nil)
	if entry.group != nil {
		d.cancelLosingSiblings(entry)
	}
}

// cancelLosingSiblings removes every other member of winner's query group
// from the pending table and disarms its deadline timer, per §4.D: once a
// group's shared handle completes, "the remaining entries are cancelled
// (removed)". Without this, a sibling that has not yet answered keeps
// running its own deadline and, on firing, reports a failure against a
// server that may have just answered successfully on another sibling.
func (d *QueryDispatcher) cancelLosingSiblings(winner *pendingEntry) {
	for _, sibling := range winner.group.entries {
		if sibling == winner {
			continue
		}
		if !sibling.markTerminal(stateCancelled) {
			continue
		}
		sibling.disarm()
		d.remove(pendingKey{socket: sibling.socket, id: sibling.id})
	}
}

// failGroupMember treats a hard server-error response on one group member
// as equivalent to that member timing out: it does not fail the whole
// group unless every member has now failed or timed out.
func (d *QueryDispatcher) failGroupMember(entry *pendingEntry, err error) {
	if entry.group.recordTimeout() {
		d.complete(entry.group.handle, nil, err)
	}
}

// observeDuration records one query attempt's submit-to-completion latency
// under outcome, populating the queryDuration histogram (Component J).
func (d *QueryDispatcher) observeDuration(entry *pendingEntry, outcome string) {
	if d.m == nil {
		return
	}
	d.m.queryDuration.WithLabelValues(entry.server.String(), outcome).Observe(time.Since(entry.submittedAt).Seconds())
}

func (d *QueryDispatcher) complete(handle *DeferredHandle, records []Record, err error) {
	if handle == nil {
		return
	}
	handle.complete(records, err)
}

// reportFailure records a failed attempt against addr for both metrics and
// health-policy purposes. err is mapped to an RFC 8914 extended DNS error
// code (extendedrcode.go) for the log line, giving operators a standard
// vocabulary for "why did this attempt fail" beyond the three-way
// class string.
func (d *QueryDispatcher) reportFailure(addr ServerAddress, class string, err error) {
	if d.m != nil {
		d.m.queryErrors.WithLabelValues(addr.String(), class).Inc()
	}
	if d.log != nil {
		d.log.Warnw("query attempt failed", "server", addr.String(), "class", class,
			"extended_rcode", ExtendedErrorCodeFromError(err))
	}
	if d.sp != nil {
		if retired := d.sp.RecordFailure(addr); retired && d.m != nil {
			d.m.serversRetired.Inc()
		}
	}
}

// failSocket fails every pending entry bound to socket with ErrServerRetired,
// used as ServerPool's onRetire callback (§4.C/§5: retiring a server "cancels
// all pending entries bound to it with a 'server retired' failure") so a
// query in flight to a socket that just got retired doesn't silently ride
// out its full deadline as a generic timeout.
func (d *QueryDispatcher) failSocket(addr ServerAddress, socket DatagramSocket) {
	d.mu.Lock()
	var bound []*pendingEntry
	for key, entry := range d.pending {
		if key.socket == socket {
			bound = append(bound, entry)
		}
	}
	d.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrServerRetired, addr)
	for _, entry := range bound {
		if !entry.markTerminal(stateFailed) {
			continue
		}
		entry.disarm()
		d.remove(pendingKey{socket: entry.socket, id: entry.id})
		d.observeDuration(entry, "retired")
		if entry.group == nil {
			d.complete(entry.handle, nil, err)
		} else {
			d.failGroupMember(entry, err)
		}
	}
}

// Cancel removes every pending entry bound to handle's owning submission.
// Cancellation propagates to multi-type siblings and frees pending entries
// promptly; in-flight datagrams already sent may still arrive and are
// silently dropped by handleReceive's now-missing table lookup.
func (d *QueryDispatcher) Cancel(entries []*pendingEntry) {
	for _, entry := range entries {
		if entry.markTerminal(stateCancelled) {
			entry.disarm()
			d.remove(pendingKey{socket: entry.socket, id: entry.id})
		}
	}
	if len(entries) > 0 {
		handle := entries[0].ownHandle()
		handle.complete(nil, ErrCanceled)
	}
}
