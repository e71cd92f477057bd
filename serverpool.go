package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"
)

// DefaultDNSPort is the standard UDP port upstream resolvers listen on.
const DefaultDNSPort = 53

// DefaultHealthThreshold is N from §4.C's health policy: after this many
// consecutive failures a server's socket is automatically retired.
const DefaultHealthThreshold = 3

// WellKnownServers seeds a ServerPool with public recursive resolvers, per
// §4.C ("seeded with well-known public resolvers such as 8.8.8.8, 8.8.4.4,
// 208.67.222.222, 208.67.220.220"). OS resolver-configuration discovery is
// out of scope (§1); callers that have their own server list call Add
// instead of, or in addition to, seeding from this slice.
var WellKnownServers = []ServerAddress{
	{IP: net.ParseIP("8.8.8.8"), Port: DefaultDNSPort},
	{IP: net.ParseIP("8.8.4.4"), Port: DefaultDNSPort},
	{IP: net.ParseIP("208.67.222.222"), Port: DefaultDNSPort},
	{IP: net.ParseIP("208.67.220.220"), Port: DefaultDNSPort},
}

// ServerAddress identifies one upstream resolver. Equality is by bytes, per
// §3, which String()/key() implement via net.IP's own byte-comparable
// canonical form.
type ServerAddress struct {
	IP   net.IP
	Port uint16
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

func (a ServerAddress) key() string {
	return string(a.IP.To16()) + ":" + strconv.Itoa(int(a.Port))
}

func (a ServerAddress) isIPv6() bool {
	return a.IP.To4() == nil
}

// serverEntry is the ServerPool's bookkeeping row for one address, per §3's
// "ServerPool entry" data model.
type serverEntry struct {
	address ServerAddress

	mu     sync.Mutex
	socket DatagramSocket

	lastUsed            atomic.Int64 // unix nanos
	inFlightCount        atomic.Int64
	consecutiveFailures  atomic.Int32
	retired              atomic.Bool
}

// ServerPool maintains the ordered list of upstream resolver addresses and
// their per-server DatagramSocket handles (Component C).
type ServerPool struct {
	dialer  proxy.ContextDialer
	onRecv  ReceiveFunc
	healthN int32

	mu      sync.RWMutex
	order   []ServerAddress
	entries map[string]*serverEntry

	sockGroup singleflight.Group

	useIPv4 atomic.Bool
	useIPv6 atomic.Bool
	useUDP  atomic.Bool

	m       *metrics
	onRetire func(ServerAddress, DatagramSocket)
}

// NewServerPool builds an empty pool. onRecv is wired into every socket the
// pool opens, so the dispatcher's handleReceive runs for every datagram from
// every server without ServerPool needing to import the dispatcher type.
func NewServerPool(dialer proxy.ContextDialer, onRecv ReceiveFunc) *ServerPool {
	if dialer == nil {
		dialer = &directContextDialer{}
	}
	p := &ServerPool{
		dialer:  dialer,
		onRecv:  onRecv,
		healthN: DefaultHealthThreshold,
		entries: make(map[string]*serverEntry),
	}
	p.useIPv4.Store(true)
	p.useIPv6.Store(true)
	p.useUDP.Store(true)
	return p
}

// SetOnRetire registers a callback invoked whenever Retire closes a server's
// socket, with the address and the socket that was just closed. The
// dispatcher wires its failSocket method here so a query in flight on a
// just-retired socket fails immediately with ErrServerRetired instead of
// silently riding out its own deadline.
func (p *ServerPool) SetOnRetire(fn func(ServerAddress, DatagramSocket)) {
	p.onRetire = fn
}

// SetMetrics attaches the metrics this pool reports socket lifecycle events
// to. Must be called, if at all, before the pool opens its first socket.
func (p *ServerPool) SetMetrics(m *metrics) {
	p.m = m
}

// Add appends address to the ordered list if not already present. It
// reports whether the address was newly added.
func (p *ServerPool) Add(addr ServerAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[addr.key()]; ok {
		return false
	}
	p.entries[addr.key()] = &serverEntry{address: addr}
	p.order = append(p.order, addr)
	return true
}

// Remove drops address from the pool entirely, closing its socket if open.
func (p *ServerPool) Remove(addr ServerAddress) bool {
	p.mu.Lock()
	entry, ok := p.entries[addr.key()]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, addr.key())
	for i, a := range p.order {
		if a.key() == addr.key() {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	entry.mu.Lock()
	sock := entry.socket
	entry.socket = nil
	entry.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
		if p.m != nil {
			p.m.openSockets.Dec()
		}
	}
	return true
}

// Get returns the address at index, or the zero value and false if out of
// range.
func (p *ServerPool) Get(index int) (ServerAddress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.order) {
		return ServerAddress{}, false
	}
	return p.order[index], true
}

// Primary returns the first entry in the ordered list.
func (p *ServerPool) Primary() (ServerAddress, bool) {
	return p.Get(0)
}

// Len returns the number of configured servers.
func (p *ServerPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// All returns a copy of the ordered server list, skipping addresses whose
// family has been disabled via maybeDisableIPv6/maybeDisableIPv4.
func (p *ServerPool) All() []ServerAddress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ServerAddress, 0, len(p.order))
	ipv4ok := p.useIPv4.Load()
	ipv6ok := p.useIPv6.Load()
	for _, a := range p.order {
		if a.isIPv6() {
			if !ipv6ok {
				continue
			}
		} else if !ipv4ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (p *ServerPool) lookupEntry(addr ServerAddress) (*serverEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[addr.key()]
	return e, ok
}

// SocketFor returns the existing socket for address, opening one if absent.
// Concurrent calls for the same address are deduplicated via singleflight
// (grounded on the teacher's implicit per-pool serialization requirement in
// §4.C: "Socket creation is serialized per-pool; concurrent calls for the
// same address observe the same socket"), adapted from Doridian-foxDNS's
// getOrAddCache in-flight-dedup pattern but using the pack's dedicated
// library instead of a hand-rolled sync.Map+WaitGroup.
func (p *ServerPool) SocketFor(ctx context.Context, addr ServerAddress) (DatagramSocket, error) {
	entry, ok := p.lookupEntry(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a configured server", ErrInvalidArgument, addr)
	}
	if entry.retired.Load() {
		return nil, fmt.Errorf("%w: %s", ErrServerRetired, addr)
	}

	entry.mu.Lock()
	if entry.socket != nil {
		sock := entry.socket
		entry.mu.Unlock()
		return sock, nil
	}
	entry.mu.Unlock()

	v, err, _ := p.sockGroup.Do(addr.key(), func() (interface{}, error) {
		entry.mu.Lock()
		if entry.socket != nil {
			sock := entry.socket
			entry.mu.Unlock()
			return sock, nil
		}
		entry.mu.Unlock()

		sock, derr := dialUDPSocket(ctx, p.dialer, addr.String(), p.onRecv)
		if derr != nil {
			p.maybeDisableIPv6(addr, derr)
			p.maybeDisableIPv4(addr, derr)
			p.maybeDisableUDP(derr)
			return nil, derr
		}
		entry.mu.Lock()
		entry.socket = sock
		entry.mu.Unlock()
		if p.m != nil {
			p.m.openSockets.Inc()
		}
		return sock, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(DatagramSocket), nil
}

// Retire closes addr's socket and removes its mapping, per §4.C. The
// address stays in the ordered list; the next SocketFor call reopens it.
// Before closing the socket, the registered onRetire callback (the
// dispatcher's failSocket) runs so pending entries bound to it fail with
// ErrServerRetired instead of riding out their own deadline.
func (p *ServerPool) Retire(addr ServerAddress) {
	entry, ok := p.lookupEntry(addr)
	if !ok {
		return
	}
	entry.mu.Lock()
	sock := entry.socket
	entry.socket = nil
	entry.mu.Unlock()
	entry.consecutiveFailures.Store(0)
	if sock != nil {
		if p.onRetire != nil {
			p.onRetire(addr, sock)
		}
		_ = sock.Close()
		if p.m != nil {
			p.m.openSockets.Dec()
		}
	}
}

// RecordFailure increments addr's consecutive-failure counter and retires
// the server automatically once the health threshold is reached, returning
// true if this call triggered the retirement.
func (p *ServerPool) RecordFailure(addr ServerAddress) (retired bool) {
	entry, ok := p.lookupEntry(addr)
	if !ok {
		return false
	}
	n := entry.consecutiveFailures.Add(1)
	if n >= p.healthN && !entry.retired.Swap(true) {
		p.Retire(addr)
		entry.retired.Store(false) // address remains eligible for re-trial, per §4.C
		return true
	}
	return false
}

// RecordSuccess resets addr's consecutive-failure counter and bumps
// last-used.
func (p *ServerPool) RecordSuccess(addr ServerAddress) {
	entry, ok := p.lookupEntry(addr)
	if !ok {
		return
	}
	entry.consecutiveFailures.Store(0)
	entry.lastUsed.Store(time.Now().UnixNano())
}

// CloseAll closes every open socket in the pool without removing addresses
// from the ordered list, used by Resolver.Close to release file
// descriptors on shutdown.
func (p *ServerPool) CloseAll() {
	p.mu.RLock()
	entries := make([]*serverEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()
	for _, e := range entries {
		e.mu.Lock()
		sock := e.socket
		e.socket = nil
		e.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
			if p.m != nil {
				p.m.openSockets.Dec()
			}
		}
	}
}

// Validate issues a synchronous A-record lookup for a canary name against
// addr with the core timeout, returning true iff a valid response arrives.
// It is the one blocking operation in an otherwise non-blocking core (§5),
// used at bootstrap to filter unreachable OS-supplied servers.
func (p *ServerPool) Validate(ctx context.Context, dispatcher *QueryDispatcher, codec Codec, addr ServerAddress, canary string) bool {
	sock, err := p.SocketFor(ctx, addr)
	if err != nil {
		return false
	}
	id := dispatcher.ids.next()
	raw, err := codec.Encode(query{id: id, name: canary, qtype: 1})
	if err != nil {
		return false
	}
	handle := dispatcher.submitRaw(sock, raw, id, map[uint16]struct{}{1: {}}, addr, RequestTimeout)
	if handle == nil {
		return false
	}
	_, err = handle.Wait(ctx)
	return err == nil
}
