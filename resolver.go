package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/proxy"

	"github.com/relaydns/resolver/cache"
)

// maxBootstrapValidationWorkers bounds how many canary validations
// ValidateBootstrapServers runs concurrently, reusing the same
// gammazero/workerpool executor style as the dispatcher's handle-completion
// pool (Component I) rather than an unbounded per-server goroutine, so a
// large OS-supplied resolver list can't open hundreds of sockets at once.
const maxBootstrapValidationWorkers = 16

// Address family selectors for Lookup, per §6's "family ∈ {4, 6, any}".
const (
	FamilyAny  = 0
	FamilyIPv4 = 4
	FamilyIPv6 = 6
)

// Resolver is the facade (Component E): it translates high-level lookup
// requests into dispatcher calls, consults and fills the cache, picks
// servers, and implements failover. It bundles what the teacher's
// resolver.go/service.go kept as package-level globals (server list, socket
// map, id counter) into one explicit value per §9's "process-wide
// singletons -> explicit resolver state" design note — a convenience
// top-level instance is deliberately not offered.
type Resolver struct {
	pool  *ServerPool
	disp  *QueryDispatcher
	cache Cacher
	codec Codec
	m     *metrics
	log   *rlog
	reg   prometheus.Registerer

	timeout time.Duration
}

// config is the mutable state functional options write into before New
// assembles the Resolver proper. Kept unexported: only the With* functions
// below may touch it, per the pattern in
// other_examples/bschaatsbergen-dnsdialer__options.go.
type config struct {
	servers         []ServerAddress
	dialer          proxy.ContextDialer
	timeout         time.Duration
	healthThreshold int32
	workers         int
	cacheShardCap   int
	minTTL          time.Duration
	maxTTL          time.Duration
	negativeTTL     time.Duration
	cacher          Cacher
	codec           Codec
	logConfig       LogConfig
	registerer      prometheus.Registerer
}

// Option configures a Resolver built by New. See WithServers, WithTimeout,
// WithDialer, WithCache, and the rest below.
type Option func(*config)

// WithServers sets the initial upstream server list, replacing the default
// WellKnownServers seed. Order matters: Primary() and unpinned failover
// both start from index 0.
//
// Example:
//
//	r, err := resolver.New(
//	    resolver.WithServers(
//	        resolver.ServerAddress{IP: net.ParseIP("1.1.1.1"), Port: 53},
//	        resolver.ServerAddress{IP: net.ParseIP("1.0.0.1"), Port: 53},
//	    ),
//	)
func WithServers(addrs ...ServerAddress) Option {
	return func(c *config) {
		c.servers = append(c.servers, addrs...)
	}
}

// WithDialer routes every upstream UDP connection through dialer instead of
// dialing directly, letting callers send resolver traffic through a SOCKS
// proxy or other golang.org/x/net/proxy-compatible dialer.
func WithDialer(dialer proxy.ContextDialer) Option {
	return func(c *config) { c.dialer = dialer }
}

// WithTimeout sets the per-query deadline, overriding RequestTimeout's
// 2000ms default. Each failover attempt gets a fresh copy of this timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHealthThreshold overrides DefaultHealthThreshold, the number of
// consecutive failures before a server is automatically retired.
func WithHealthThreshold(n int32) Option {
	return func(c *config) {
		if n > 0 {
			c.healthThreshold = n
		}
	}
}

// WithDispatcherWorkers sets the size of the worker pool used to complete
// handles off the socket read-pump goroutines.
func WithDispatcherWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithCacheTuning overrides the cache's shard capacity and TTL bounds.
// Passing 0 for any argument keeps that field's default.
func WithCacheTuning(shardCap int, minTTL, maxTTL, negativeTTL time.Duration) Option {
	return func(c *config) {
		c.cacheShardCap = shardCap
		if minTTL > 0 {
			c.minTTL = minTTL
		}
		if maxTTL > 0 {
			c.maxTTL = maxTTL
		}
		if negativeTTL > 0 {
			c.negativeTTL = negativeTTL
		}
	}
}

// WithCache substitutes a caller-supplied Cacher (e.g. a fake, in tests) in
// place of the default cache.ResourceCache.
func WithCache(c2 Cacher) Option {
	return func(c *config) { c.cacher = c2 }
}

// WithCodec substitutes a caller-supplied Codec in place of the default
// miekg/dns-backed implementation — primarily for tests that want to drive
// the dispatcher without a real wire format.
func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithLogConfig overrides DefaultLogConfig's stdout/warn-level logging.
func WithLogConfig(lc LogConfig) Option {
	return func(c *config) { c.logConfig = lc }
}

// WithMetricsRegisterer registers the resolver's prometheus collectors
// against reg instead of the global default registry — required when more
// than one Resolver runs in the same process.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// New builds a Resolver. With no options, it seeds WellKnownServers, uses a
// direct (non-proxied) UDP dialer, a 2000ms timeout, and logs warnings and
// above to stdout. Bootstrap server validation is never implicit here —
// callers that want it call ValidateBootstrapServers explicitly afterward,
// per §9's open question on making validation configurable rather than
// forced on every caller.
func New(opts ...Option) (*Resolver, error) {
	c := &config{
		timeout:         RequestTimeout,
		healthThreshold: DefaultHealthThreshold,
		logConfig:       DefaultLogConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.servers) == 0 {
		c.servers = append(c.servers, WellKnownServers...)
	}
	if c.codec == nil {
		c.codec = newDNSCodec()
	}

	log, err := newRlog(c.logConfig)
	if err != nil {
		return nil, err
	}

	m := newMetrics(c.registerer)

	var cacher Cacher
	if c.cacher != nil {
		cacher = c.cacher
	} else {
		rc := cache.New(c.cacheShardCap)
		if c.minTTL > 0 {
			rc.MinTTL = c.minTTL
		}
		if c.maxTTL > 0 {
			rc.MaxTTL = c.maxTTL
		}
		if c.negativeTTL > 0 {
			rc.NegativeTTL = c.negativeTTL
		}
		m.bindCacheHitRatio(c.registerer, rc.HitRatio)
		cacher = rc
	}

	disp := NewQueryDispatcher(c.codec, c.workers, m, log)
	pool := NewServerPool(c.dialer, disp.handleReceive)
	pool.healthN = c.healthThreshold
	disp.SetServerPool(pool)
	pool.SetOnRetire(disp.failSocket)
	pool.SetMetrics(m)

	for _, addr := range c.servers {
		pool.Add(addr)
	}

	return &Resolver{
		pool:    pool,
		disp:    disp,
		cache:   cacher,
		codec:   c.codec,
		m:       m,
		log:     log,
		reg:     c.registerer,
		timeout: c.timeout,
	}, nil
}

// Close releases the dispatcher's worker pool and every open socket. A
// Resolver is not usable after Close.
func (r *Resolver) Close() error {
	r.disp.Stop()
	r.pool.CloseAll()
	r.log.Sync()
	return nil
}

// AddServer appends addr to the server list. See ServerPool.Add.
func (r *Resolver) AddServer(addr ServerAddress) bool { return r.pool.Add(addr) }

// RemoveServer drops addr from the server list. See ServerPool.Remove.
func (r *Resolver) RemoveServer(addr ServerAddress) bool { return r.pool.Remove(addr) }

// GetServer returns the address at index. See ServerPool.Get.
func (r *Resolver) GetServer(index int) (ServerAddress, bool) { return r.pool.Get(index) }

// ValidateBootstrapServers synchronously validates every configured server
// against canary, each canary query bounded by RequestTimeout (the
// resolver's configured timeout is not applied here) and by ctx, removing
// any that fail to
// answer. It returns the addresses that were removed. This is the one
// blocking operation the facade exposes (§5), intended to run once at
// startup on a goroutine the caller controls — never implicitly from New.
// Validation fans out across a bounded worker pool (Component I) rather than
// one goroutine per server, so a large OS-supplied resolver list can't blow
// past a sane number of concurrent in-flight sockets during startup.
func (r *Resolver) ValidateBootstrapServers(ctx context.Context, canary string) []ServerAddress {
	servers := r.pool.All()

	wp := workerpool.New(maxBootstrapValidationWorkers)
	var mu sync.Mutex
	bad := make(map[string]struct{}, len(servers))
	for _, addr := range servers {
		addr := addr
		wp.Submit(func() {
			if !r.pool.Validate(ctx, r.disp, r.codec, addr, canary) {
				mu.Lock()
				bad[addr.key()] = struct{}{}
				mu.Unlock()
			}
		})
	}
	wp.StopWait()

	var removed []ServerAddress
	for _, addr := range servers {
		if _, ok := bad[addr.key()]; ok {
			r.pool.Remove(addr)
			removed = append(removed, addr)
		}
	}
	return removed
}

// normalizeName lowercases name, ensures a trailing dot, and enforces the
// length limits from §3 ("length <= 255, each label <= 63 octets").
func normalizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	if len(name) > 255 {
		return "", fmt.Errorf("%w: name exceeds 255 octets", ErrInvalidArgument)
	}
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	for _, label := range labels {
		if len(label) > 63 {
			return "", fmt.Errorf("%w: label %q exceeds 63 octets", ErrInvalidArgument, label)
		}
	}
	return name, nil
}

// candidateServers returns the pool's servers in failover order, starting
// at start if given and present, otherwise at the primary.
func (r *Resolver) candidateServers(start *ServerAddress) []ServerAddress {
	all := r.pool.All()
	if len(all) == 0 {
		return nil
	}
	startIdx := 0
	if start != nil {
		for i, a := range all {
			if a.key() == start.key() {
				startIdx = i
				break
			}
		}
	}
	out := make([]ServerAddress, 0, len(all))
	for i := range all {
		out = append(out, all[(startIdx+i)%len(all)])
	}
	return out
}

// resolveTypes is the shared core behind every public lookup method: cache
// probe, then submit-with-failover across the candidate server list,
// per §4.E.
func (r *Resolver) resolveTypes(ctx context.Context, name string, types []uint16, server *ServerAddress) (*DeferredHandle, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one record type is required", ErrInvalidArgument)
	}

	for _, qtype := range types {
		if records, ok := r.cache.GetRecords(name, qtype); ok {
			h := newDeferredHandle()
			h.complete(records, nil)
			return h, nil
		}
	}

	servers := r.candidateServers(server)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no servers configured", ErrInvalidArgument)
	}

	outer := newDeferredHandle()
	go r.attemptLoop(ctx, name, types, servers, outer)
	return outer, nil
}

// attemptLoop drives failover across servers for one logical query,
// completing outer exactly once. It runs on its own goroutine so
// resolveTypes can return the handle immediately, matching §5's
// non-blocking user-facing calls.
func (r *Resolver) attemptLoop(ctx context.Context, name string, types []uint16, servers []ServerAddress, outer *DeferredHandle) {
	var lastErr error
	for _, addr := range servers {
		sock, err := r.pool.SocketFor(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}

		handle, err := r.disp.SubmitMulti(ctx, sock, addr, name, types, r.timeout)
		if err != nil {
			lastErr = err
			continue
		}

		select {
		case <-handle.Done():
		case <-ctx.Done():
			outer.complete(nil, ctx.Err())
			return
		}

		records, err := handle.Result()
		if err == nil {
			r.populateCache(name, types, records)
			outer.complete(records, nil)
			return
		}

		lastErr = err
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) ||
			errors.Is(err, ErrServerFailure) || errors.Is(err, ErrServerRetired) {
			continue // §4.E failover: retry against the next server
		}
		break // anything else (e.g. a caller-level cancellation) is final
	}
	outer.complete(nil, lastErr)
}

// populateCache fills the cache for the type that actually answered
// (single-type submissions) or, for a multi-type race, the type the
// winning records carry. An empty result is stored once, against the sole
// requested type for single-type queries, implementing the negative-cache
// path of §4.B/§4.E.
func (r *Resolver) populateCache(name string, types []uint16, records []Record) {
	if len(records) > 0 {
		r.cache.Put(name, records[0].Type, records)
		return
	}
	if len(types) == 1 {
		r.cache.Put(name, types[0], records)
	}
}

// singleFromList waits for inner to complete and reduces its record list to
// its first element, failing with ErrEmpty if the list was empty. It backs
// every "_single" API variant named in §6.
func singleFromList(ctx context.Context, inner *DeferredHandle) *DeferredHandle {
	out := newDeferredHandle()
	go func() {
		records, err := inner.Wait(ctx)
		if err != nil {
			out.complete(nil, err)
			return
		}
		if len(records) == 0 {
			out.complete(nil, ErrEmpty)
			return
		}
		out.complete(records[:1], nil)
	}()
	return out
}

// Lookup races A against AAAA and completes with whichever answers first
// with a non-empty record set ("lookup(name) -> Deferred<Record>", §6). The
// returned handle carries a one-element list; use Result()[0] for the
// record itself.
func (r *Resolver) Lookup(ctx context.Context, name string) (*DeferredHandle, error) {
	h, err := r.LookupFamily(ctx, name, FamilyAny)
	if err != nil {
		return nil, err
	}
	return singleFromList(ctx, h), nil
}

// LookupFamily implements "lookup(name, family) -> Deferred<list<Record>>"
// for family ∈ {FamilyIPv4, FamilyIPv6, FamilyAny}.
func (r *Resolver) LookupFamily(ctx context.Context, name string, family int) (*DeferredHandle, error) {
	switch family {
	case FamilyIPv4:
		return r.resolveTypes(ctx, name, []uint16{dns.TypeA}, nil)
	case FamilyIPv6:
		return r.resolveTypes(ctx, name, []uint16{dns.TypeAAAA}, nil)
	case FamilyAny:
		return r.resolveTypes(ctx, name, []uint16{dns.TypeA, dns.TypeAAAA}, nil)
	default:
		return nil, fmt.Errorf("%w: unknown address family %d", ErrInvalidArgument, family)
	}
}

// Resolve implements "resolve(name, server, types...) -> Deferred<list<Record>>".
// A nil server lets the pool choose (and fail over from) the primary.
func (r *Resolver) Resolve(ctx context.Context, name string, server *ServerAddress, types ...uint16) (*DeferredHandle, error) {
	qtypes := make([]uint16, len(types))
	copy(qtypes, types)
	return r.resolveTypes(ctx, name, qtypes, server)
}

// ResolveSingle implements "resolve_single(name, server, types...) ->
// Deferred<Record>".
func (r *Resolver) ResolveSingle(ctx context.Context, name string, server *ServerAddress, types ...uint16) (*DeferredHandle, error) {
	h, err := r.Resolve(ctx, name, server, types...)
	if err != nil {
		return nil, err
	}
	return singleFromList(ctx, h), nil
}

// Resolve4 looks up A records.
func (r *Resolver) Resolve4(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeA}, nil)
}

// Resolve6 looks up AAAA records.
func (r *Resolver) Resolve6(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeAAAA}, nil)
}

// ResolveMX looks up MX records.
func (r *Resolver) ResolveMX(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeMX}, nil)
}

// ResolveSRV looks up SRV records.
func (r *Resolver) ResolveSRV(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeSRV}, nil)
}

// ResolveTXT looks up TXT records.
func (r *Resolver) ResolveTXT(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeTXT}, nil)
}

// ResolveCNAME looks up CNAME records.
func (r *Resolver) ResolveCNAME(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeCNAME}, nil)
}

// ResolveNS looks up NS records.
func (r *Resolver) ResolveNS(ctx context.Context, name string) (*DeferredHandle, error) {
	return r.resolveTypes(ctx, name, []uint16{dns.TypeNS}, nil)
}

// Reverse implements "reverse(ip_bytes) -> Deferred<list<string>>": given an
// IPv4 or IPv6 address, it builds the in-addr.arpa/ip6.arpa query name and
// issues a PTR lookup. The returned handle's records carry the PTR target
// in Record.Target; ReverseNames below reduces that to plain strings for
// callers that want the literal list-of-string contract.
func (r *Resolver) Reverse(ctx context.Context, addr net.IP) (*DeferredHandle, error) {
	name, err := reverseName(addr)
	if err != nil {
		return nil, err
	}
	return r.resolveTypes(ctx, name, []uint16{dns.TypePTR}, nil)
}

// ReverseNames waits for a Reverse handle and reduces its records to their
// PTR target strings.
func ReverseNames(ctx context.Context, h *DeferredHandle) ([]string, error) {
	records, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Target)
	}
	return names, nil
}
