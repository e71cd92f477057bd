package resolver

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// serverRTT pairs a configured server with its measured round-trip time,
// mirroring the teacher's rootRtt (orderroots.go/timeroot.go).
type serverRTT struct {
	addr ServerAddress
	rtt  time.Duration
}

// OrderServers probes every configured server over TCP (three connection
// attempts each, averaged, matching the teacher's numProbes=3) and re-sorts
// the pool's ordered list by ascending latency, dropping servers that don't
// respond within cutoff. Adapted from the teacher's Service.OrderRoots,
// redirected from ranking IANA root servers to ranking this pool's
// configured upstream resolvers — there is no root-zone concept in a stub
// resolver, but "prefer the fastest reachable candidate" is equally useful
// for picking among several configured recursive servers.
func (p *ServerPool) OrderServers(ctx context.Context, cutoff time.Duration) {
	if _, ok := ctx.Deadline(); !ok {
		newctx, cancel := context.WithTimeout(ctx, cutoff*2)
		defer cancel()
		ctx = newctx
	}

	candidates := p.All()
	results := make([]*serverRTT, len(candidates))
	var wg sync.WaitGroup
	for i, addr := range candidates {
		rt := &serverRTT{addr: addr}
		results[i] = rt
		wg.Add(1)
		go func(rt *serverRTT) {
			defer wg.Done()
			rt.rtt = probeRTT(ctx, rt.addr)
		}(rt)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].rtt < results[j].rtt })

	var ordered []ServerAddress
	for _, rt := range results {
		if rt.rtt <= cutoff {
			ordered = append(ordered, rt.addr)
		}
	}
	if len(ordered) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = ordered
}

func probeRTT(ctx context.Context, addr ServerAddress) time.Duration {
	const numProbes = 3
	network := "tcp4"
	if addr.isIPv6() {
		network = "tcp6"
	}
	var dialer net.Dialer
	target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port)))
	var total time.Duration
	for i := 0; i < numProbes; i++ {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, network, target)
		if err != nil {
			return time.Hour
		}
		total += time.Since(start)
		_ = conn.Close()
	}
	return total / numProbes
}
