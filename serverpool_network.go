package resolver

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// maybeDisableIPv6 inspects a dial failure for addr and, if it looks like
// the local host has no IPv6 route at all, disables the family pool-wide and
// drops every IPv6 address from the ordered list so future candidateServers
// calls stop retrying them. Only acts when the failing address was itself
// IPv6, so an unrelated IPv4 failure never trips the IPv6 family off. Both
// this and maybeDisableIPv4 below are adapted from the teacher's disable.go
// (maybeDisableIPv6), generalized from its root-server-specific field to
// this pool's ordered address list and called from SocketFor's dial-failure
// branch rather than a server-specific retry loop.
func (p *ServerPool) maybeDisableIPv6(addr ServerAddress, err error) (disabled bool) {
	if err == nil || !addr.isIPv6() || !isUnreachable(err) {
		return false
	}
	if p.useIPv6.Swap(false) {
		p.pruneFamily(func(a ServerAddress) bool { return a.isIPv6() })
		return true
	}
	return false
}

// maybeDisableIPv4 mirrors maybeDisableIPv6 for the IPv4 family, covering
// IPv6-only hosts and networks that filter outbound IPv4.
func (p *ServerPool) maybeDisableIPv4(addr ServerAddress, err error) (disabled bool) {
	if err == nil || addr.isIPv6() || !isUnreachable(err) {
		return false
	}
	if p.useIPv4.Swap(false) {
		p.pruneFamily(func(a ServerAddress) bool { return !a.isIPv6() })
		return true
	}
	return false
}

func isUnreachable(err error) bool {
	errstr := err.Error()
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) ||
		strings.Contains(errstr, "network is unreachable") || strings.Contains(errstr, "no route to host")
}

func (p *ServerPool) pruneFamily(drop func(ServerAddress) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []ServerAddress
	for _, a := range p.order {
		if !drop(a) {
			kept = append(kept, a)
		}
	}
	p.order = kept
}

// maybeDisableUDP inspects a transport error and, if it indicates the
// platform cannot do UDP at all, flips useUDP off so callers can fall back
// to whatever alternate transport they have (TCP fallback is itself a named
// non-goal of the core, but the flag is still useful for callers layering
// their own fallback on top). Adapted from the teacher's disable.go
// (maybeDisableUdp).
func (p *ServerPool) maybeDisableUDP(err error) (disabled bool) {
	var ne net.Error
	if errors.As(err, &ne) && !ne.Timeout() {
		errstr := err.Error()
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPROTONOSUPPORT) || strings.Contains(errstr, "network not implemented") {
			disabled = p.useUDP.Swap(false)
		}
	}
	return disabled
}

// UsingIPv4 reports whether IPv4 servers are currently eligible for use.
func (p *ServerPool) UsingIPv4() bool { return p.useIPv4.Load() }

// UsingIPv6 reports whether IPv6 servers are currently eligible for use.
func (p *ServerPool) UsingIPv6() bool { return p.useIPv6.Load() }

// UsingUDP reports whether UDP transport is currently usable.
func (p *ServerPool) UsingUDP() bool { return p.useUDP.Load() }
