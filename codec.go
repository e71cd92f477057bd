package resolver

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/relaydns/resolver/cache"
)

// query is the outgoing unit the dispatcher hands to a Codec: an id, a
// fully-qualified lowercase name, and the RR type being asked for.
type query struct {
	id    uint16
	name  string
	qtype uint16
}

// response is what a Codec hands back after decoding a datagram.
type response struct {
	id      uint16
	rcode   int
	answers []Record
}

// Codec encodes outgoing queries and decodes incoming datagrams. It is the
// external collaborator named in §1 of the spec ("the core assumes a Codec
// that can serialize a Query and parse a Response into a structured set of
// typed records") — kept as an interface so the dispatcher and server pool
// never import miekg/dns directly, and so tests can substitute a fake.
type Codec interface {
	Encode(q query) ([]byte, error)
	Decode(raw []byte) (response, error)
}

// dnsCodec is the concrete, miekg/dns-backed Codec. It is the "Component
// G" concrete realization of the spec's abstract Codec boundary, grounded on
// the dns.Msg usage throughout the teacher (resolver.go/service.go) and on
// other_examples/bschaatsbergen-dnsdialer__udp.go's per-type rdata switch,
// adapted here to populate resolver.Record instead of a single string Value.
type dnsCodec struct {
	// udpSize is the advertised EDNS(0) UDP payload size, grounded on
	// dnsdialer's udpResolver (UDPSize: 4096) rather than miekg/dns's
	// conservative default of 512, since most modern resolvers and
	// networks have no trouble with larger UDP datagrams.
	udpSize uint16
}

func newDNSCodec() *dnsCodec {
	return &dnsCodec{udpSize: 4096}
}

func (c *dnsCodec) Encode(q query) ([]byte, error) {
	msg := new(dns.Msg)
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(q.name), q.qtype)
	// SetQuestion assigns a random Id, so the allocated id is set after it.
	msg.Id = q.id
	msg.SetEdns0(c.udpSize, false)
	raw, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding query for %q: %v", ErrInvalidArgument, q.name, err)
	}
	return raw, nil
}

func (c *dnsCodec) Decode(raw []byte) (response, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(msg.Question) != 1 {
		return response{}, fmt.Errorf("%w: expected exactly one question, got %d", ErrMalformedResponse, len(msg.Question))
	}
	answers := make([]Record, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		rec, ok := recordFromRR(rr)
		if ok {
			answers = append(answers, rec)
		}
	}
	return response{id: msg.Id, rcode: msg.Rcode, answers: answers}, nil
}

// recordFromRR converts a decoded miekg/dns resource record into the
// resolver's typed Record, per the wire-to-domain mapping table in
// SPEC_FULL.md §3. RR types the resolver does not expose (e.g. OPT, SOA as
// a standalone answer) are reported as not-ok so callers skip them. The
// authority section is not decoded at all; negative cache entries use the
// cache's fixed NegativeTTL rather than an SOA minimum.
func recordFromRR(rr dns.RR) (Record, bool) {
	hdr := rr.Header()
	base := Record{Name: hdr.Name, Type: hdr.Rrtype, TTL: hdr.Ttl}
	switch v := rr.(type) {
	case *dns.A:
		base.IP = append(net.IP(nil), v.A.To4()...)
	case *dns.AAAA:
		base.IP = append(net.IP(nil), v.AAAA.To16()...)
	case *dns.CNAME:
		base.Target = v.Target
	case *dns.NS:
		base.Target = v.Ns
	case *dns.PTR:
		base.Target = v.Ptr
	case *dns.MX:
		base.MX = cache.MXData{Preference: v.Preference, Exchange: v.Mx}
	case *dns.SRV:
		base.SRV = cache.SRVData{Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: v.Target}
	case *dns.TXT:
		base.TXT = append([]string(nil), v.Txt...)
	default:
		return Record{}, false
	}
	return base, true
}
