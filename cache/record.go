// Package cache implements the TTL-bounded resource-record cache used by the
// resolver package (Component B). Types that describe a resolved record live
// here rather than in the root resolver package so that the root package can
// depend on cache without cache needing to depend back on it.
package cache

// MXData is the rdata of an MX record.
type MXData struct {
	Preference uint16
	Exchange   string
}

// SRVData is the rdata of an SRV record.
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// Record is a single resolved resource record, normalized away from the wire
// format. Exactly one of the typed fields below is meaningful for a given
// Type; which one is determined by the caller via Type.
type Record struct {
	Name string
	Type uint16
	TTL  uint32

	// IP holds the raw address bytes for A (4 bytes) and AAAA (16 bytes) records.
	IP []byte
	// MX holds the rdata for MX records.
	MX MXData
	// SRV holds the rdata for SRV records.
	SRV SRVData
	// TXT holds the rdata for TXT records, one string per character-string.
	TXT []string
	// Target holds the rdata for CNAME, NS and PTR records.
	Target string
}
