package resolver

// Cacher is the interface the Resolver facade consults before submitting a
// query and fills after one completes (Component B's external contract).
// cache.ResourceCache satisfies it directly; tests substitute a fake to
// assert cache-hit/cache-fill behavior without touching the network.
type Cacher interface {
	// GetRecords returns the stored record list for (name, type) and true
	// if the entry exists and has not expired. An existing-but-empty list
	// is a valid negative-cache hit, not a miss.
	GetRecords(name string, qtype uint16) ([]Record, bool)

	// Put stores records for (name, type), replacing any existing entry.
	Put(name string, qtype uint16, records []Record)
}
