package resolver

import "github.com/relaydns/resolver/cache"

// Record, MXData and SRVData are defined in the cache package (a dependency
// leaf) and aliased here so resolver's public API can refer to them as
// resolver.Record without resolver and cache importing each other.
type (
	Record  = cache.Record
	MXData  = cache.MXData
	SRVData = cache.SRVData
)
