package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutUsesMinRecordTTL(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.MinTTL = 0
	rc.MaxTTL = time.Hour

	rc.Put("example.com", 1, []Record{
		{Name: "example.com", Type: 1, TTL: 30, IP: []byte{93, 184, 216, 34}},
		{Name: "example.com", Type: 1, TTL: 300, IP: []byte{93, 184, 216, 35}},
	})

	records, ok := rc.GetRecords("example.com", 1)
	require.True(t, ok)
	assert.Len(t, records, 2)

	e, ok := rc.shards[1].Peek("example.com")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), e.ExpiresAt, time.Second)
}

func TestPutNegativeEntryUsesNegativeTTL(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.NegativeTTL = 50 * time.Millisecond

	rc.Put("nope.example", 1, nil)

	records, ok := rc.GetRecords("nope.example", 1)
	require.True(t, ok)
	assert.Empty(t, records)

	time.Sleep(75 * time.Millisecond)
	_, ok = rc.GetRecords("nope.example", 1)
	assert.False(t, ok, "expired negative entry must be a miss")
}

func TestGetRecordsIsCaseInsensitiveOnName(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.Put("Example.COM", 1, []Record{{Name: "example.com", Type: 1, TTL: 60}})

	_, ok := rc.GetRecords("example.com", 1)
	assert.True(t, ok)
}

func TestZeroTTLRecordIsNotCached(t *testing.T) {
	t.Parallel()
	rc := New(16)

	rc.Put("zero-ttl.example", 1, []Record{{Name: "zero-ttl.example", Type: 1, TTL: 0}})

	_, ok := rc.GetRecords("zero-ttl.example", 1)
	assert.False(t, ok, "a zero-ttl record set must never be cached")
}

func TestExpiredEntryIsRemovedLazily(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.shards[1].Add("short.example", Entry{
		Records:   []Record{{Name: "short.example", Type: 1, TTL: 1}},
		ExpiresAt: time.Now().Add(10 * time.Millisecond),
	})

	time.Sleep(25 * time.Millisecond)
	_, ok := rc.GetRecords("short.example", 1)
	assert.False(t, ok)
	assert.Equal(t, 0, rc.shards[1].Len(), "expired entry must be evicted on access")
}

func TestGetRecordReturnsFirstOfList(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.Put("multi.example", 28, []Record{
		{Name: "multi.example", Type: 28, TTL: 60, IP: []byte{1, 2, 3, 4}},
		{Name: "multi.example", Type: 28, TTL: 60, IP: []byte{5, 6, 7, 8}},
	})

	rec, ok := rc.GetRecord("multi.example", 28)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, rec.IP)
}

func TestHitRatioTracksHitsAndMisses(t *testing.T) {
	t.Parallel()
	rc := New(16)
	rc.Put("hit.example", 1, []Record{{Name: "hit.example", Type: 1, TTL: 60}})

	_, _ = rc.GetRecords("hit.example", 1)
	_, _ = rc.GetRecords("miss.example", 1)

	assert.InDelta(t, 50.0, rc.HitRatio(), 0.001)
}
