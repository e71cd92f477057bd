package resolver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDAllocatorIsMonotonic(t *testing.T) {
	a := newIDAllocator()
	assert.Equal(t, uint16(1), a.next())
	assert.Equal(t, uint16(2), a.next())
	assert.Equal(t, uint16(3), a.next())
}

func TestIDAllocatorWrapsAroundAt65536(t *testing.T) {
	a := newIDAllocator()
	a.last = 65535
	assert.Equal(t, uint16(0), a.next())
	assert.Equal(t, uint16(1), a.next())
}

func TestIDAllocatorIsSafeForConcurrentUse(t *testing.T) {
	a := newIDAllocator()
	const n = 1000
	seen := make([]uint16, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			seen[i] = a.next()
		}()
	}
	wg.Wait()

	unique := make(map[uint16]struct{}, n)
	for _, id := range seen {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, n, "every concurrent caller must receive a distinct id")
}
