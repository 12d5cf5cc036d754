package geofence

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 256

// stripedMutex serializes work per key without a lock per key. Two keys may
// share a stripe; that only costs throughput.
type stripedMutex struct {
	stripes []sync.Mutex
}

func newStripedMutex(n int) *stripedMutex {
	if n <= 0 {
		n = defaultStripes
	}
	return &stripedMutex{stripes: make([]sync.Mutex, n)}
}

func (s *stripedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	m.Lock()
	return m.Unlock
}
