package services

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serialises tier writes per (symbol, kind) over a fixed set of striped mutexes
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

func (k *keyLocks) withLock(symbol, kind string, fn func()) {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(kind))

	mu := &k.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	defer mu.Unlock()
	fn()
}
