package ingest

import (
	"sync"

	"github.com/brainlytree/sensor-server/internal/models"
)

// keyedMutex serializes message handling per device. Messages from
// different devices proceed in parallel; a device's own status,
// metadata and chunk messages are applied in arrival order so the
// wake state machine never sees interleaved writes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[models.MACAddr]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[models.MACAddr]*deviceLock)}
}

// Lock acquires the device's lock and returns its unlock func
func (k *keyedMutex) Lock(mac models.MACAddr) func() {
	k.mu.Lock()
	l, ok := k.locks[mac]
	if !ok {
		l = &deviceLock{}
		k.locks[mac] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, mac)
		}
		k.mu.Unlock()
	}
}
