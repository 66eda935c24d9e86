package ingest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ChunkBuffer accumulates the fragments of one in-flight image
// transfer. Fragments are held in memory only; the database tracks
// counts and status so a restart costs at most one resend.
type ChunkBuffer struct {
	mu        sync.Mutex
	fragments map[int][]byte
	total     int
	updatedAt time.Time
}

// AddFragment stores one fragment. Duplicate indices are ignored, so
// broker redeliveries cannot inflate the received count, and indices
// outside [0, total) are rejected so a stray chunk_id cannot stand in
// for a fragment that never arrived. Returns whether the fragment was
// accepted as new and the count now held.
func (b *ChunkBuffer) AddFragment(index int, data []byte) (added bool, received int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.updatedAt = time.Now()
	if index < 0 || (b.total > 0 && index >= b.total) {
		return false, len(b.fragments)
	}
	if _, exists := b.fragments[index]; exists {
		return false, len(b.fragments)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	b.fragments[index] = buf
	return true, len(b.fragments)
}

// SetTotal records the expected fragment count once metadata arrives.
// Chunk-first transfers run with an unknown total until then.
func (b *ChunkBuffer) SetTotal(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = total
	b.updatedAt = time.Now()
}

// Complete reports whether every fragment below the declared total is
// present. Counting is not enough: fragments accepted before the total
// was known may sit above it and must not mask a gap.
func (b *ChunkBuffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total <= 0 {
		return false
	}
	for i := 0; i < b.total; i++ {
		if _, ok := b.fragments[i]; !ok {
			return false
		}
	}
	return true
}

// Received returns the count of distinct fragments held
func (b *ChunkBuffer) Received() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}

// MissingIndices returns the sorted fragment indices not yet held.
// Indices are zero-based, matching the device's chunk_id numbering.
func (b *ChunkBuffer) MissingIndices() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total <= 0 {
		return nil
	}

	var missing []int
	for i := 0; i < b.total; i++ {
		if _, ok := b.fragments[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// Assemble concatenates the fragments in index order. It fails when
// any fragment is absent; callers check Complete first.
func (b *ChunkBuffer) Assemble() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total <= 0 {
		return nil, fmt.Errorf("assemble: total fragment count unknown")
	}

	var size int
	for i := 0; i < b.total; i++ {
		frag, ok := b.fragments[i]
		if !ok {
			return nil, fmt.Errorf("assemble: fragment %d missing", i)
		}
		size += len(frag)
	}

	out := make([]byte, 0, size)
	for i := 0; i < b.total; i++ {
		out = append(out, b.fragments[i]...)
	}
	return out, nil
}

// UpdatedAt returns the last fragment or metadata activity
func (b *ChunkBuffer) UpdatedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updatedAt
}

type bufferKey struct {
	mac  models.MACAddr
	name string
}

// BufferRegistry tracks the in-flight chunk buffer per (device,
// image). Buffers are dropped on completion and swept when idle.
type BufferRegistry struct {
	mu      sync.Mutex
	buffers map[bufferKey]*ChunkBuffer
}

// NewBufferRegistry creates an empty registry
func NewBufferRegistry() *BufferRegistry {
	return &BufferRegistry{buffers: make(map[bufferKey]*ChunkBuffer)}
}

// GetOrCreate returns the buffer for the transfer, creating it on
// first use.
func (r *BufferRegistry) GetOrCreate(mac models.MACAddr, name string) *ChunkBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := bufferKey{mac: mac, name: name}
	if buf, ok := r.buffers[key]; ok {
		return buf
	}

	buf := &ChunkBuffer{
		fragments: make(map[int][]byte),
		updatedAt: time.Now(),
	}
	r.buffers[key] = buf
	return buf
}

// Get returns the buffer if one exists
func (r *BufferRegistry) Get(mac models.MACAddr, name string) (*ChunkBuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[bufferKey{mac: mac, name: name}]
	return buf, ok
}

// Remove drops a transfer's buffer
func (r *BufferRegistry) Remove(mac models.MACAddr, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, bufferKey{mac: mac, name: name})
}

// Sweep removes buffers idle since before the cutoff and returns how
// many were dropped. The idle check re-runs under the registry lock so
// a buffer receiving a fragment during the sweep survives.
func (r *BufferRegistry) Sweep(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped int
	for key, buf := range r.buffers {
		if buf.UpdatedAt().Before(before) {
			delete(r.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of in-flight transfers
func (r *BufferRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
