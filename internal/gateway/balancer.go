package gateway

import (
	"sort"
	"sync"

	"filestream/internal/backend"
)

// Balancer tracks active streams per backend handle and routes new work to
// the least loaded one.
type Balancer struct {
	mu    sync.Mutex
	loads []int64
}

// NewBalancer creates a load table for size handles.
func NewBalancer(size int) (*Balancer, error) {
	if size <= 0 {
		return nil, backend.ErrEmptyPool
	}
	return &Balancer{loads: make([]int64, size)}, nil
}

// Select returns the handle with the fewest active streams, preferring the
// lowest index on ties. It does not change any count.
func (b *Balancer) Select() backend.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectLocked()
}

func (b *Balancer) selectLocked() backend.Handle {
	best := 0
	for i := 1; i < len(b.loads); i++ {
		if b.loads[i] < b.loads[best] {
			best = i
		}
	}
	return backend.Handle(best)
}

// Acquire selects a handle and counts one stream against it in the same
// critical section.
func (b *Balancer) Acquire() *Lease {
	b.mu.Lock()
	h := b.selectLocked()
	b.loads[h]++
	b.mu.Unlock()
	return &Lease{balancer: b, handle: h}
}

func (b *Balancer) release(h backend.Handle) {
	b.mu.Lock()
	if b.loads[h] > 0 {
		b.loads[h]--
	}
	b.mu.Unlock()
}

// Load returns the active stream count of h.
func (b *Balancer) Load(h backend.Handle) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(h) < 0 || int(h) >= len(b.loads) {
		return 0
	}
	return b.loads[h]
}

// HandleLoad is one row of a load snapshot.
type HandleLoad struct {
	Handle  backend.Handle
	Streams int64
}

// Snapshot returns every handle's load, busiest first. Equal loads keep
// index order.
func (b *Balancer) Snapshot() []HandleLoad {
	b.mu.Lock()
	rows := make([]HandleLoad, len(b.loads))
	for i, load := range b.loads {
		rows[i] = HandleLoad{Handle: backend.Handle(i), Streams: load}
	}
	b.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Streams > rows[j].Streams
	})
	return rows
}

// Lease is one counted stream on a handle.
type Lease struct {
	balancer *Balancer
	handle   backend.Handle
	once     sync.Once
}

// Handle returns the leased handle.
func (l *Lease) Handle() backend.Handle {
	return l.handle
}

// Release gives the stream back. Only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.balancer.release(l.handle)
	})
}
