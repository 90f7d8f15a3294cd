package rimage

import (
	"image"
	"sync"

	"go.uber.org/atomic"
)

// DefaultPoolCapacity is the number of idle buffers a BufferPool keeps by default.
const DefaultPoolCapacity = 10

// PoolStats counts how a BufferPool has been used.
type PoolStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Idle      int    `json:"idle"`
}

// BufferPool recycles RGBA buffers by exact (width, height). A buffer is either idle in the pool
// or owned by exactly one caller between Get and Put. Idle buffers are kept oldest first; when
// the pool is full, Put evicts the oldest one.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	idle     []*image.RGBA
	onEvict  func(*image.RGBA)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewBufferPool returns a pool holding at most `capacity` idle buffers. `onEvict`, if not nil,
// is called with every buffer the pool drops.
func NewBufferPool(capacity int, onEvict func(*image.RGBA)) *BufferPool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &BufferPool{
		capacity: capacity,
		idle:     make([]*image.RGBA, 0, capacity),
		onEvict:  onEvict,
	}
}

// Get returns an idle buffer of exactly width x height, or a freshly allocated one on a miss.
// The contents of a recycled buffer are whatever its last owner left.
func (p *BufferPool) Get(width, height int) *image.RGBA {
	p.mu.Lock()
	for i, buf := range p.idle {
		size := buf.Rect.Size()
		if size.X == width && size.Y == height {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.mu.Unlock()
			p.hits.Inc()
			return buf
		}
	}
	p.mu.Unlock()
	p.misses.Inc()
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

// Put hands a buffer back. The caller must not touch it afterwards. Putting a buffer that is
// already idle is a no-op.
func (p *BufferPool) Put(buf *image.RGBA) {
	if buf == nil {
		return
	}
	var evicted *image.RGBA
	p.mu.Lock()
	for _, idle := range p.idle {
		if idle == buf {
			p.mu.Unlock()
			return
		}
	}
	if len(p.idle) >= p.capacity {
		evicted = p.idle[0]
		copy(p.idle, p.idle[1:])
		p.idle[len(p.idle)-1] = buf
	} else {
		p.idle = append(p.idle, buf)
	}
	p.mu.Unlock()

	if evicted != nil {
		p.evict(evicted)
	}
}

// Drain evicts every idle buffer.
func (p *BufferPool) Drain() {
	p.mu.Lock()
	drained := p.idle
	p.idle = make([]*image.RGBA, 0, p.capacity)
	p.mu.Unlock()

	for _, buf := range drained {
		p.evict(buf)
	}
}

func (p *BufferPool) evict(buf *image.RGBA) {
	p.evictions.Inc()
	if p.onEvict != nil {
		p.onEvict(buf)
	}
}

// Len returns the number of idle buffers.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the maximum number of idle buffers.
func (p *BufferPool) Capacity() int {
	return p.capacity
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
		Idle:      p.Len(),
	}
}
