package capture

import (
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the number of frame blocks kept per resolution.
const DefaultPoolSize = 10

type blockState int32

const (
	blockFree blockState = iota
	blockFilling
	blockInflight
	blockRetired
)

// Block is one pooled frame buffer. A block moves free → filling (owned by
// the reassembler) → in-flight (owned by the sink) → free, and exactly one
// owner holds it at every step.
type Block struct {
	buf   []byte
	gen   uint64
	state atomic.Int32
	pool  *Pool

	Width  int
	Height int
	// Seq is the index of the frame in the capture stream, starting at 1.
	Seq uint64
}

func (b *Block) Bytes() []byte { return b.buf }

func (b *Block) Len() int { return len(b.buf) }

func (b *Block) transition(from, to blockState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

// Release hands the block back to its pool. Releasing twice is a no-op.
func (b *Block) Release() {
	if b.transition(blockInflight, blockFree) || b.transition(blockFilling, blockFree) {
		b.pool.put(b)
	}
}

// Pool is a bounded free list of equally sized blocks. Resizing retires
// every block: blocks still owned elsewhere are discarded when released.
type Pool struct {
	mu        sync.Mutex
	free      []*Block
	capacity  int
	blockSize int
	gen       uint64

	outstanding atomic.Int64
}

func NewPool(capacity, blockSize int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	p := &Pool{capacity: capacity}
	p.Resize(blockSize)
	return p
}

// Resize drops all blocks and allocates capacity new ones of size bytes.
// size 0 leaves the pool empty.
func (p *Pool) Resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	for _, b := range p.free {
		b.state.Store(int32(blockRetired))
	}
	p.blockSize = size
	p.free = nil
	if size <= 0 {
		return
	}
	p.free = make([]*Block, 0, p.capacity)
	for range p.capacity {
		p.free = append(p.free, &Block{buf: make([]byte, size), gen: p.gen, pool: p})
	}
}

// Drain releases the memory of every free block.
func (p *Pool) Drain() { p.Resize(0) }

// Get takes a free block, or reports false when all are owned.
func (p *Pool) Get() (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	b := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	if !b.transition(blockFree, blockFilling) {
		panic("capture: pooled block is not free")
	}
	b.Seq = 0
	p.outstanding.Add(1)
	return b, true
}

func (p *Pool) put(b *Block) {
	p.outstanding.Add(-1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.gen != p.gen || len(p.free) >= p.capacity {
		b.state.Store(int32(blockRetired))
		return
	}
	p.free = append(p.free, b)
}

// Free returns the number of blocks ready to be handed out.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Outstanding returns the number of blocks currently owned outside the pool.
func (p *Pool) Outstanding() int { return int(p.outstanding.Load()) }

func (p *Pool) BlockSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockSize
}

func (p *Pool) Capacity() int { return p.capacity }
