package rx

import (
	"sync"
	"sync/atomic"
)

// ============================================================================
// Buffers and the per-call buffer chain
// ============================================================================
//
// A call's byte stream lives in a chain of fixed-size buffers. While
// encoding, bytes are appended to the tail and the send engine drains from
// the head, retiring buffers once every byte has been accepted by the
// kernel. While decoding, the receive engine appends at the tail and the
// decoder consumes from the head, retiring buffers once fully read.
//
// Invariants:
//   - the chain is never empty while the call is live
//   - 0 <= io <= len(data) for every buffer
//   - buffers leave the chain only from the head

const (
	// DefaultBufferSize is the capacity of each chain buffer.
	DefaultBufferSize = 1024

	// MinBufferSize is the smallest buffer that still holds two XDR words.
	MinBufferSize = 8
)

// buffer is one chunk of a call's byte stream. io marks how far the kernel
// has filled it (receive) or drained it (send).
type buffer struct {
	data []byte
	io   int
}

func (b *buffer) full() bool { return b.io == len(b.data) }

// bufferPool hands out fixed-size buffers for one connection and counts
// how many are checked out so leaks are observable.
type bufferPool struct {
	size        int
	pool        sync.Pool
	outstanding atomic.Int64
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		return &buffer{data: make([]byte, size)}
	}
	return p
}

func (p *bufferPool) get() *buffer {
	b := p.pool.Get().(*buffer)
	b.io = 0
	p.outstanding.Add(1)
	return b
}

func (p *bufferPool) put(b *buffer) {
	if b == nil {
		return
	}
	b.io = 0
	p.outstanding.Add(-1)
	p.pool.Put(b)
}

// Outstanding returns the number of buffers currently owned by calls.
func (p *bufferPool) Outstanding() int64 {
	return p.outstanding.Load()
}

// chain is a deque of owned buffers. Index 0 is the head.
type chain struct {
	bufs []*buffer
}

func (c *chain) len() int { return len(c.bufs) }

func (c *chain) head() *buffer {
	if len(c.bufs) == 0 {
		panic("rx: buffer chain is empty")
	}
	return c.bufs[0]
}

func (c *chain) tail() *buffer {
	if len(c.bufs) == 0 {
		panic("rx: buffer chain is empty")
	}
	return c.bufs[len(c.bufs)-1]
}

func (c *chain) headIsTail() bool { return len(c.bufs) == 1 }

func (c *chain) pushBack(b *buffer) {
	c.bufs = append(c.bufs, b)
}

// popFront removes and returns the head. The last buffer can never be
// popped this way.
func (c *chain) popFront() *buffer {
	if len(c.bufs) < 2 {
		panic("rx: retiring the last buffer of a chain")
	}
	b := c.bufs[0]
	c.bufs[0] = nil
	c.bufs = c.bufs[1:]
	return b
}

// trimToTail retires every buffer but the tail.
func (c *chain) trimToTail(p *bufferPool) {
	for len(c.bufs) > 1 {
		p.put(c.popFront())
	}
}

// release returns every buffer to the pool and leaves the chain empty.
func (c *chain) release(p *bufferPool) {
	for i, b := range c.bufs {
		p.put(b)
		c.bufs[i] = nil
	}
	c.bufs = nil
}
