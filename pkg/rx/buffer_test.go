package rx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Buffer pool
// ============================================================================

func TestBufferPool(t *testing.T) {
	t.Run("TracksOutstandingBuffers", func(t *testing.T) {
		p := newBufferPool(16)
		a := p.get()
		b := p.get()
		assert.Equal(t, int64(2), p.Outstanding())
		assert.Len(t, a.data, 16)

		p.put(a)
		p.put(b)
		assert.Equal(t, int64(0), p.Outstanding())
	})

	t.Run("ResetsFillCursor", func(t *testing.T) {
		p := newBufferPool(8)
		b := p.get()
		b.io = 8
		assert.True(t, b.full())
		p.put(b)

		b = p.get()
		assert.Equal(t, 0, b.io)
		assert.False(t, b.full())
		p.put(b)
	})

	t.Run("PutNilIsIgnored", func(t *testing.T) {
		p := newBufferPool(8)
		p.put(nil)
		assert.Equal(t, int64(0), p.Outstanding())
	})
}

// ============================================================================
// Buffer chain
// ============================================================================

func TestChain(t *testing.T) {
	t.Run("PushAndPopKeepOrder", func(t *testing.T) {
		p := newBufferPool(8)
		var c chain
		a, b, d := p.get(), p.get(), p.get()
		c.pushBack(a)
		c.pushBack(b)
		c.pushBack(d)

		assert.Equal(t, 3, c.len())
		assert.Same(t, a, c.head())
		assert.Same(t, d, c.tail())
		assert.False(t, c.headIsTail())

		assert.Same(t, a, c.popFront())
		assert.Same(t, b, c.head())
		p.put(a)

		c.release(p)
		assert.Equal(t, 0, c.len())
		assert.Equal(t, int64(0), p.Outstanding())
	})

	t.Run("TrimToTailKeepsLastBuffer", func(t *testing.T) {
		p := newBufferPool(8)
		var c chain
		for i := 0; i < 4; i++ {
			c.pushBack(p.get())
		}
		last := c.tail()

		c.trimToTail(p)
		assert.True(t, c.headIsTail())
		assert.Same(t, last, c.head())
		assert.Equal(t, int64(1), p.Outstanding())

		c.release(p)
		assert.Equal(t, int64(0), p.Outstanding())
	})

	t.Run("PopLastBufferPanics", func(t *testing.T) {
		p := newBufferPool(8)
		var c chain
		c.pushBack(p.get())
		assert.Panics(t, func() { c.popFront() })
	})

	t.Run("EmptyChainPanics", func(t *testing.T) {
		var c chain
		assert.Panics(t, func() { c.head() })
		assert.Panics(t, func() { c.tail() })
	})
}

// ============================================================================
// Handle table
// ============================================================================

func TestHandleTable(t *testing.T) {
	t.Run("RegisterAndLookup", func(t *testing.T) {
		var tbl handleTable
		a, b := &Call{}, &Call{}

		ha, ok := tbl.register(a)
		require.True(t, ok)
		hb, ok := tbl.register(b)
		require.True(t, ok)

		assert.NotZero(t, ha)
		assert.NotEqual(t, ha, hb)
		assert.Same(t, a, tbl.lookup(ha))
		assert.Same(t, b, tbl.lookup(hb))
		assert.Equal(t, 2, tbl.len())
		assert.Len(t, tbl.calls(), 2)
	})

	t.Run("ZeroHandleIsNeverValid", func(t *testing.T) {
		var tbl handleTable
		_, ok := tbl.register(&Call{})
		require.True(t, ok)
		assert.Nil(t, tbl.lookup(0))
	})

	t.Run("StaleHandleMissesReusedSlot", func(t *testing.T) {
		var tbl handleTable
		old, _ := tbl.register(&Call{})
		tbl.unregister(old)
		assert.Nil(t, tbl.lookup(old))
		assert.Equal(t, 0, tbl.len())

		next := &Call{}
		h, ok := tbl.register(next)
		require.True(t, ok)
		assert.Equal(t, old.index(), h.index(), "slot is reused")
		assert.NotEqual(t, old, h, "generation changes")
		assert.Nil(t, tbl.lookup(old))
		assert.Same(t, next, tbl.lookup(h))
	})

	t.Run("UnregisterStaleHandleIsIgnored", func(t *testing.T) {
		var tbl handleTable
		old, _ := tbl.register(&Call{})
		tbl.unregister(old)
		cur, _ := tbl.register(&Call{})

		tbl.unregister(old)
		assert.NotNil(t, tbl.lookup(cur))
		assert.Equal(t, 1, tbl.len())
	})

	t.Run("UnknownIndex", func(t *testing.T) {
		var tbl handleTable
		assert.Nil(t, tbl.lookup(makeHandle(42, 1)))
	})
}
