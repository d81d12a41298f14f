package rx

import "encoding/binary"

// Decoding reads from the head buffer's window [cursor, stop). stop lags
// the head's fill cursor until advanceBuffer catches it up; a head buffer
// is retired only once it is full and every byte in it has been read.
//
// Decoders must only ask for bytes that Available reports. Reading past
// that point is a broken decoder and panics.

// PostDecode folds the bytes read since the last fold out of the
// available count and the need size.
func (c *Call) PostDecode() {
	n := c.cursor - c.start
	c.start = c.cursor
	c.dataCount -= n
	if c.needSize != NeedUnbounded {
		c.needSize -= n
		if c.needSize < 0 {
			c.needSize = 0
		}
	}
}

// advanceBuffer moves the read window forward once it has been exhausted.
// It reports whether unread bytes are now in the window; false means the
// decoder must wait for more input.
func (c *Call) advanceBuffer() bool {
	h := c.chain.head()
	if c.win != h {
		panic("rx: decode window is not on the chain head")
	}
	if c.stop > h.io {
		panic("rx: decode window extends past received data")
	}
	if c.cursor < c.stop {
		return true
	}

	// More data may have landed in the head since the window was set.
	if c.stop < h.io {
		c.stop = h.io
		return true
	}

	if !h.full() || c.chain.headIsTail() {
		return false
	}

	c.PostDecode()
	c.conn.pool.put(c.chain.popFront())
	n := c.chain.head()
	if n.io == 0 {
		panic("rx: advanced onto a buffer holding no data")
	}
	c.win = n
	c.start, c.cursor, c.stop = 0, 0, n.io
	return true
}

// take copies the next n bytes into dst, or skips them when dst is nil.
func (c *Call) take(dst []byte, n int) {
	if n > c.Available() {
		panic("rx: decode beyond available data")
	}
	for n > 0 {
		if c.cursor == c.stop {
			if !c.advanceBuffer() {
				panic("rx: buffer chain ran out of data")
			}
			continue
		}
		k := min(n, c.stop-c.cursor)
		if dst != nil {
			copy(dst, c.win.data[c.cursor:c.cursor+k])
			dst = dst[k:]
		}
		c.cursor += k
		n -= k
	}
}

// DecodeUint32 reads a big-endian 32-bit value.
func (c *Call) DecodeUint32() uint32 {
	if c.cursor&3 == 0 && c.cursor+4 <= c.stop {
		v := binary.BigEndian.Uint32(c.win.data[c.cursor:])
		c.cursor += 4
		return v
	}
	var x [4]byte
	c.take(x[:], 4)
	return binary.BigEndian.Uint32(x[:])
}

// DecodeInt32 reads a signed 32-bit value.
func (c *Call) DecodeInt32() int32 { return int32(c.DecodeUint32()) }

// DecodeUint64 reads two 32-bit words, high word first.
func (c *Call) DecodeUint64() uint64 {
	hi := c.DecodeUint32()
	lo := c.DecodeUint32()
	return uint64(hi)<<32 | uint64(lo)
}

// BeginBlob starts a progressive decode of len(dst) bytes into dst,
// followed by the XDR padding that rounds it to four bytes.
func (c *Call) BeginBlob(dst []byte) {
	c.blob = dst
	c.blobSize = len(dst)
	c.blobOffset = 0
	c.discard = false
	c.paddingSize = xdrPad(len(dst))
}

// BeginDiscard starts a progressive skip of n bytes plus padding.
func (c *Call) BeginDiscard(n int) {
	c.blob = nil
	c.blobSize = n
	c.blobOffset = 0
	c.discard = true
	c.paddingSize = xdrPad(n)
}

// DecodeBlob continues the blob started by BeginBlob or BeginDiscard. It
// returns true once the blob and its padding have been consumed and false
// when it needs more input; call it again after the next receive.
func (c *Call) DecodeBlob() bool {
	total := c.blobSize + c.paddingSize
	for c.blobOffset < total {
		if c.cursor == c.stop && !c.advanceBuffer() {
			c.PostDecode()
			return false
		}
		k := min(total-c.blobOffset, c.stop-c.cursor)
		if c.blobOffset < c.blobSize {
			k = min(k, c.blobSize-c.blobOffset)
			if !c.discard {
				copy(c.blob[c.blobOffset:], c.win.data[c.cursor:c.cursor+k])
			}
			c.blobDecoded += int64(k)
		}
		c.blobOffset += k
		c.cursor += k
	}
	c.PostDecode()
	return true
}

// BlobRemaining returns the bytes (including padding) still owed to the
// blob in progress.
func (c *Call) BlobRemaining() int {
	return c.blobSize + c.paddingSize - c.blobOffset
}

// AppendAvailable appends every received byte not yet consumed to dst.
func (c *Call) AppendAvailable(dst []byte) []byte {
	n := c.Available()
	if n == 0 {
		return dst
	}
	off := len(dst)
	dst = append(dst, make([]byte, n)...)
	c.take(dst[off:], n)
	c.PostDecode()
	return dst
}

// discardExcess drops whatever remains of the current phase and parks the
// read window at the tail's fill cursor.
func (c *Call) discardExcess() {
	c.chain.trimToTail(c.conn.pool)
	t := c.chain.tail()
	c.win = t
	c.start, c.cursor, c.stop = t.io, t.io, t.io
	c.dataCount = 0
}
