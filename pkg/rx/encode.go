package rx

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Encoding appends to the tail buffer's write window. Errors are sticky:
// once the call has run out of buffers every encode is a no-op and Err
// reports ENOMEM. Send refuses to transmit a call in that condition. A
// terminated call has no chain and ignores encodes.

// PostEncode folds the bytes written since the last fold into the pending
// send count.
func (c *Call) PostEncode() {
	n := c.cursor - c.start
	c.start = c.cursor
	c.bufferSpace -= n
	c.dataCount += n
}

// extend appends a fresh buffer to the chain and moves the write window
// onto it. It returns false, with ENOMEM recorded, if the call has reached
// its buffer limit.
func (c *Call) extend() bool {
	if limit := c.conn.maxCallBuffers; limit > 0 && c.chain.len() >= limit {
		c.errno = unix.ENOMEM
		return false
	}
	b := c.conn.pool.get()
	c.chain.pushBack(b)
	c.win = b
	c.start, c.cursor, c.stop = 0, 0, len(b.data)
	c.bufferSpace += len(b.data)
	return true
}

// EncodeBlob appends p to the call's outgoing stream.
func (c *Call) EncodeBlob(p []byte) {
	if len(p) == 0 || c.errno != 0 || c.terminated {
		return
	}
	for {
		if c.cursor < c.stop {
			n := copy(c.win.data[c.cursor:c.stop], p)
			c.cursor += n
			p = p[n:]
			if len(p) == 0 {
				return
			}
		}
		c.PostEncode()
		if !c.extend() {
			return
		}
	}
}

// EncodeUint32 appends v in network byte order.
func (c *Call) EncodeUint32(v uint32) {
	if c.errno == 0 && c.cursor&3 == 0 && c.cursor+4 <= c.stop {
		binary.BigEndian.PutUint32(c.win.data[c.cursor:], v)
		c.cursor += 4
		return
	}
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	c.EncodeBlob(x[:])
}

// EncodeInt32 appends a signed 32-bit value.
func (c *Call) EncodeInt32(v int32) { c.EncodeUint32(uint32(v)) }

// EncodeUint64 appends v as two 32-bit words, high word first.
func (c *Call) EncodeUint64(v uint64) {
	c.EncodeUint32(uint32(v >> 32))
	c.EncodeUint32(uint32(v))
}

var zeroPad [4]byte

// xdrPad returns the padding needed to round n up to a multiple of four.
func xdrPad(n int) int {
	return (4 - n&3) & 3
}

// EncodeOpaque appends a counted byte string padded to four bytes.
func (c *Call) EncodeOpaque(p []byte) {
	c.EncodeUint32(uint32(len(p)))
	c.EncodeBlob(p)
	c.EncodeBlob(zeroPad[:xdrPad(len(p))])
}

// EncodeString appends s as a counted, padded byte string.
func (c *Call) EncodeString(s string) {
	c.EncodeOpaque([]byte(s))
}
