package rx

import (
	"time"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"github.com/marmos91/rxrpc/internal/logger"
	"golang.org/x/sys/unix"
)

// NeedUnbounded makes the decode loop hand every received byte to the
// decoder as soon as it arrives instead of waiting for a fixed amount.
const NeedUnbounded = -1

// Call is the transport state of one RPC invocation: its state machine,
// its buffer chain and the encode/decode window over that chain.
//
// A Call is owned by the goroutine driving its Connection and must not be
// used concurrently.
type Call struct {
	conn   *Connection
	handle Handle
	ops    Operations

	state         CallState
	knownToKernel bool
	secured       bool
	moreSend      bool
	moreRecv      bool
	terminated    bool
	server        bool

	errno     unix.Errno
	abortCode int32
	needSize  int

	bytesSent     int64
	bytesReceived int64
	blobDecoded   int64

	chain chain

	// Window over win: the tail while encoding, the head while decoding.
	// start marks bytes not yet folded into dataCount by PostEncode or
	// PostDecode.
	win    *buffer
	start  int
	cursor int
	stop   int

	// dataCount is the number of bytes queued but unsent (encode) or
	// received but not yet decoded (decode).
	dataCount   int
	bufferSpace int
	paddingSize int

	blob       []byte
	blobSize   int
	blobOffset int
	discard    bool

	remote    PeerAddress
	hasRemote bool

	created time.Time
}

func (c *Call) side() string {
	if c.server {
		return "server"
	}
	return "client"
}

// State returns the call's current state.
func (c *Call) State() CallState { return c.state }

// Handle returns the identifier the kernel knows the call by.
func (c *Call) Handle() Handle { return c.handle }

// Conn returns the connection the call travels over.
func (c *Call) Conn() *Connection { return c.conn }

// Err returns nil while the call is healthy and a *CallError once it has
// failed or run out of buffers. A failure reported without an errno reads
// as EIO.
func (c *Call) Err() error {
	errno := c.errno
	if errno == 0 {
		if !c.state.Failed() {
			return nil
		}
		errno = unix.EIO
	}
	return &CallError{State: c.state, Errno: errno, AbortCode: c.abortCode}
}

// Remote returns the caller's address on a server call, once its first
// message has arrived and the socket could report it.
func (c *Call) Remote() (PeerAddress, bool) { return c.remote, c.hasRemote }

// AbortCode returns the abort code sent or received, if any.
func (c *Call) AbortCode() int32 { return c.abortCode }

// SetMoreSend declares whether more data will be encoded after the next
// Send. While true, Send keeps the transmit phase open.
func (c *Call) SetMoreSend(more bool) { c.moreSend = more }

// MoreSend reports whether more data will be encoded.
func (c *Call) MoreSend() bool { return c.moreSend }

// MoreRecv reports whether the peer has more data to deliver.
func (c *Call) MoreRecv() bool { return c.moreRecv }

// Secured reports whether a security response has been seen.
func (c *Call) Secured() bool { return c.secured }

// KnownToKernel reports whether the kernel still considers the call live.
func (c *Call) KnownToKernel() bool { return c.knownToKernel }

// SetOperations replaces the call's marshaling callbacks.
func (c *Call) SetOperations(ops Operations) { c.ops = ops }

// NeedSize returns the number of bytes the decode loop waits for.
func (c *Call) NeedSize() int { return c.needSize }

// SetNeed sets how many bytes must be available before the decoder runs
// again. Use NeedUnbounded for streaming decoders.
func (c *Call) SetNeed(n int) { c.needSize = n }

// Available returns the number of received bytes not yet consumed.
func (c *Call) Available() int { return c.dataCount - (c.cursor - c.start) }

// BytesSent returns the payload bytes accepted by the kernel.
func (c *Call) BytesSent() int64 { return c.bytesSent }

// BytesReceived returns the payload bytes read from the kernel.
func (c *Call) BytesReceived() int64 { return c.bytesReceived }

// BlobDecoded returns the number of bytes copied out by blob decodes.
func (c *Call) BlobDecoded() int64 { return c.blobDecoded }

// Pending returns the number of encoded bytes not yet sent.
func (c *Call) Pending() int { return c.dataCount + (c.cursor - c.start) }

// Abort aborts the call locally, telling the kernel if it still knows the
// call. A call that has already failed keeps its original failure.
func (c *Call) Abort(code int32) {
	if c.terminated || c.state.Failed() {
		return
	}
	if c.errno == 0 {
		c.errno = unix.ECONNABORTED
	}
	c.abortCode = code

	if c.knownToKernel {
		oob := afrxrpc.BuildAbort(uint64(c.handle), uint32(code))
		if _, err := c.conn.sock.Sendmsg(nil, oob, 0); err != nil {
			logger.Debug("rx: call %x: sending abort %d: %v", c.handle, code, err)
		}
		c.knownToKernel = false
	}
	c.state = StateLocallyAborted
	c.conn.metrics.RecordAbort("local", code)
	logger.Debug("rx: call %x aborted locally with %d", c.handle, code)
}

// fail records errno and aborts the call.
func (c *Call) fail(errno unix.Errno, code int32) {
	if c.errno == 0 {
		c.errno = errno
	}
	c.Abort(code)
}

// unmarshalAbortCode is the code used when a call cannot decode its input.
func (c *Call) unmarshalAbortCode() int32 {
	if c.server {
		return AbortServerUnmarshal
	}
	return AbortClientUnmarshal
}

// Terminate ends the call. If the kernel still considers it live it is
// aborted with code first. All buffers go back to the pool, Cleanup runs
// and the handle is retired. Terminate is idempotent.
func (c *Call) Terminate(code int32) {
	if c.terminated {
		return
	}
	if c.knownToKernel {
		c.Abort(code)
	}
	c.chain.release(c.conn.pool)
	c.win = nil
	c.start, c.cursor, c.stop = 0, 0, 0
	c.dataCount = 0

	if c.ops != nil {
		c.ops.Cleanup(c)
	}
	c.conn.handles.unregister(c.handle)
	c.terminated = true
	c.conn.metrics.RecordCallEnd(c.side(), c.state.String(), time.Since(c.created))
}

// Terminated reports whether Terminate has run.
func (c *Call) Terminated() bool { return c.terminated }

// prepareEncode resets the chain to a single empty buffer with a write
// window covering it.
func (c *Call) prepareEncode() {
	c.chain.trimToTail(c.conn.pool)
	t := c.chain.tail()
	t.io = 0
	c.win = t
	c.start, c.cursor, c.stop = 0, 0, len(t.data)
	c.dataCount = 0
	c.bufferSpace = len(t.data)
}

// prepareDecode resets the chain to a single empty buffer with an empty
// read window.
func (c *Call) prepareDecode() {
	c.chain.trimToTail(c.conn.pool)
	t := c.chain.tail()
	t.io = 0
	c.win = t
	c.start, c.cursor, c.stop = 0, 0, 0
	c.dataCount = 0
	c.bufferSpace = 0
	c.needSize = 0
}
