package rx

import (
	"errors"
	"fmt"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"github.com/marmos91/rxrpc/internal/logger"
	"golang.org/x/sys/unix"
)

const maxRecvSegments = 4

// Receive reads the next message queued on the socket, routes it to the
// call named by its user call ID, applies any control events and runs that
// call's decode loop.
//
// Failures that belong to the call (aborts, short data, decoder errors) are
// recorded on the call and reported by Call.Err; Receive itself returns
// nil for them. It returns ErrWouldBlock in non-blocking mode when nothing
// is queued, ErrNoCallID or ErrUnknownCall for messages it had to drain,
// and wrapped socket errors.
func (cn *Connection) Receive(nonBlocking bool) error {
	if cn.closed {
		return ErrClosed
	}

	flags := afrxrpc.MsgPeek
	if nonBlocking {
		flags |= afrxrpc.MsgDontWait
	}

	var peek [4]byte
	oob := afrxrpc.ControlBuffer()
	_, oobn, _, err := cn.sock.Recvmsg([][]byte{peek[:]}, oob, flags)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("rx: recvmsg peek: %w", err)
	}

	controls, err := afrxrpc.ParseControl(oob[:oobn])
	if err != nil {
		cn.drain()
		return fmt.Errorf("rx: %w", err)
	}
	id, ok := afrxrpc.FindCallID(controls)
	if !ok {
		cn.drain()
		logger.Warn("rx: drained message without call ID: %s", afrxrpc.DumpControl(controls))
		return ErrNoCallID
	}
	call := cn.handles.lookup(Handle(id))
	if call == nil {
		cn.drain()
		logger.Warn("rx: drained message for unknown call %x", id)
		return ErrUnknownCall
	}

	return cn.receiveCall(call, nonBlocking)
}

// drain consumes the message at the head of the queue.
func (cn *Connection) drain() {
	b := cn.pool.get()
	defer cn.pool.put(b)
	if _, _, _, err := cn.sock.Recvmsg([][]byte{b.data}, afrxrpc.ControlBuffer(), afrxrpc.MsgDontWait); err != nil {
		logger.Debug("rx: drain: %v", err)
	}
}

func (cn *Connection) receiveCall(call *Call, nonBlocking bool) error {
	iov := make([][]byte, 0, maxRecvSegments)
	fresh := make([]*buffer, 0, maxRecvSegments)

	tail := call.chain.tail()
	if !tail.full() {
		iov = append(iov, tail.data[tail.io:])
	}
	for len(iov) < maxRecvSegments {
		b := cn.pool.get()
		fresh = append(fresh, b)
		iov = append(iov, b.data)
	}

	flags := 0
	if nonBlocking {
		flags = afrxrpc.MsgDontWait
	}
	oob := afrxrpc.ControlBuffer()
	n, oobn, rflags, err := cn.sock.Recvmsg(iov, oob, flags)
	if err != nil {
		for _, b := range fresh {
			cn.pool.put(b)
		}
		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("rx: recvmsg call %x: %w", call.handle, err)
	}

	// Spread the bytes over the tail and then the fresh buffers in order.
	rem := n
	if !tail.full() {
		k := min(rem, len(tail.data)-tail.io)
		tail.io += k
		rem -= k
	}
	for _, b := range fresh {
		if rem == 0 {
			cn.pool.put(b)
			continue
		}
		k := min(rem, len(b.data))
		b.io = k
		rem -= k
		call.chain.pushBack(b)
	}

	call.bytesReceived += int64(n)
	call.dataCount += n
	cn.metrics.RecordBytes("received", n)

	if call.state == StateServerWaitingForOpcode {
		call.knownToKernel = true
		if call.remote, call.hasRemote = cn.sender(); call.hasRemote {
			logger.Debug("rx: call %x from %s", call.handle, call.remote)
		}
	}
	if rflags&afrxrpc.MsgEOR != 0 {
		call.knownToKernel = false
	}
	if rflags&afrxrpc.MsgMore == 0 {
		call.moreRecv = false
	}

	controls, err := afrxrpc.ParseControl(oob[:oobn])
	if err != nil {
		return fmt.Errorf("rx: call %x: %w", call.handle, err)
	}
	logger.Debug("rx: call %x received %d bytes eor=%t more=%t [%s]",
		call.handle, n, rflags&afrxrpc.MsgEOR != 0, rflags&afrxrpc.MsgMore != 0,
		afrxrpc.DumpControl(controls))

	if err := cn.applyControls(call, controls); err != nil {
		return err
	}
	return call.drive()
}

func (cn *Connection) applyControls(call *Call, controls []afrxrpc.Control) error {
	for _, ctl := range controls {
		switch ctl.Type {
		case afrxrpc.CmsgAbort:
			code, _ := ctl.Uint32()
			call.abortCode = int32(code)
			cn.lastAbortCode = call.abortCode
			call.errno = unix.ECONNABORTED
			call.state = StateRemotelyAborted
			cn.metrics.RecordControl("abort")
			cn.metrics.RecordAbort("remote", call.abortCode)

		case afrxrpc.CmsgNetError, afrxrpc.CmsgLocalError:
			v, ok := ctl.Uint32()
			if !ok {
				return fmt.Errorf("rx: call %x: error payload of %d bytes: %w",
					call.handle, len(ctl.Data), unix.EBADMSG)
			}
			call.errno = unix.Errno(v)
			if ctl.Type == afrxrpc.CmsgNetError {
				call.state = StateNetError
				cn.metrics.RecordControl("net_error")
			} else {
				call.state = StateLocalError
				cn.metrics.RecordControl("local_error")
			}

		case afrxrpc.CmsgBusy:
			call.errno = unix.ECONNREFUSED
			call.state = StateRejectedBusy
			cn.metrics.RecordControl("busy")

		case afrxrpc.CmsgAck:
			cn.metrics.RecordControl("ack")
			if call.state != StateServerWaitingForFinalAck {
				return &StateError{Op: "final ack", State: call.state}
			}
			call.state = StateServerComplete

		case afrxrpc.CmsgResponse:
			call.secured = true
			cn.metrics.RecordControl("response")
		}
	}
	return nil
}

// drive runs the decode state loop for call after new input has arrived.
func (c *Call) drive() error {
	for {
		switch c.state {
		case StateClientWaitingForResponse, StateServerWaitingForOpcode:
			c.state++

		case StateClientDecodingResponse, StateServerDecodingOpcode, StateServerDecodingParams:
			if c.needSize == NeedUnbounded {
				if c.Available() <= 0 && c.moreRecv {
					return nil
				}
			} else if c.Available() < c.needSize {
				if !c.moreRecv {
					logger.Debug("rx: call %x short data: %d < %d", c.handle, c.Available(), c.needSize)
					c.fail(unix.ENODATA, c.unmarshalAbortCode())
				}
				return nil
			}

			if c.state == StateServerDecodingOpcode {
				if !c.dispatch() {
					return nil
				}
				continue
			}

			if c.ops == nil {
				c.fail(unix.EBADMSG, c.unmarshalAbortCode())
				return nil
			}
			avail, need := c.Available(), c.needSize
			res, err := c.ops.Decode(c)
			c.PostDecode()
			if err != nil {
				c.decodeFailed(err)
				return nil
			}
			if c.state.Failed() {
				return nil
			}
			if res == DecodeMore {
				if c.Available() == avail && c.needSize == need {
					// No progress is possible until more arrives.
					if !c.moreRecv {
						c.fail(unix.ENODATA, c.unmarshalAbortCode())
					}
					return nil
				}
				continue
			}
			c.state++ // into the wait-for-no-more state

		case StateClientWaitForNoMore, StateServerWaitForNoMore:
			c.discardExcess()
			if c.moreRecv {
				return nil
			}
			c.state++
			if c.state == StateServerProcessing {
				c.prepareEncode()
				c.ops.Process(c)
			}
			return nil

		case StateServerProcessing:
			if c.ops != nil {
				c.ops.OnFailure(c)
			}
			return nil

		case StateClientComplete, StateServerComplete,
			StateRemotelyAborted, StateLocallyAborted, StateNetError,
			StateLocalError, StateRejectedBusy:
			return nil

		default:
			return &StateError{Op: "receive", State: c.state}
		}
	}
}

// dispatch decodes a server call's opcode and looks up its operations. It
// reports whether decoding may continue.
func (c *Call) dispatch() bool {
	opcode := c.DecodeUint32()
	c.PostDecode()

	svc := c.conn.service
	if svc == nil {
		c.fail(unix.EOPNOTSUPP, AbortOpcode)
		return false
	}
	ops, err := svc.Dispatch(c, opcode)
	if err != nil {
		var ae *AbortError
		switch {
		case errors.Is(err, ErrUnknownOpcode):
			logger.Debug("rx: call %x unknown opcode %d", c.handle, opcode)
			c.fail(unix.EOPNOTSUPP, AbortOpcode)
		case errors.As(err, &ae):
			c.fail(errnoOf(err, unix.ECONNABORTED), ae.Code)
		default:
			c.fail(errnoOf(err, unix.EBADMSG), AbortServerUnmarshal)
		}
		return false
	}
	if ops == nil {
		c.fail(unix.EOPNOTSUPP, AbortOpcode)
		return false
	}
	c.ops = ops
	c.needSize = 0
	c.state = StateServerDecodingParams
	logger.Debug("rx: call %x dispatched opcode %d", c.handle, opcode)
	return true
}

func (c *Call) decodeFailed(err error) {
	logger.Debug("rx: call %x decode failed: %v", c.handle, err)
	var ae *AbortError
	if errors.As(err, &ae) {
		c.fail(errnoOf(err, unix.ECONNABORTED), ae.Code)
		return
	}
	c.fail(errnoOf(err, unix.EBADMSG), c.unmarshalAbortCode())
}

func errnoOf(err error, def unix.Errno) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return def
}
