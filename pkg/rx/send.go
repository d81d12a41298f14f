package rx

import (
	"fmt"
	"io"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"github.com/marmos91/rxrpc/internal/logger"
)

const maxSendSegments = 16

// Send transmits everything encoded on call so far. A call that has not
// started (client) or is processing (server) moves into its encoding state
// first. Partial writes are retried until the queue is empty.
//
// Once the queue drains with MoreSend false, a client call waits for its
// response and a server call waits for the final ACK. A failed write is
// returned as is and leaves the state untouched so the caller may retry or
// abort.
func (cn *Connection) Send(call *Call) error {
	if call.terminated {
		return ErrTerminated
	}
	if cn.closed {
		return ErrClosed
	}

	switch call.state {
	case StateClientNotStarted, StateServerProcessing:
		call.state++
	case StateClientEncodingParams, StateServerEncodingResponse:
	default:
		return &StateError{Op: "send", State: call.state}
	}

	if err := call.Err(); err != nil {
		return err
	}
	call.PostEncode()

	oob := afrxrpc.BuildCallID(uint64(call.handle))
	iov := make([][]byte, 0, maxSendSegments)

	for {
		// Retire buffers the kernel has fully accepted.
		for call.chain.len() > 1 && call.chain.head().full() {
			cn.pool.put(call.chain.popFront())
		}

		iov = iov[:0]
		flags := afrxrpc.MsgMore
		tail := call.chain.tail()
		for _, b := range call.chain.bufs {
			if b == tail {
				iov = append(iov, b.data[b.io:call.cursor])
				if !call.moreSend {
					flags = 0
				}
				break
			}
			if b.full() {
				panic("rx: fully sent buffer left mid-chain")
			}
			iov = append(iov, b.data[b.io:])
			if len(iov) == maxSendSegments {
				break
			}
		}

		n, err := cn.sock.Sendmsg(iov, oob, flags)
		if err != nil {
			return fmt.Errorf("rx: sendmsg call %x: %w", call.handle, err)
		}
		logger.Debug("rx: call %x sent %d bytes more=%t", call.handle, n, flags != 0)

		call.bytesSent += int64(n)
		call.dataCount -= n
		call.knownToKernel = true
		cn.metrics.RecordBytes("sent", n)

		// Advance send cursors head to tail; never retire the tail.
		for rem := n; rem > 0; {
			b := call.chain.head()
			end := len(b.data)
			if b == tail {
				end = call.cursor
			}
			k := min(rem, end-b.io)
			b.io += k
			rem -= k
			if b == tail {
				if rem > 0 {
					panic("rx: kernel accepted more bytes than were queued")
				}
				break
			}
			if !b.full() {
				break
			}
			cn.pool.put(call.chain.popFront())
		}

		if call.dataCount <= 0 {
			break
		}
		if n == 0 {
			return fmt.Errorf("rx: sendmsg call %x: %w", call.handle, io.ErrShortWrite)
		}
	}

	if call.moreSend {
		return nil
	}

	switch call.state {
	case StateClientEncodingParams:
		call.state = StateClientWaitingForResponse
		call.prepareDecode()
		logger.Debug("rx: call %x request sent, awaiting response", call.handle)
	case StateServerEncodingResponse:
		// Passes through StateServerResponseEncoded: nothing is left
		// queued, so the final ACK is all that remains.
		call.state = StateServerWaitingForFinalAck
		logger.Debug("rx: call %x response sent, awaiting final ack", call.handle)
	}
	return nil
}
