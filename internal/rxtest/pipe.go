// Package rxtest provides an in-memory AF_RXRPC kernel for tests that need
// a client and a service connection talking to each other.
package rxtest

import (
	"sync"
	"time"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"golang.org/x/sys/unix"
)

// Pipe is an in-memory stand-in for the kernel between one client and one
// service socket. It pairs client calls with charged service calls, turns
// final replies into an ACK for the server and forwards aborts.
type Pipe struct {
	mu      sync.Mutex
	client  *Endpoint
	server  *Endpoint
	charged []uint64
	c2s     map[uint64]uint64
	s2c     map[uint64]uint64
}

type message struct {
	data  []byte
	oob   []byte
	flags int
}

// Endpoint is one side of a Pipe. It implements rx.Socket.
type Endpoint struct {
	p      *Pipe
	server bool
	inbox  []message
}

// NewPipe returns an idle pipe with nothing charged.
func NewPipe() *Pipe {
	p := &Pipe{c2s: map[uint64]uint64{}, s2c: map[uint64]uint64{}}
	p.client = &Endpoint{p: p}
	p.server = &Endpoint{p: p, server: true}
	return p
}

// Client is the socket to hand to rx.OpenSocket.
func (p *Pipe) Client() *Endpoint { return p.client }

// Server is the socket to hand to rx.ListenSocket.
func (p *Pipe) Server() *Endpoint { return p.server }

// ChargedCount reports service calls charged and not yet matched to a
// client call.
func (p *Pipe) ChargedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charged)
}

func ctl(id uint64, typ int32, payload []byte) message {
	return message{
		oob:   afrxrpc.AppendControl(afrxrpc.BuildCallID(id), typ, payload),
		flags: afrxrpc.MsgEOR,
	}
}

func (e *Endpoint) Sendmsg(bufs [][]byte, oob []byte, flags int) (int, error) {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	cs, err := afrxrpc.ParseControl(oob)
	if err != nil {
		return 0, err
	}
	id, _ := afrxrpc.FindCallID(cs)
	var abort []byte
	charge := false
	for _, c := range cs {
		switch c.Type {
		case afrxrpc.CmsgAbort:
			abort = c.Data
		case afrxrpc.CmsgChargeAccept:
			charge = true
		}
	}
	var data []byte
	for _, b := range bufs {
		data = append(data, b...)
	}
	final := flags&afrxrpc.MsgMore == 0

	if e.server {
		if charge {
			p.charged = append(p.charged, id)
			return 0, nil
		}
		cid, ok := p.s2c[id]
		if !ok {
			return len(data), nil
		}
		if abort != nil {
			p.client.inbox = append(p.client.inbox, ctl(cid, afrxrpc.CmsgAbort, abort))
			return 0, nil
		}
		m := message{data: data, oob: afrxrpc.BuildCallID(cid), flags: afrxrpc.MsgMore}
		if final {
			m.flags = afrxrpc.MsgEOR
		}
		p.client.inbox = append(p.client.inbox, m)
		if final {
			p.server.inbox = append(p.server.inbox, ctl(id, afrxrpc.CmsgAck, nil))
		}
		return len(data), nil
	}

	sid, ok := p.c2s[id]
	if !ok {
		if abort != nil || len(p.charged) == 0 {
			// Nobody is listening; the call goes unanswered.
			return len(data), nil
		}
		sid = p.charged[0]
		p.charged = p.charged[1:]
		p.c2s[id] = sid
		p.s2c[sid] = id
	}
	if abort != nil {
		p.server.inbox = append(p.server.inbox, ctl(sid, afrxrpc.CmsgAbort, abort))
		return 0, nil
	}
	m := message{data: data, oob: afrxrpc.BuildCallID(sid)}
	if !final {
		m.flags = afrxrpc.MsgMore
	}
	p.server.inbox = append(p.server.inbox, m)
	return len(data), nil
}

func (e *Endpoint) Recvmsg(bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, err error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()

	if len(e.inbox) == 0 {
		return 0, 0, 0, unix.EAGAIN
	}
	m := &e.inbox[0]
	oobn = copy(oob, m.oob)
	for _, b := range bufs {
		n += copy(b, m.data[n:])
		if n == len(m.data) {
			break
		}
	}
	if flags&afrxrpc.MsgPeek != 0 {
		return n, oobn, m.flags, nil
	}
	if n < len(m.data) {
		cs, _ := afrxrpc.ParseControl(m.oob)
		id, _ := afrxrpc.FindCallID(cs)
		m.data = m.data[n:]
		m.oob = afrxrpc.BuildCallID(id)
		return n, oobn, afrxrpc.MsgMore, nil
	}
	recvflags = m.flags
	e.inbox = e.inbox[1:]
	return n, oobn, recvflags, nil
}

func (e *Endpoint) Poll(timeout time.Duration) (bool, error) {
	e.p.mu.Lock()
	ready := len(e.inbox) > 0
	e.p.mu.Unlock()
	if !ready {
		time.Sleep(min(timeout, time.Millisecond))
	}
	return ready, nil
}

func (e *Endpoint) Close() error { return nil }
