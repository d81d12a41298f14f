package rx

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ============================================================================
// In-memory AF_RXRPC socket
// ============================================================================

type fakeMsg struct {
	data  []byte
	oob   []byte
	flags int
}

type sentMsg struct {
	data  []byte
	oob   []byte
	flags int
}

func (m sentMsg) controls(t *testing.T) []afrxrpc.Control {
	t.Helper()
	cs, err := afrxrpc.ParseControl(m.oob)
	require.NoError(t, err)
	return cs
}

// fakeSocket queues inbound messages and records outbound ones. A read
// that cannot hold a whole message leaves the rest queued and reports
// MSG_MORE, as the kernel does.
type fakeSocket struct {
	inbox       []fakeMsg
	sent        []sentMsg
	acceptLimit int // bytes accepted per sendmsg, 0 = all
	sendErr     error
	closed      bool
	from        *afrxrpc.Sockaddr // reported by Sender, nil = unknown
}

func (s *fakeSocket) Sendmsg(bufs [][]byte, oob []byte, flags int) (int, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	n := total
	if s.acceptLimit > 0 && n > s.acceptLimit {
		n = s.acceptLimit
	}
	data := make([]byte, 0, n)
	for _, b := range bufs {
		if len(data) == n {
			break
		}
		k := min(len(b), n-len(data))
		data = append(data, b[:k]...)
	}
	s.sent = append(s.sent, sentMsg{
		data:  data,
		oob:   append([]byte(nil), oob...),
		flags: flags,
	})
	return n, nil
}

func (s *fakeSocket) Recvmsg(bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, err error) {
	if len(s.inbox) == 0 {
		return 0, 0, 0, unix.EAGAIN
	}
	m := &s.inbox[0]
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
		cs, perr := afrxrpc.ParseControl(m.oob)
		if perr != nil {
			return 0, 0, 0, perr
		}
		id, _ := afrxrpc.FindCallID(cs)
		m.data = m.data[n:]
		m.oob = afrxrpc.BuildCallID(id)
		return n, oobn, afrxrpc.MsgMore, nil
	}
	recvflags = m.flags
	s.inbox = s.inbox[1:]
	return n, oobn, recvflags, nil
}

func (s *fakeSocket) Poll(timeout time.Duration) (bool, error) {
	if len(s.inbox) > 0 {
		return true, nil
	}
	time.Sleep(min(timeout, time.Millisecond))
	return false, nil
}

// Sender round-trips from through the kernel sockaddr layout.
func (s *fakeSocket) Sender() (*afrxrpc.Sockaddr, error) {
	if s.from == nil {
		return nil, errors.New("no sender recorded")
	}
	b, err := s.from.Marshal()
	if err != nil {
		return nil, err
	}
	return afrxrpc.ParseSockaddr(b)
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSocket) lastSent(t *testing.T) sentMsg {
	t.Helper()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

func (s *fakeSocket) sentBytes() []byte {
	var out []byte
	for _, m := range s.sent {
		out = append(out, m.data...)
	}
	return out
}

// ============================================================================
// Message builders
// ============================================================================

func dataMsg(h Handle, data []byte, more, eor bool) fakeMsg {
	flags := 0
	if more {
		flags |= afrxrpc.MsgMore
	}
	if eor {
		flags |= afrxrpc.MsgEOR
	}
	return fakeMsg{
		data:  append([]byte(nil), data...),
		oob:   afrxrpc.BuildCallID(uint64(h)),
		flags: flags,
	}
}

func ctlMsg(h Handle, typ int32, payload []byte) fakeMsg {
	return fakeMsg{
		oob:   afrxrpc.AppendControl(afrxrpc.BuildCallID(uint64(h)), typ, payload),
		flags: afrxrpc.MsgEOR,
	}
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return b[:]
}

func be32(vs ...uint32) []byte {
	out := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

// ============================================================================
// Connections and operations used across tests
// ============================================================================

var testPeer = PeerAddress{Family: FamilyIPv4, IP: []byte{127, 0, 0, 1}, Port: 7003}

func newTestConn(t *testing.T, bufSize int) (*Connection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	cn, err := OpenSocket(sock, testPeer, Options{
		Service:      52,
		BufferSize:   bufSize,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return cn, sock
}

func newTestServer(t *testing.T, bufSize int, svc Service) (*Connection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	cn, err := ListenSocket(sock, Options{
		LocalService: 52,
		BufferSize:   bufSize,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	cn.SetService(svc)
	return cn, sock
}

// funcOps adapts closures to Operations and counts callback invocations.
type funcOps struct {
	decode    func(c *Call) (DecodeResult, error)
	process   func(c *Call)
	processed int
	failures  int
	cleanups  int
}

func (o *funcOps) Decode(c *Call) (DecodeResult, error) {
	if o.decode == nil {
		return DecodeDone, nil
	}
	return o.decode(c)
}

func (o *funcOps) Process(c *Call) {
	o.processed++
	if o.process != nil {
		o.process(c)
	}
}

func (o *funcOps) OnFailure(*Call) { o.failures++ }
func (o *funcOps) Cleanup(*Call)   { o.cleanups++ }

// opaqueDecoder reads one counted, padded byte string progressively.
type opaqueDecoder struct {
	NopOperations
	phase int
	out   []byte
	done  bool
}

func (d *opaqueDecoder) Decode(c *Call) (DecodeResult, error) {
	switch d.phase {
	case 0:
		c.SetNeed(4)
		d.phase = 1
		return DecodeMore, nil
	case 1:
		d.out = make([]byte, c.DecodeUint32())
		c.BeginBlob(d.out)
		d.phase = 2
	}
	if !c.DecodeBlob() {
		c.SetNeed(1)
		return DecodeMore, nil
	}
	d.done = true
	return DecodeDone, nil
}

// fixedDecoder waits for n bytes and hands them to read.
func fixedDecoder(n int, read func(c *Call)) *funcOps {
	started := false
	return &funcOps{decode: func(c *Call) (DecodeResult, error) {
		if !started {
			started = true
			c.SetNeed(n)
			return DecodeMore, nil
		}
		read(c)
		return DecodeDone, nil
	}}
}

// sendRequest creates a client call, encodes with enc and sends it.
func sendRequest(t *testing.T, cn *Connection, ops Operations, enc func(c *Call)) *Call {
	t.Helper()
	call, err := cn.NewCall(ops)
	require.NoError(t, err)
	if enc != nil {
		enc(call)
	}
	require.NoError(t, cn.Send(call))
	require.Equal(t, StateClientWaitingForResponse, call.State())
	return call
}

// deliver queues msgs and receives until the inbox is empty.
func deliver(t *testing.T, cn *Connection, sock *fakeSocket, msgs ...fakeMsg) {
	t.Helper()
	sock.inbox = append(sock.inbox, msgs...)
	for len(sock.inbox) > 0 {
		require.NoError(t, cn.Receive(true))
	}
}

// chunk splits data into pieces of at most size bytes, flagging all but
// the last with MSG_MORE and the last with MSG_EOR.
func chunk(h Handle, data []byte, size int) []fakeMsg {
	var msgs []fakeMsg
	for len(data) > size {
		msgs = append(msgs, dataMsg(h, data[:size], true, false))
		data = data[size:]
	}
	return append(msgs, dataMsg(h, data, false, true))
}
