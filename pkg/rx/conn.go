// Package rx is a call transport engine for AFS-style RPC over the kernel's
// AF_RXRPC reliable-datagram sockets.
//
// A Connection owns one socket and any number of Calls. Each Call keeps its
// byte stream in a chain of fixed-size buffers: requests are built with the
// Encode* primitives and pushed out by Send, responses are pulled in by
// Receive and drained by the call's Operations using the Decode*
// primitives. Everything is synchronous and single-owner; the caller picks
// blocking or non-blocking receives and owns every timeout.
package rx

import (
	"fmt"
	"net"
	"time"

	"github.com/marmos91/rxrpc/internal/afrxrpc"
	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/pkg/metrics"
	"golang.org/x/sys/unix"
)

// Socket is the kernel surface the engine drives. The linux implementation
// lives in internal/afrxrpc; tests substitute an in-memory one.
type Socket interface {
	// Sendmsg writes bufs as one message with oob as ancillary data and
	// returns the number of payload bytes accepted.
	Sendmsg(bufs [][]byte, oob []byte, flags int) (int, error)

	// Recvmsg reads into bufs and oob, returning the payload length, the
	// control length and the message flags (MSG_EOR, MSG_MORE).
	Recvmsg(bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, err error)

	// Poll waits up to timeout for the socket to become readable.
	Poll(timeout time.Duration) (bool, error)

	Close() error
}

// senderSocket is implemented by sockets that can report where the last
// message read came from.
type senderSocket interface {
	Sender() (*afrxrpc.Sockaddr, error)
}

// SecurityLevel is the minimum security required on a connection.
type SecurityLevel int

const (
	SecurityPlain   = SecurityLevel(afrxrpc.SecurityPlain)
	SecurityAuth    = SecurityLevel(afrxrpc.SecurityAuth)
	SecurityEncrypt = SecurityLevel(afrxrpc.SecurityEncrypt)
)

func (l SecurityLevel) String() string { return afrxrpc.SecurityLevel(l).String() }

// ParseSecurityLevel accepts "plain", "auth" or "encrypt".
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	l, ok := afrxrpc.ParseSecurityLevel(s)
	if !ok {
		return 0, fmt.Errorf("rx: unknown security level %q: %w", s, unix.EINVAL)
	}
	return SecurityLevel(l), nil
}

// Transport address families accepted in a PeerAddress.
const (
	FamilyIPv4 = afrxrpc.AFInet
	FamilyIPv6 = afrxrpc.AFInet6
)

// PeerAddress is the UDP transport address of the remote Rx endpoint.
type PeerAddress struct {
	Family uint16
	IP     net.IP
	Port   uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprint(p.Port))
}

// ParsePeer builds a PeerAddress from a textual IPv4 or IPv6 address.
func ParsePeer(address string, port uint16) (PeerAddress, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return PeerAddress{}, fmt.Errorf("rx: unsupported network address %q", address)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return PeerAddress{Family: FamilyIPv4, IP: ip4, Port: port}, nil
	}
	return PeerAddress{Family: FamilyIPv6, IP: ip, Port: port}, nil
}

// Options configures a Connection.
type Options struct {
	// Service is the Rx service id calls are addressed to.
	Service uint16

	// LocalPort and LocalService are bound locally. Zero lets the kernel
	// choose. A listening connection requires LocalService.
	LocalPort    uint16
	LocalService uint16

	// Exclusive asks the kernel not to share the Rx connection.
	Exclusive bool

	// SecurityKey is the opaque key description handed to the kernel.
	// Nil means no security.
	SecurityKey []byte

	// SecurityLevel is the minimum level enforced when a key is set.
	SecurityLevel SecurityLevel

	// BufferSize is the chain buffer capacity. Zero means
	// DefaultBufferSize; otherwise it must be a multiple of four and at
	// least MinBufferSize.
	BufferSize int

	// MaxCallBuffers bounds the chain length while encoding. Zero means
	// unlimited; exceeding it fails the call with ENOMEM.
	MaxCallBuffers int

	// PollInterval is the readiness slice used by RunSyncCall and Serve.
	// Zero means 100ms.
	PollInterval time.Duration

	// Metrics receives transport statistics. Nil disables collection.
	Metrics metrics.RxMetrics
}

const defaultPollInterval = 100 * time.Millisecond

// Connection is an open AF_RXRPC endpoint and the calls travelling over it.
// It is not safe for concurrent use.
type Connection struct {
	sock    Socket
	peer    PeerAddress
	service Service
	server  bool

	pool           *bufferPool
	handles        handleTable
	maxCallBuffers int
	pollInterval   time.Duration
	metrics        metrics.RxMetrics

	lastAbortCode int32
	closed        bool
}

func validateFamily(family uint16) error {
	switch family {
	case 0:
		return fmt.Errorf("rx: address family: %w", unix.EDESTADDRREQ)
	case FamilyIPv4, FamilyIPv6:
		return nil
	default:
		return fmt.Errorf("rx: address family %d: %w", family, unix.EPROTOTYPE)
	}
}

func validateOptions(opts *Options) error {
	if !afrxrpc.SecurityLevel(opts.SecurityLevel).Valid() {
		return fmt.Errorf("rx: security level %d: %w", opts.SecurityLevel, unix.EINVAL)
	}
	if opts.BufferSize != 0 && (opts.BufferSize < MinBufferSize || opts.BufferSize%4 != 0) {
		return fmt.Errorf("rx: buffer size %d: %w", opts.BufferSize, unix.EINVAL)
	}
	if opts.MaxCallBuffers < 0 {
		return fmt.Errorf("rx: max call buffers %d: %w", opts.MaxCallBuffers, unix.EINVAL)
	}
	return nil
}

func validatePeer(peer PeerAddress, opts *Options) error {
	if err := validateFamily(peer.Family); err != nil {
		return err
	}
	want := net.IPv4len
	if peer.Family == FamilyIPv6 {
		want = net.IPv6len
	}
	if len(peer.IP) != want {
		return fmt.Errorf("rx: address length %d for family %d: %w", len(peer.IP), peer.Family, unix.EINVAL)
	}
	if err := validateOptions(opts); err != nil {
		return err
	}
	if peer.Port == 0 {
		return fmt.Errorf("rx: peer port: %w", unix.EDESTADDRREQ)
	}
	return nil
}

// Open validates the peer and options, then opens, configures and binds a
// kernel AF_RXRPC socket for client calls to peer.
func Open(peer PeerAddress, opts Options) (*Connection, error) {
	if err := validatePeer(peer, &opts); err != nil {
		return nil, err
	}

	sock, err := afrxrpc.Open(afrxrpc.Config{
		Family: int(peer.Family),
		Local: afrxrpc.Sockaddr{
			Service: opts.LocalService,
			Port:    opts.LocalPort,
		},
		Peer: &afrxrpc.Sockaddr{
			Service: opts.Service,
			Family:  peer.Family,
			IP:      peer.IP,
			Port:    peer.Port,
		},
		Exclusive: opts.Exclusive,
		Key:       opts.SecurityKey,
		Level:     afrxrpc.SecurityLevel(opts.SecurityLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("rx: open %s: %w", peer, err)
	}

	logger.Debug("rx: opened connection to %s service %d", peer, opts.Service)
	return newConnection(sock, peer, &opts, false), nil
}

// OpenSocket wraps a caller-supplied Socket after the same validation Open
// performs.
func OpenSocket(sock Socket, peer PeerAddress, opts Options) (*Connection, error) {
	if err := validatePeer(peer, &opts); err != nil {
		return nil, err
	}
	return newConnection(sock, peer, &opts, false), nil
}

// Listen opens a service socket bound to opts.LocalService and
// opts.LocalPort on the given family.
func Listen(family uint16, opts Options, backlog int) (*Connection, error) {
	if err := validateFamily(family); err != nil {
		return nil, err
	}
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}
	if opts.LocalService == 0 {
		return nil, fmt.Errorf("rx: listening requires a local service: %w", unix.EINVAL)
	}

	sock, err := afrxrpc.Open(afrxrpc.Config{
		Family: int(family),
		Local: afrxrpc.Sockaddr{
			Service: opts.LocalService,
			Port:    opts.LocalPort,
		},
		Key:   opts.SecurityKey,
		Level: afrxrpc.SecurityLevel(opts.SecurityLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("rx: listen service %d: %w", opts.LocalService, err)
	}
	if err := sock.Listen(backlog); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("rx: listen service %d: %w", opts.LocalService, err)
	}

	logger.Debug("rx: listening on port %d service %d", opts.LocalPort, opts.LocalService)
	return newConnection(sock, PeerAddress{Family: family}, &opts, true), nil
}

// ListenSocket wraps a caller-supplied, already listening Socket as a
// service connection.
func ListenSocket(sock Socket, opts Options) (*Connection, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}
	return newConnection(sock, PeerAddress{}, &opts, true), nil
}

func newConnection(sock Socket, peer PeerAddress, opts *Options, server bool) *Connection {
	size := opts.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoopRxMetrics()
	}
	return &Connection{
		sock:           sock,
		peer:           peer,
		server:         server,
		pool:           newBufferPool(size),
		maxCallBuffers: opts.MaxCallBuffers,
		pollInterval:   poll,
		metrics:        m,
	}
}

// SetService installs the dispatcher for incoming calls without running
// the Serve loop, for callers that drive Receive themselves.
func (cn *Connection) SetService(svc Service) { cn.service = svc }

// Peer returns the remote transport address.
func (cn *Connection) Peer() PeerAddress { return cn.peer }

// LastAbortCode returns the most recent abort code received from a peer.
func (cn *Connection) LastAbortCode() int32 { return cn.lastAbortCode }

// BufferSize returns the capacity of each chain buffer.
func (cn *Connection) BufferSize() int { return cn.pool.size }

// BuffersOutstanding returns how many buffers live calls currently hold.
func (cn *Connection) BuffersOutstanding() int64 { return cn.pool.Outstanding() }

// LiveCalls returns the number of registered, unterminated calls.
func (cn *Connection) LiveCalls() int { return cn.handles.len() }

// sender resolves the source of the last message read, if the socket
// reports one.
func (cn *Connection) sender() (PeerAddress, bool) {
	ss, ok := cn.sock.(senderSocket)
	if !ok {
		return PeerAddress{}, false
	}
	sa, err := ss.Sender()
	if err != nil {
		logger.Debug("rx: sender address: %v", err)
		return PeerAddress{}, false
	}
	return PeerAddress{Family: sa.Family, IP: sa.IP, Port: sa.Port}, true
}

func (cn *Connection) newCall(server bool) (*Call, error) {
	if cn.closed {
		return nil, ErrClosed
	}
	c := &Call{
		conn:     cn,
		server:   server,
		moreRecv: true,
		created:  time.Now(),
	}
	h, ok := cn.handles.register(c)
	if !ok {
		return nil, fmt.Errorf("rx: call table full: %w", unix.ENFILE)
	}
	c.handle = h
	c.chain.pushBack(cn.pool.get())
	cn.metrics.RecordCallStart(c.side())
	return c, nil
}

// NewCall creates a client call ready for encoding its request.
func (cn *Connection) NewCall(ops Operations) (*Call, error) {
	if cn.server {
		return nil, fmt.Errorf("rx: client call on a service connection: %w", unix.EINVAL)
	}
	c, err := cn.newCall(false)
	if err != nil {
		return nil, err
	}
	c.ops = ops
	c.state = StateClientNotStarted
	c.prepareEncode()
	return c, nil
}

// ChargeAccept pre-registers a server call and hands its handle to the
// kernel's accept queue. The call springs to life when a request arrives.
func (cn *Connection) ChargeAccept() (*Call, error) {
	if !cn.server {
		return nil, fmt.Errorf("rx: charging a client connection: %w", unix.EINVAL)
	}
	c, err := cn.newCall(true)
	if err != nil {
		return nil, err
	}
	c.state = StateServerWaitingForOpcode
	c.prepareDecode()
	c.needSize = 4

	if _, err := cn.sock.Sendmsg(nil, afrxrpc.BuildChargeAccept(uint64(c.handle)), 0); err != nil {
		c.Terminate(0)
		return nil, fmt.Errorf("rx: charge accept: %w", err)
	}
	logger.Debug("rx: charged accept queue with call %x", c.handle)
	return c, nil
}

// Close closes the socket, which makes the kernel abort every outstanding
// call, and terminates all registered calls.
func (cn *Connection) Close() error {
	if cn.closed {
		return nil
	}
	cn.closed = true
	err := cn.sock.Close()
	for _, c := range cn.handles.calls() {
		c.knownToKernel = false
		c.Terminate(AbortUserAbort)
	}
	if err != nil {
		return fmt.Errorf("rx: close: %w", err)
	}
	return nil
}
