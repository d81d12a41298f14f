//go:build linux

package afrxrpc

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Socket is an AF_RXRPC kernel socket. All methods are raw system calls;
// the type adds no locking and no buffering.
type Socket struct {
	fd   int
	peer []byte // marshalled sockaddr_rxrpc used as msg_name, nil on servers

	from    [SizeofSockaddrRxrpc]byte
	fromLen int
}

// Config describes how to open and bind a socket.
type Config struct {
	// Family is the transport family (AFInet or AFInet6).
	Family int

	// Local is the address bound to. Port 0 lets the kernel choose.
	Local Sockaddr

	// Peer is the default destination for new calls. Nil for services.
	Peer *Sockaddr

	// Exclusive requests a connection not shared with other sockets.
	Exclusive bool

	// Key is the security key description handed to the kernel. Empty
	// means no security.
	Key []byte

	// Level is the minimum security level applied when Key is set.
	Level SecurityLevel
}

// Open creates, configures and binds an AF_RXRPC socket. On any failure
// the descriptor is closed before returning.
func Open(cfg Config) (*Socket, error) {
	fd := -1
	fail := func(errf string, a ...any) error {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		return fmt.Errorf(errf, a...)
	}

	fd, err := unix.Socket(AFRxRPC, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, cfg.Family)
	if err != nil {
		return nil, fail("opening AF_RXRPC socket: %w", err)
	}

	if cfg.Exclusive {
		if err := unix.SetsockoptString(fd, SolRxRPC, SockoptExclusiveConnection, ""); err != nil {
			return nil, fail("setsockopt exclusive connection: %w", err)
		}
	}

	if len(cfg.Key) > 0 {
		if err := unix.SetsockoptInt(fd, SolRxRPC, SockoptMinSecurityLevel, int(cfg.Level)); err != nil {
			return nil, fail("setsockopt min security level: %w", err)
		}
		if err := unix.SetsockoptString(fd, SolRxRPC, SockoptSecurityKey, string(cfg.Key)); err != nil {
			return nil, fail("setsockopt security key: %w", err)
		}
	}

	local := cfg.Local
	local.Family = uint16(cfg.Family)
	sa, err := local.Marshal()
	if err != nil {
		return nil, fail("local address: %w", err)
	}
	if err := rawBind(fd, sa); err != nil {
		return nil, fail("bind %s: %w", local.String(), err)
	}

	s := &Socket{fd: fd}
	if cfg.Peer != nil {
		if s.peer, err = cfg.Peer.Marshal(); err != nil {
			return nil, fail("peer address: %w", err)
		}
	}
	return s, nil
}

func rawBind(fd int, sa []byte) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(&sa[0])),
		uintptr(len(sa)),
	)
	if e != 0 {
		return e
	}
	return nil
}

// Listen marks a service socket as accepting incoming calls.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func makeIovecs(bufs [][]byte) []unix.Iovec {
	iov := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) > 0 {
			iov[i].Base = &b[0]
		}
		iov[i].SetLen(len(b))
	}
	return iov
}

// Sendmsg transmits bufs as one message with oob as ancillary data.
// Client sockets address the configured peer.
func (s *Socket) Sendmsg(bufs [][]byte, oob []byte, flags int) (int, error) {
	var msg unix.Msghdr
	if len(s.peer) > 0 {
		msg.Name = &s.peer[0]
		msg.Namelen = uint32(len(s.peer))
	}
	iov := makeIovecs(bufs)
	if len(iov) > 0 {
		msg.Iov = &iov[0]
		msg.SetIovlen(len(iov))
	}
	if len(oob) > 0 {
		msg.Control = &oob[0]
		msg.SetControllen(len(oob))
	}

	for {
		n, _, e := unix.Syscall(unix.SYS_SENDMSG, uintptr(s.fd), uintptr(unsafe.Pointer(&msg)), uintptr(flags))
		if e == unix.EINTR {
			continue
		}
		if e != 0 {
			return 0, e
		}
		return int(n), nil
	}
}

// Recvmsg reads one message segment into bufs and its ancillary data into
// oob. recvflags carries MSG_EOR and MSG_MORE as reported by the kernel.
func (s *Socket) Recvmsg(bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, err error) {
	var msg unix.Msghdr
	msg.Name = &s.from[0]
	msg.Namelen = uint32(len(s.from))
	iov := makeIovecs(bufs)
	if len(iov) > 0 {
		msg.Iov = &iov[0]
		msg.SetIovlen(len(iov))
	}
	if len(oob) > 0 {
		msg.Control = &oob[0]
		msg.SetControllen(len(oob))
	}

	for {
		r, _, e := unix.Syscall(unix.SYS_RECVMSG, uintptr(s.fd), uintptr(unsafe.Pointer(&msg)), uintptr(flags))
		if e == unix.EINTR {
			continue
		}
		if e != 0 {
			return 0, 0, 0, e
		}
		s.fromLen = int(msg.Namelen)
		return int(r), int(msg.Controllen), int(msg.Flags), nil
	}
}

// Sender returns the source address of the last message read.
func (s *Socket) Sender() (*Sockaddr, error) {
	return ParseSockaddr(s.from[:s.fromLen])
}

// Poll waits until the socket is readable or timeout elapses. A negative
// timeout waits indefinitely.
func (s *Socket) Poll(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0, nil
	}
}

// Close releases the descriptor. The kernel aborts outstanding calls.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
