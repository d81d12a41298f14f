//go:build !linux

package afrxrpc

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without AF_RXRPC.
var ErrUnsupported = errors.New("AF_RXRPC is only available on linux")

// Socket is unavailable on this platform.
type Socket struct{}

// Config describes how to open and bind a socket.
type Config struct {
	Family    int
	Local     Sockaddr
	Peer      *Sockaddr
	Exclusive bool
	Key       []byte
	Level     SecurityLevel
}

func Open(Config) (*Socket, error) { return nil, ErrUnsupported }

func (s *Socket) Listen(int) error { return ErrUnsupported }

func (s *Socket) Sender() (*Sockaddr, error) { return nil, ErrUnsupported }

func (s *Socket) Sendmsg([][]byte, []byte, int) (int, error) { return 0, ErrUnsupported }

func (s *Socket) Recvmsg([][]byte, []byte, int) (int, int, int, error) {
	return 0, 0, 0, ErrUnsupported
}

func (s *Socket) Poll(time.Duration) (bool, error) { return false, ErrUnsupported }

func (s *Socket) Close() error { return nil }
