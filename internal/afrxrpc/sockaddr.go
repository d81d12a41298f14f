package afrxrpc

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Transport address families carried inside sockaddr_rxrpc (Linux values).
const (
	AFInet  = 2
	AFInet6 = 10
)

const (
	// SizeofSockaddrRxrpc is sizeof(struct sockaddr_rxrpc).
	SizeofSockaddrRxrpc = 36

	sizeofSockaddrInet4 = 16
	sizeofSockaddrInet6 = 28
	transportOffset     = 8
)

// Sockaddr is the Go view of struct sockaddr_rxrpc: an Rx service id plus
// the UDP transport address (IPv4 or IPv6) it is reached through.
type Sockaddr struct {
	// Service is the Rx service id (0 on a client bind).
	Service uint16

	// Family is AFInet or AFInet6.
	Family uint16

	// IP is 4 bytes for AFInet, 16 bytes for AFInet6. Nil binds to the
	// wildcard address.
	IP net.IP

	// Port is the UDP port in host order.
	Port uint16
}

// Marshal lays the address out as the kernel expects it. Header fields are
// native-endian, the port is network order.
func (sa *Sockaddr) Marshal() ([]byte, error) {
	b := make([]byte, SizeofSockaddrRxrpc)
	ne := binary.NativeEndian

	ne.PutUint16(b[0:], AFRxRPC)
	ne.PutUint16(b[2:], sa.Service)
	ne.PutUint16(b[4:], SockDgram)

	t := b[transportOffset:]
	switch sa.Family {
	case AFInet:
		ip := sa.IP
		if ip != nil {
			if ip = ip.To4(); ip == nil {
				return nil, fmt.Errorf("address %s is not IPv4", sa.IP)
			}
		}
		ne.PutUint16(b[6:], sizeofSockaddrInet4)
		ne.PutUint16(t[0:], AFInet)
		binary.BigEndian.PutUint16(t[2:], sa.Port)
		copy(t[4:8], ip)
	case AFInet6:
		ip := sa.IP
		if ip != nil && len(ip) != net.IPv6len {
			return nil, fmt.Errorf("address %s is not IPv6", sa.IP)
		}
		ne.PutUint16(b[6:], sizeofSockaddrInet6)
		ne.PutUint16(t[0:], AFInet6)
		binary.BigEndian.PutUint16(t[2:], sa.Port)
		// t[4:8] flowinfo stays zero.
		copy(t[8:24], ip)
		// t[24:28] scope id stays zero.
	default:
		return nil, fmt.Errorf("unsupported transport family %d", sa.Family)
	}
	return b, nil
}

// ParseSockaddr decodes a sockaddr_rxrpc as returned in msg_name.
func ParseSockaddr(b []byte) (*Sockaddr, error) {
	if len(b) < SizeofSockaddrRxrpc {
		return nil, fmt.Errorf("sockaddr_rxrpc too short: %d bytes", len(b))
	}
	ne := binary.NativeEndian
	if fam := ne.Uint16(b[0:]); fam != AFRxRPC {
		return nil, fmt.Errorf("unexpected address family %d", fam)
	}

	sa := &Sockaddr{Service: ne.Uint16(b[2:])}
	t := b[transportOffset:]
	sa.Family = ne.Uint16(t[0:])
	sa.Port = binary.BigEndian.Uint16(t[2:])

	switch sa.Family {
	case AFInet:
		sa.IP = net.IPv4(t[4], t[5], t[6], t[7]).To4()
	case AFInet6:
		sa.IP = make(net.IP, net.IPv6len)
		copy(sa.IP, t[8:24])
	default:
		return nil, fmt.Errorf("unsupported transport family %d", sa.Family)
	}
	return sa, nil
}

func (sa *Sockaddr) String() string {
	return fmt.Sprintf("%s/%d", net.JoinHostPort(sa.IP.String(), fmt.Sprint(sa.Port)), sa.Service)
}
