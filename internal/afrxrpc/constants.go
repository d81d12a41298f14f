// Package afrxrpc is the thin binding to the kernel AF_RXRPC socket family:
// address layout, socket options, ancillary (control) message codec and the
// raw syscalls the transport engine drives.
//
// Values mirror the kernel's <linux/rxrpc.h> UAPI.
package afrxrpc

// Socket family and option level.
const (
	// AFRxRPC is the AF_RXRPC address family.
	AFRxRPC = 33

	// SolRxRPC is the cmsg_level and setsockopt level used by AF_RXRPC.
	SolRxRPC = 272

	// SockDgram is the transport socket type carried in sockaddr_rxrpc.
	SockDgram = 2
)

// Control message types (cmsg_type at level SolRxRPC).
const (
	// CmsgUserCallID carries the user call ID correlating kernel
	// notifications to a call (unsigned long).
	CmsgUserCallID = 1

	// CmsgAbort requests or notifies an abort (32-bit abort code).
	CmsgAbort = 2

	// CmsgAck reports that the final ACK of a service call was received.
	CmsgAck = 3

	// CmsgResponse reports that a security response was received.
	CmsgResponse = 4

	// CmsgNetError carries a network error (32-bit errno).
	CmsgNetError = 5

	// CmsgBusy reports that the server rejected the call as busy.
	CmsgBusy = 6

	// CmsgLocalError carries a locally generated error (32-bit errno).
	CmsgLocalError = 7

	// CmsgNewCall notifies a service socket of a new incoming call.
	CmsgNewCall = 8

	// CmsgChargeAccept charges the accept pool with a user call ID.
	CmsgChargeAccept = 14
)

// Socket option names (setsockopt at level SolRxRPC).
const (
	SockoptSecurityKey         = 1
	SockoptSecurityKeyring     = 2
	SockoptExclusiveConnection = 3
	SockoptMinSecurityLevel    = 4
)

// SecurityLevel is the minimum security level accepted on a connection.
type SecurityLevel int

const (
	// SecurityPlain allows plain, checksummed packets.
	SecurityPlain SecurityLevel = 0

	// SecurityAuth requires authenticated packets.
	SecurityAuth SecurityLevel = 1

	// SecurityEncrypt requires encrypted packets.
	SecurityEncrypt SecurityLevel = 2
)

// Valid reports whether l is one of the levels the kernel understands.
func (l SecurityLevel) Valid() bool {
	return l >= SecurityPlain && l <= SecurityEncrypt
}

func (l SecurityLevel) String() string {
	switch l {
	case SecurityPlain:
		return "plain"
	case SecurityAuth:
		return "auth"
	case SecurityEncrypt:
		return "encrypt"
	default:
		return "unknown"
	}
}

// ParseSecurityLevel converts a configuration string into a SecurityLevel.
func ParseSecurityLevel(s string) (SecurityLevel, bool) {
	switch s {
	case "plain", "":
		return SecurityPlain, true
	case "auth":
		return SecurityAuth, true
	case "encrypt":
		return SecurityEncrypt, true
	default:
		return -1, false
	}
}

// Message flags used with sendmsg/recvmsg. These are the Linux values;
// AF_RXRPC only exists there.
const (
	MsgPeek     = 0x2
	MsgDontWait = 0x40
	MsgEOR      = 0x80
	MsgMore     = 0x8000
)

// Rx kerberos security abort codes.
const (
	RxkadInconsistency = 19270400 // security module structure inconsistent
	RxkadPacketShort   = 19270401 // packet too short for security challenge
	RxkadLevelFail     = 19270402 // security level negotiation failed
	RxkadTicketLen     = 19270403 // ticket length too short or too long
	RxkadOutOfSequence = 19270404 // packet had bad sequence number
	RxkadNoAuth        = 19270405 // caller not authorised
	RxkadBadKey        = 19270406 // illegal key: bad parity or weak
	RxkadBadTicket     = 19270407 // security object was passed a bad ticket
	RxkadUnknownKey    = 19270408 // ticket contained unknown key version number
	RxkadExpired       = 19270409 // authentication expired
	RxkadSealedIncon   = 19270410 // sealed data inconsistent
	RxkadDataLen       = 19270411 // user data too long
	RxkadIllegalLevel  = 19270412 // caller not authorised to use encrypted conns
)
