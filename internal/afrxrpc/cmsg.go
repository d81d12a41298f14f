package afrxrpc

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SizeofUserCallID is sizeof(unsigned long), the kernel's user call ID width.
const SizeofUserCallID = int(unsafe.Sizeof(uintptr(0)))

// Control is one SOL_RXRPC ancillary message.
type Control struct {
	Type int32
	Data []byte
}

// Uint32 returns the payload as a native-endian 32-bit value. ok is false
// when the payload is not exactly four bytes.
func (c Control) Uint32() (v uint32, ok bool) {
	if len(c.Data) != 4 {
		return 0, false
	}
	return binary.NativeEndian.Uint32(c.Data), true
}

// CallID returns the payload as a user call ID.
func (c Control) CallID() (uint64, bool) {
	if c.Type != CmsgUserCallID || len(c.Data) != SizeofUserCallID {
		return 0, false
	}
	if SizeofUserCallID == 8 {
		return binary.NativeEndian.Uint64(c.Data), true
	}
	return uint64(binary.NativeEndian.Uint32(c.Data)), true
}

// ControlBuffer returns an out-of-band buffer large enough for the control
// messages a recvmsg on an AF_RXRPC socket can carry.
func ControlBuffer() []byte {
	return make([]byte, unix.CmsgSpace(SizeofUserCallID)+4*unix.CmsgSpace(4))
}

// AppendControl appends one SOL_RXRPC control message to b.
func AppendControl(b []byte, typ int32, data []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, unix.CmsgSpace(len(data)))...)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[off]))
	h.Level = SolRxRPC
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(b[off+unix.CmsgLen(0):], data)
	return b
}

func encodeCallID(id uint64) []byte {
	p := make([]byte, SizeofUserCallID)
	if SizeofUserCallID == 8 {
		binary.NativeEndian.PutUint64(p, id)
	} else {
		binary.NativeEndian.PutUint32(p, uint32(id))
	}
	return p
}

// BuildCallID returns a control buffer carrying RXRPC_USER_CALL_ID.
func BuildCallID(id uint64) []byte {
	return AppendControl(nil, CmsgUserCallID, encodeCallID(id))
}

// BuildAbort returns a control buffer that aborts call id with code.
func BuildAbort(id uint64, code uint32) []byte {
	b := BuildCallID(id)
	var p [4]byte
	binary.NativeEndian.PutUint32(p[:], code)
	return AppendControl(b, CmsgAbort, p[:])
}

// BuildChargeAccept returns a control buffer that pre-charges the service
// socket's accept queue with call id.
func BuildChargeAccept(id uint64) []byte {
	return AppendControl(BuildCallID(id), CmsgChargeAccept, nil)
}

// ParseControl splits oob into its SOL_RXRPC control messages. Messages at
// other levels are skipped.
func ParseControl(oob []byte) ([]Control, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control messages: %w", err)
	}
	out := make([]Control, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Level != SolRxRPC {
			continue
		}
		out = append(out, Control{Type: m.Header.Type, Data: m.Data})
	}
	return out, nil
}

// FindCallID scans cs for a well-formed RXRPC_USER_CALL_ID.
func FindCallID(cs []Control) (uint64, bool) {
	for _, c := range cs {
		if id, ok := c.CallID(); ok {
			return id, true
		}
	}
	return 0, false
}

// DumpControl renders control messages for debug logging.
func DumpControl(cs []Control) string {
	var sb strings.Builder
	for i, c := range cs {
		if i > 0 {
			sb.WriteString("; ")
		}
		switch c.Type {
		case CmsgUserCallID:
			if id, ok := c.CallID(); ok {
				fmt.Fprintf(&sb, "USER_CALL_ID: %x", id)
				continue
			}
			sb.WriteString("USER_CALL_ID: ")
		case CmsgAbort:
			if v, ok := c.Uint32(); ok {
				fmt.Fprintf(&sb, "ABORT: %d", int32(v))
				continue
			}
			sb.WriteString("ABORT: ")
		case CmsgNetError, CmsgLocalError:
			name := "NET_ERROR"
			if c.Type == CmsgLocalError {
				name = "LOCAL_ERROR"
			}
			if v, ok := c.Uint32(); ok {
				fmt.Fprintf(&sb, "%s: %s", name, unix.Errno(v).Error())
				continue
			}
			sb.WriteString(name + ": ")
		case CmsgAck, CmsgResponse, CmsgBusy, CmsgNewCall:
			sb.WriteString(controlName(c.Type))
			if len(c.Data) == 0 {
				continue
			}
			sb.WriteString(": ")
		default:
			fmt.Fprintf(&sb, "t=%d: ", c.Type)
		}
		fmt.Fprintf(&sb, "{%x}", c.Data)
	}
	return sb.String()
}

func controlName(t int32) string {
	switch t {
	case CmsgAck:
		return "ACK"
	case CmsgResponse:
		return "RESPONSE"
	case CmsgBusy:
		return "BUSY"
	case CmsgNewCall:
		return "NEW_CALL"
	default:
		return fmt.Sprintf("t=%d", t)
	}
}
