package rx

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UUIDSize is the wire size of an afsUUID: every field, down to the
// single-byte clock and node parts, travels as its own 32-bit word.
const UUIDSize = 11 * 4

// EncodeUUID appends u in afsUUID layout.
func (c *Call) EncodeUUID(u uuid.UUID) {
	c.EncodeUint32(binary.BigEndian.Uint32(u[0:4]))
	c.EncodeUint32(uint32(binary.BigEndian.Uint16(u[4:6])))
	c.EncodeUint32(uint32(binary.BigEndian.Uint16(u[6:8])))
	for _, b := range u[8:16] {
		c.EncodeUint32(uint32(b))
	}
}

// DecodeUUID reads an afsUUID. UUIDSize bytes must be available.
func (c *Call) DecodeUUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], c.DecodeUint32())
	binary.BigEndian.PutUint16(u[4:6], uint16(c.DecodeUint32()))
	binary.BigEndian.PutUint16(u[6:8], uint16(c.DecodeUint32()))
	for i := 8; i < 16; i++ {
		u[i] = byte(c.DecodeUint32())
	}
	return u
}
