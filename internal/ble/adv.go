package ble

import "encoding/binary"

// Advertising data types carrying service class UUID lists.
const (
	adSomeUUID16  = 0x02
	adAllUUID16   = 0x03
	adSomeUUID32  = 0x04
	adAllUUID32   = 0x05
	adSomeUUID128 = 0x06
	adAllUUID128  = 0x07
)

// advertisedServices returns the service UUIDs listed in a raw advertising
// payload: a sequence of [length][type][data] structures with little-endian
// UUIDs. A truncated structure ends the parse.
func advertisedServices(raw []byte) []UUID {
	var out []UUID
	for len(raw) > 0 {
		n := int(raw[0])
		if n == 0 || n >= len(raw) {
			break
		}
		typ, data := raw[1], raw[2:n+1]
		raw = raw[n+1:]

		switch typ {
		case adSomeUUID16, adAllUUID16:
			for ; len(data) >= 2; data = data[2:] {
				out = append(out, New16BitUUID(binary.LittleEndian.Uint16(data)))
			}
		case adSomeUUID32, adAllUUID32:
			for ; len(data) >= 4; data = data[4:] {
				u := baseUUID
				binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(data))
				out = append(out, u)
			}
		case adSomeUUID128, adAllUUID128:
			for ; len(data) >= 16; data = data[16:] {
				var u UUID
				for i := range u {
					u[i] = data[15-i]
				}
				out = append(out, u)
			}
		}
	}
	return out
}
