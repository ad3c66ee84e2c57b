package ble

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// baseUUID is the Bluetooth Base UUID 00000000-0000-1000-8000-00805f9b34fb.
// 16- and 32-bit assigned numbers occupy bytes 0..3.
var baseUUID = UUID(uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb"))

// UUID identifies a GATT service or characteristic.
type UUID uuid.UUID

// New16BitUUID expands a 16-bit assigned number onto the Base UUID.
func New16BitUUID(short uint16) UUID {
	u := baseUUID
	binary.BigEndian.PutUint16(u[2:4], short)
	return u
}

// ParseUUID accepts either the 16-bit short form ("180d", "0x180D") or a
// full 128-bit string. Strings of at most four hex digits are short form.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(short) > 0 && len(short) <= 4 {
		v, err := strconv.ParseUint(short, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("%w: uuid %q: %v", ErrInvalidArgument, s, err)
		}
		return New16BitUUID(uint16(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("%w: uuid %q: %v", ErrInvalidArgument, s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is ParseUUID for constants; it panics on malformed input.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUIDs parses every element of ss.
func ParseUUIDs(ss []string) ([]UUID, error) {
	out := make([]UUID, 0, len(ss))
	for _, s := range ss {
		u, err := ParseUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Is16Bit reports whether u lies on the Base UUID with a 16-bit value.
func (u UUID) Is16Bit() bool {
	return u[0] == 0 && u[1] == 0 && [12]byte(u[4:]) == [12]byte(baseUUID[4:])
}

// Short returns the 16-bit value of an assigned-number UUID.
func (u UUID) Short() (uint16, bool) {
	if !u.Is16Bit() {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// String returns the canonical lower-case 128-bit form.
func (u UUID) String() string { return uuid.UUID(u).String() }

// MarshalText encodes u in canonical form.
func (u UUID) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// UnmarshalText accepts short or long form.
func (u *UUID) UnmarshalText(b []byte) error {
	parsed, err := ParseUUID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
