package ble

import (
	"errors"
	"testing"
)

func TestParseUUIDShortForm(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"180d", "0000180d-0000-1000-8000-00805f9b34fb"},
		{"180D", "0000180d-0000-1000-8000-00805f9b34fb"},
		{"0x2A37", "00002a37-0000-1000-8000-00805f9b34fb"},
		{"1", "00000001-0000-1000-8000-00805f9b34fb"},
		{" 2a19 ", "00002a19-0000-1000-8000-00805f9b34fb"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseUUID(tt.input)
			if err != nil {
				t.Fatalf("ParseUUID(%q) error = %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseUUID(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseUUIDLongForm(t *testing.T) {
	const long = "19B10000-E8F2-537E-4F6C-D104768A1214"
	got, err := ParseUUID(long)
	if err != nil {
		t.Fatalf("ParseUUID() error = %v", err)
	}
	if got.String() != "19b10000-e8f2-537e-4f6c-d104768a1214" {
		t.Errorf("String() = %s", got)
	}
	if got.Is16Bit() {
		t.Error("vendor UUID should not be 16-bit")
	}
}

func TestParseUUIDShortAndLongAgree(t *testing.T) {
	short := MustParseUUID("2a37")
	long := MustParseUUID("00002A37-0000-1000-8000-00805F9B34FB")
	if short != long {
		t.Errorf("short %s != long %s", short, long)
	}
	v, ok := short.Short()
	if !ok || v != 0x2a37 {
		t.Errorf("Short() = %#x, %v; want 0x2a37, true", v, ok)
	}
}

func TestParseUUIDInvalid(t *testing.T) {
	for _, input := range []string{"", "xyz", "12345", "0000180d-0000-1000-8000"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseUUID(input)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("ParseUUID(%q) error = %v, want ErrInvalidArgument", input, err)
			}
		})
	}
}

func TestUUIDTextRoundTrip(t *testing.T) {
	var u UUID
	if err := u.UnmarshalText([]byte("180f")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	b, _ := u.MarshalText()
	if string(b) != "0000180f-0000-1000-8000-00805f9b34fb" {
		t.Errorf("MarshalText() = %s", b)
	}
}

func TestPropertiesNames(t *testing.T) {
	ps := PropertyRead | PropertyNotify
	names := ps.Names()
	if len(names) != 2 || names[0] != "Read" || names[1] != "Notify" {
		t.Errorf("Names() = %v, want [Read Notify]", names)
	}
	if ps.Has(PropertyWrite) {
		t.Error("Has(PropertyWrite) = true, want false")
	}
	if Properties(0).Names() == nil {
		t.Error("Names() of empty set should be non-nil for JSON")
	}
}
