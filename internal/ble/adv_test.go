package ble

import "testing"

func TestAdvertisedServices(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want []string
	}{
		{"empty", nil, nil},
		{
			"flags and complete 16-bit list",
			[]byte{0x02, 0x01, 0x06, 0x05, 0x03, 0x0d, 0x18, 0x0f, 0x18},
			[]string{"0000180d-0000-1000-8000-00805f9b34fb", "0000180f-0000-1000-8000-00805f9b34fb"},
		},
		{
			"32-bit list",
			[]byte{0x05, 0x05, 0x78, 0x56, 0x34, 0x12},
			[]string{"12345678-0000-1000-8000-00805f9b34fb"},
		},
		{
			"128-bit list",
			[]byte{0x11, 0x07,
				0x14, 0x12, 0x8a, 0x76, 0x04, 0xd1, 0x6c, 0x4f,
				0x7e, 0x53, 0xf2, 0xe8, 0x00, 0x00, 0xb1, 0x19},
			[]string{"19b10000-e8f2-537e-4f6c-d104768a1214"},
		},
		{
			"name only",
			[]byte{0x04, 0x09, 'H', 'R', 'M'},
			nil,
		},
		{
			"truncated structure",
			[]byte{0x03, 0x03, 0x0d, 0x18, 0x09, 0x03, 0x0f},
			[]string{"0000180d-0000-1000-8000-00805f9b34fb"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := advertisedServices(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("advertisedServices() = %v, want %v", got, tt.want)
			}
			for i, u := range got {
				if u.String() != tt.want[i] {
					t.Errorf("service %d = %s, want %s", i, u, tt.want[i])
				}
			}
		})
	}
}
