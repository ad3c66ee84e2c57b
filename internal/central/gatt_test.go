package central

import (
	"bytes"
	"testing"
	"time"
)

func TestRead(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.central.Read(Callbacks{21, 22}, hrmAddress, "180d", "2a37")
	if r := f.sink.expect(t, 21, true); r.Payload != "AEg=" {
		t.Errorf("payload = %v, want AEg=", r.Payload)
	}
	if n := f.hrm.OpenHandles(); n != 0 {
		t.Errorf("open handles = %d, want 0", n)
	}
}

func TestReadAcceptsLongUUIDs(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.central.Read(Callbacks{21, 22}, hrmAddress, heartRate.String(), bodyLocation.String())
	if r := f.sink.expect(t, 21, true); r.Payload != "AQ==" {
		t.Errorf("payload = %v, want AQ==", r.Payload)
	}
}

func TestReadPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		device  string
		service string
		want    string
	}{
		{"not connected", false, hrmAddress, "180d", "Not connected to device " + hrmAddress},
		{"wrong device", true, otherAddress, "180d", "but to device " + hrmAddress},
		{"malformed service", true, hrmAddress, "xyz!", "invalid argument"},
		{"missing service", true, hrmAddress, "180f", "service creation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			if tt.connect {
				f.connect(t)
			}
			f.central.Read(Callbacks{21, 22}, tt.device, tt.service, "2a37")
			f.sink.expectFailure(t, 22, tt.want)
			if n := f.hrm.OpenHandles(); n != 0 {
				t.Errorf("open handles = %d, want 0", n)
			}
		})
	}
}

func TestReadWhileConnecting(t *testing.T) {
	f := newFixture(t, testOptions())
	release := f.adapter.HoldConnects()
	defer release()

	f.central.Connect(Callbacks{1, 2}, hrmAddress)
	f.central.Read(Callbacks{21, 22}, hrmAddress, "180d", "2a37")
	f.sink.expectFailure(t, 22, "not ready")
}

func TestConcurrentReadsOnSameCharacteristic(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	release := f.hrm.HoldReads()

	f.central.Read(Callbacks{21, 22}, hrmAddress, "180d", "2a37")
	f.central.Read(Callbacks{23, 24}, hrmAddress, "180d", "2a37")
	f.sink.expectFailure(t, 24, "already in progress")

	// Other characteristics are independent.
	f.central.Read(Callbacks{25, 26}, hrmAddress, "180d", "2a38")
	f.sink.none(t)

	release()
	got := map[int]any{}
	for range 2 {
		r := f.sink.next(t)
		got[r.CallbackID] = r.Payload
	}
	if got[21] != "AEg=" || got[25] != "AQ==" {
		t.Errorf("results = %v, want 21:AEg= and 25:AQ==", got)
	}
	eventually(t, "handles released", func() bool { return f.hrm.OpenHandles() == 0 })
}

func TestReadTimeoutReleasesHandle(t *testing.T) {
	opts := testOptions()
	opts.OperationTimeout = 20 * time.Millisecond
	f := newFixture(t, opts)
	f.connect(t)
	release := f.hrm.HoldReads()

	f.central.Read(Callbacks{21, 22}, hrmAddress, "180d", "2a37")
	f.sink.expectFailure(t, 22, "deadline exceeded")
	if n := f.hrm.OpenHandles(); n != 1 {
		t.Errorf("open handles while the platform read is stuck = %d, want 1", n)
	}

	release()
	eventually(t, "handles released", func() bool { return f.hrm.OpenHandles() == 0 })
	f.sink.none(t)
}

func TestWrite(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.central.Write(Callbacks{31, 32}, hrmAddress, "180d", "2a39", "AQI=")
	if r := f.sink.expect(t, 31, true); r.Payload != PayloadCharacteristicWritten {
		t.Errorf("payload = %v, want %q", r.Payload, PayloadCharacteristicWritten)
	}
	if got := f.hrm.Value(heartRate, controlPoint); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("value = %x, want 0102", got)
	}
	if n := f.hrm.OpenHandles(); n != 0 {
		t.Errorf("open handles = %d, want 0", n)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tests := []string{"AQI=", "AA==", "3q2+7w=="}

	for _, value := range tests {
		t.Run(value, func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.connect(t)

			f.central.Write(Callbacks{31, 32}, hrmAddress, "180d", calibration.String(), value)
			f.sink.expect(t, 31, true)

			f.central.Read(Callbacks{21, 22}, hrmAddress, "180d", calibration.String())
			if r := f.sink.expect(t, 21, true); r.Payload != value {
				t.Errorf("read payload = %v, want %s", r.Payload, value)
			}
		})
	}
}

func TestWriteWithoutResponse(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.central.WriteWithoutResponse(Callbacks{33, 34}, hrmAddress, "180d", "2a39", "/w==")
	if r := f.sink.expect(t, 33, true); r.Payload != "" {
		t.Errorf("payload = %v, want empty", r.Payload)
	}
	if got := f.hrm.Value(heartRate, controlPoint); !bytes.Equal(got, []byte{0xff}) {
		t.Errorf("value = %x, want ff", got)
	}
}

func TestWriteFailures(t *testing.T) {
	tests := []struct {
		name  string
		write func(c *Central)
		want  string
	}{
		{"read-only characteristic", func(c *Central) {
			c.Write(Callbacks{31, 32}, hrmAddress, "180d", "2a38", "AQ==")
		}, "not writable"},
		{"read-only without response", func(c *Central) {
			c.WriteWithoutResponse(Callbacks{31, 32}, hrmAddress, "180d", "2a38", "AQ==")
		}, "not writable"},
		{"bad base64", func(c *Central) {
			c.Write(Callbacks{31, 32}, hrmAddress, "180d", "2a39", "%%%")
		}, "invalid argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.connect(t)

			tt.write(f.central)
			f.sink.expectFailure(t, 32, tt.want)
			if got := f.hrm.Value(heartRate, bodyLocation); !bytes.Equal(got, []byte{0x01}) {
				t.Errorf("read-only value changed to %x", got)
			}
			if n := f.hrm.OpenHandles(); n != 0 {
				t.Errorf("open handles = %d, want 0", n)
			}
		})
	}
}
