package central

import (
	"errors"
	"testing"
)

func TestScanReportsDevicesThenCompletes(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.Scan(Callbacks{10, 11}, nil, 0)

	for _, want := range []string{hrmAddress, otherAddress} {
		r := f.sink.expect(t, 10, true)
		if !r.Keep {
			t.Error("device reports should keep the scan callback")
		}
		dev, ok := r.Payload.(DevicePayload)
		if !ok {
			t.Fatalf("payload = %T, want DevicePayload", r.Payload)
		}
		if dev.ID != want {
			t.Errorf("device ID = %q, want %q", dev.ID, want)
		}
	}

	r := f.sink.expect(t, 10, true)
	if r.Payload != PayloadScanCompleted || r.Keep {
		t.Errorf("completion = %+v, want terminal %q", r, PayloadScanCompleted)
	}

	// A finished scan frees the slot.
	f.central.Scan(Callbacks{12, 13}, nil, 0)
	f.sink.expect(t, 12, true)
}

func TestScanFiltersByService(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.Scan(Callbacks{10, 11}, []string{"180D"}, 0)

	r := f.sink.expect(t, 10, true)
	dev := r.Payload.(DevicePayload)
	if dev.ID != hrmAddress || dev.Name != "HRM" || dev.RSSI != -60 {
		t.Errorf("device = %+v", dev)
	}
	if len(dev.AdvertisedServices) != 1 || dev.AdvertisedServices[0] != heartRate.String() {
		t.Errorf("AdvertisedServices = %v, want [%s]", dev.AdvertisedServices, heartRate)
	}
	if r := f.sink.expect(t, 10, true); r.Payload != PayloadScanCompleted {
		t.Errorf("payload = %v, want %q", r.Payload, PayloadScanCompleted)
	}
}

func TestScanRejectsMalformedService(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.Scan(Callbacks{10, 11}, []string{"not-a-uuid"}, 0)
	f.sink.expectFailure(t, 11, "invalid argument")
}

func TestScanRejectsNegativeDuration(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.Scan(Callbacks{10, 11}, nil, -1)
	f.sink.expectFailure(t, 11, "invalid argument")
}

func TestUnfilteredScanReportsAdvertisedServices(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.Scan(Callbacks{10, 11}, nil, 0)

	want := map[string]string{hrmAddress: heartRate.String(), otherAddress: battery.String()}
	for range want {
		dev := f.sink.expect(t, 10, true).Payload.(DevicePayload)
		if len(dev.AdvertisedServices) != 1 || dev.AdvertisedServices[0] != want[dev.ID] {
			t.Errorf("%s AdvertisedServices = %v, want [%s]", dev.ID, dev.AdvertisedServices, want[dev.ID])
		}
	}
}

func TestStartScanWhileScanning(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.StartScan(Callbacks{10, 11}, nil)
	f.sink.expect(t, 10, true)
	f.sink.expect(t, 10, true)

	f.central.StartScan(Callbacks{12, 13}, nil)
	f.sink.expectFailure(t, 13, "Already scanning")
}

func TestStopScan(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.StartScan(Callbacks{10, 11}, nil)
	f.sink.expect(t, 10, true)
	f.sink.expect(t, 10, true)

	f.central.StopScan(Callbacks{14, 15})
	if r := f.sink.expect(t, 11, false); r.Payload != PayloadCanceled {
		t.Errorf("scan payload = %v, want %q", r.Payload, PayloadCanceled)
	}
	if r := f.sink.expect(t, 14, true); r.Payload != PayloadCanceled {
		t.Errorf("stopScan payload = %v, want %q", r.Payload, PayloadCanceled)
	}
	f.sink.none(t)

	f.central.StopScan(Callbacks{14, 15})
	f.sink.expectFailure(t, 15, "No Scan is running")
}

func TestStopScanWhenIdle(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.StopScan(Callbacks{14, 15})
	f.sink.expectFailure(t, 15, "No Scan is running")
}

func TestScanPlatformFailure(t *testing.T) {
	f := newFixture(t, testOptions())
	f.adapter.FailScans(errors.New("adapter busy"))

	f.central.StartScan(Callbacks{10, 11}, nil)
	f.sink.expectFailure(t, 11, "adapter busy")

	f.adapter.FailScans(nil)
	f.central.StartScan(Callbacks{12, 13}, nil)
	f.sink.expect(t, 12, true)
}

func TestScanDuplicates(t *testing.T) {
	tests := []struct {
		name string
		opts ScanOptions
		want int
	}{
		{"once per device", ScanOptions{}, 2},
		{"every advertisement", ScanOptions{ReportDuplicates: true}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.adapter.RepeatAdvertisements(3)

			f.central.StartScanWithOptions(Callbacks{10, 11}, nil, tt.opts)
			for range tt.want {
				f.sink.expect(t, 10, true)
			}
			f.sink.none(t)
		})
	}
}

func TestScanIndependentOfConnection(t *testing.T) {
	f := newFixture(t, testOptions())
	f.central.StartScan(Callbacks{10, 11}, []string{"180f"})
	f.sink.expect(t, 10, true)

	f.connect(t)

	f.central.StopScan(Callbacks{14, 15})
	f.sink.expect(t, 11, false)
	f.sink.expect(t, 14, true)
	if got := f.central.Phase(); got != PhaseReady {
		t.Errorf("Phase() = %s, want Ready", got)
	}
}
