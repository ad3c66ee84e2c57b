package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

// fakePower records power-on attempts.
type fakePower struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePower) Powered() (bool, error) { return false, nil }

func (p *fakePower) PowerOn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

// fakeScanner rejects StopScan until its scan is running, like BlueZ.
type fakeScanner struct {
	mu       sync.Mutex
	scans    int
	stops    int
	scanning bool
	entered  chan struct{} // closed when Scan is called
	begin    chan struct{} // Scan starts running once closed
	stopped  chan struct{}
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		entered: make(chan struct{}),
		begin:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *fakeScanner) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	close(s.entered)

	<-s.begin
	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()

	<-s.stopped
	return nil
}

func (s *fakeScanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if !s.scanning {
		return errors.New("bluetooth: there is no scan in progress")
	}
	s.scanning = false
	close(s.stopped)
	return nil
}

func TestScanAndConnectEnableFirst(t *testing.T) {
	tests := []struct {
		name string
		call func(a *TinyGoAdapter) error
	}{
		{"scan", func(a *TinyGoAdapter) error {
			return a.Scan(context.Background(), ScanOptions{}, func(Device) {})
		}},
		{"connect", func(a *TinyGoAdapter) error {
			_, err := a.Connect(context.Background(), "AA:BB:CC:DD:EE:01")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			power := &fakePower{err: errors.New("rfkill blocked")}
			a := NewTinyGoAdapter(power)
			scan := newFakeScanner()
			a.scanner = scan

			// Power-on fails, so the call has to stop before the radio.
			err := tt.call(a)
			if !errors.Is(err, ErrPlatform) {
				t.Fatalf("error = %v, want ErrPlatform", err)
			}
			if power.calls != 1 {
				t.Errorf("PowerOn calls = %d, want 1", power.calls)
			}
			if scan.scans != 0 {
				t.Errorf("Scan reached the radio %d times", scan.scans)
			}

			// A later call tries again.
			_ = tt.call(a)
			if power.calls != 2 {
				t.Errorf("PowerOn calls = %d, want 2", power.calls)
			}
		})
	}
}

func TestEnsureEnabledSkipsEnabledAdapter(t *testing.T) {
	power := &fakePower{}
	a := NewTinyGoAdapter(power)
	a.enabled = true

	if err := a.ensureEnabled(); err != nil {
		t.Fatalf("ensureEnabled() error = %v", err)
	}
	if power.calls != 0 {
		t.Errorf("PowerOn calls = %d, want 0", power.calls)
	}
}

func TestScanCanceledBeforeStart(t *testing.T) {
	a := NewTinyGoAdapter(nil)
	a.enabled = true
	scan := newFakeScanner()
	a.scanner = scan

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Scan(ctx, ScanOptions{}, func(Device) {}); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if scan.scans != 0 {
		t.Errorf("Scan reached the radio %d times", scan.scans)
	}
}

func TestScanStopsWhenCanceledWhileStarting(t *testing.T) {
	a := NewTinyGoAdapter(nil)
	a.enabled = true
	scan := newFakeScanner()
	a.scanner = scan

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Scan(ctx, ScanOptions{}, func(Device) {}) }()

	// Cancel while the platform scan is still starting: the first
	// StopScan is rejected.
	<-scan.entered
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		scan.mu.Lock()
		stops := scan.stops
		scan.mu.Unlock()
		if stops > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for StopScan")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(scan.begin)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Scan() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scan() never returned")
	}
}
