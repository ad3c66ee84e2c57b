package central

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/callback"
)

// ScanOptions tunes a scan started with StartScanWithOptions.
type ScanOptions struct {
	// ReportDuplicates reports every advertisement instead of once per
	// device per scan.
	ReportDuplicates bool
}

// scanSession is the one allowed scan.
type scanSession struct {
	tok     *callback.Token
	stopTok *callback.Token // set once StopScan was accepted
	cancel  context.CancelFunc
	opts    ScanOptions
	seen    map[string]bool
}

// Scan scans for seconds and then completes with "ScanCompleted". Zero
// seconds uses the configured default duration.
func (c *Central) Scan(cb Callbacks, services []string, seconds int) {
	c.post(func() {
		if seconds < 0 {
			c.fail(cb, fmt.Errorf("central: scan: negative duration %d: %w", seconds, ble.ErrInvalidArgument))
			return
		}
		d := time.Duration(seconds) * time.Second
		if d == 0 {
			d = c.opts.ScanDuration
		}
		c.startScan(cb, services, d, ScanOptions{})
	})
}

// StartScan scans until StopScan is called.
func (c *Central) StartScan(cb Callbacks, services []string) {
	c.post(func() { c.startScan(cb, services, 0, ScanOptions{}) })
}

// StartScanWithOptions is StartScan with tuning options.
func (c *Central) StartScanWithOptions(cb Callbacks, services []string, opts ScanOptions) {
	c.post(func() { c.startScan(cb, services, 0, opts) })
}

func (c *Central) startScan(cb Callbacks, services []string, d time.Duration, opts ScanOptions) {
	uuids, err := ble.ParseUUIDs(services)
	if err != nil {
		c.fail(cb, fmt.Errorf("central: scan: %w", err))
		return
	}
	if c.scan != nil {
		c.fail(cb, fmt.Errorf("central: Already scanning: %w", ble.ErrAlreadyInProgress))
		return
	}
	tok, err := c.reg.Register(cb.Success, cb.Failure, callback.Key{Kind: callback.KindScan})
	if err != nil {
		c.fail(cb, err)
		return
	}

	ctx, cancel := withTimeout(c.ctx, d)
	s := &scanSession{tok: tok, cancel: cancel, opts: opts, seen: make(map[string]bool)}
	c.scan = s
	slog.Info("[BLE] scanning", "services", len(uuids), "duration", d, "duplicates", opts.ReportDuplicates)

	go func() {
		defer cancel()
		err := c.adapter.Scan(ctx, ble.ScanOptions{Services: uuids}, func(dev ble.Device) {
			c.post(func() { c.found(s, dev) })
		})
		c.post(func() { c.scanEnded(s, err) })
	}()
}

func (c *Central) found(s *scanSession, d ble.Device) {
	if c.scan != s || s.stopTok != nil {
		return
	}
	c.seen[d.Address] = d
	if !s.opts.ReportDuplicates && s.seen[d.Address] {
		return
	}
	s.seen[d.Address] = true
	slog.Debug("[BLE] found device", "address", d.Address, "name", d.Name, "rssi", d.RSSI)
	_ = c.reg.Progress(s.tok, newDevicePayload(d))
}

func (c *Central) scanEnded(s *scanSession, err error) {
	if c.scan != s {
		return
	}
	c.scan = nil

	switch {
	case s.stopTok != nil:
		slog.Info("[BLE] scan stopped")
		_ = c.reg.Cancel(s.tok, PayloadCanceled)
		_ = c.reg.Terminal(s.stopTok, true, PayloadCanceled)
	case err != nil:
		slog.Warn("[BLE] scan failed", "error", err)
		_ = c.reg.Fail(s.tok, fmt.Errorf("central: scan: %w", err))
	default:
		slog.Info("[BLE] scan completed", "devices", len(s.seen))
		_ = c.reg.Terminal(s.tok, true, PayloadScanCompleted)
	}
}

// StopScan stops the running scan. The scan's failure callback receives
// "Canceled" before StopScan's success callback does.
func (c *Central) StopScan(cb Callbacks) {
	c.post(func() {
		s := c.scan
		if s == nil {
			c.fail(cb, fmt.Errorf("central: No Scan is running: %w", ble.ErrNoScanRunning))
			return
		}
		tok, err := c.reg.Register(cb.Success, cb.Failure, callback.Key{Kind: callback.KindStopScan})
		if err != nil {
			c.fail(cb, err)
			return
		}
		s.stopTok = tok
		s.cancel()
	})
}
