package central

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/callback"
)

// IsEnabled succeeds with "enabled" when the adapter is powered and fails
// with "disabled" otherwise.
func (c *Central) IsEnabled(cb Callbacks) {
	go func() {
		on, err := c.adapter.Enabled()
		c.post(func() {
			if err != nil {
				slog.Warn("[BLE] adapter state", "error", err)
			}
			if err != nil || !on {
				c.reg.Deliver(cb.Failure, false, PayloadDisabled)
				return
			}
			c.reg.Deliver(cb.Success, true, PayloadEnabled)
		})
	}()
}

// Enable powers the adapter on.
func (c *Central) Enable(cb Callbacks) {
	go func() {
		err := c.adapter.Enable()
		c.post(func() {
			if err != nil {
				c.fail(cb, fmt.Errorf("central: enable adapter: %w", err))
				return
			}
			slog.Info("[BLE] adapter enabled")
			c.reg.Deliver(cb.Success, true, PayloadEnabled)
		})
	}()
}

// IsConnected succeeds with "connected" when device is connected and
// discovered, and fails with "disconnected" otherwise.
func (c *Central) IsConnected(cb Callbacks, device string) {
	c.post(func() {
		if _, err := c.ready(device); err != nil {
			c.reg.Deliver(cb.Failure, false, PayloadNotConnected)
			return
		}
		c.reg.Deliver(cb.Success, true, PayloadConnected)
	})
}

// ReadRSSI reads the signal strength of the connected link. Platforms
// without support fail with "NOT IMPLEMENTED".
func (c *Central) ReadRSSI(cb Callbacks, device string) {
	c.post(func() {
		peer, err := c.ready(device)
		if err != nil {
			c.fail(cb, err)
			return
		}
		reader, ok := peer.conn.(ble.RSSIReader)
		if !ok {
			c.fail(cb, fmt.Errorf("central: readRSSI: %w", ble.ErrNotImplemented))
			return
		}
		tok, err := c.reg.Register(cb.Success, cb.Failure, callback.Key{Kind: callback.KindRSSI, Device: device})
		if err != nil {
			c.fail(cb, err)
			return
		}

		ctx, cancel := withTimeout(peer.ctx, c.opts.OperationTimeout)
		go func() {
			defer cancel()
			rssi, err := reader.ReadRSSI(ctx)
			c.post(func() {
				if err != nil {
					_ = c.reg.Fail(tok, fmt.Errorf("central: readRSSI: %w", err))
					return
				}
				_ = c.reg.Terminal(tok, true, rssi)
			})
		}()
	})
}

// StartStateNotifications is not supported.
func (c *Central) StartStateNotifications(cb Callbacks) {
	c.post(func() { c.fail(cb, fmt.Errorf("central: startStateNotifications: %w", ble.ErrNotImplemented)) })
}

// StopStateNotifications is not supported.
func (c *Central) StopStateNotifications(cb Callbacks) {
	c.post(func() { c.fail(cb, fmt.Errorf("central: stopStateNotifications: %w", ble.ErrNotImplemented)) })
}
