package central

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/callback"
)

type subState int

const (
	subSubscribing subState = iota + 1
	subSubscribed
)

// subscription is a notification stream on one characteristic. A missing
// map entry means unsubscribed.
type subscription struct {
	target target
	state  subState
	tok    *callback.Token
	lease  *lease // set once subscribed
}

// unsubscribe drops the platform subscription held by l off the event
// loop. A later subscription on key waits until it has finished. done, if
// set, runs on the event loop afterwards.
func (c *Central) unsubscribe(key callback.Key, l *lease, done func(error)) {
	if l == nil {
		return
	}
	finished := make(chan struct{})
	c.drains[key] = finished
	go func() {
		err := l.ch.Unsubscribe()
		l.release()
		close(finished)
		c.post(func() {
			if c.drains[key] == finished {
				delete(c.drains, key)
			}
			if done != nil {
				done(err)
			}
		})
	}()
}

// dropSubscription removes sub and tears down its platform side.
func (c *Central) dropSubscription(key callback.Key, sub *subscription) {
	delete(c.subs, key)
	l := sub.lease
	sub.lease = nil
	c.unsubscribe(key, l, nil)
}

// StartNotification subscribes to a characteristic. Every notified value
// reaches the success callback in base64 until StopNotification or a
// disconnect. Starting again while subscribed replaces the old stream,
// whose failure callback receives "Canceled".
func (c *Central) StartNotification(cb Callbacks, device, service, characteristic string) {
	c.post(func() { c.startNotification(cb, device, service, characteristic) })
}

func (c *Central) startNotification(cb Callbacks, device, service, characteristic string) {
	t, err := parseTarget(device, service, characteristic)
	if err != nil {
		c.fail(cb, err)
		return
	}
	peer, err := c.ready(device)
	if err != nil {
		c.fail(cb, err)
		return
	}

	key := t.key(callback.KindNotification)
	if old, ok := c.subs[key]; ok {
		if old.state == subSubscribing {
			c.fail(cb, fmt.Errorf("central: subscribe %s: %w", t.char, ble.ErrAlreadyInProgress))
			return
		}
		slog.Info("[BLE] replacing subscription", "address", device, "characteristic", t.char)
		c.dropSubscription(key, old)
		_ = c.reg.Cancel(old.tok, PayloadCanceled)
	}

	tok, err := c.reg.Register(cb.Success, cb.Failure, key)
	if err != nil {
		c.fail(cb, err)
		return
	}
	sub := &subscription{target: t, state: subSubscribing, tok: tok}
	c.subs[key] = sub

	ctx, cancel := withTimeout(peer.ctx, c.opts.OperationTimeout)
	conn := peer.conn
	drain := c.drains[key]
	go func() {
		defer cancel()
		if drain != nil {
			<-drain
		}
		l, err := acquire(ctx, conn, t.service, t.char)
		if err == nil {
			err = subscribe(l, func(v []byte) {
				c.post(func() { c.notified(key, sub, v) })
			})
		}
		c.post(func() { c.subscribed(key, sub, l, err) })
	}()
}

// subscribe enables notifications on l, releasing it on failure.
func subscribe(l *lease, onValue func([]byte)) error {
	props := l.ch.Properties()
	if !props.Has(ble.PropertyNotify) && !props.Has(ble.PropertyIndicate) {
		l.release()
		return fmt.Errorf("%w: %s does not notify", ble.ErrInvalidArgument, l.ch.UUID())
	}
	if err := l.ch.Subscribe(onValue); err != nil {
		l.release()
		return err
	}
	return nil
}

func (c *Central) subscribed(key callback.Key, sub *subscription, l *lease, err error) {
	current := c.subs[key] == sub
	if err != nil {
		if current {
			delete(c.subs, key)
		}
		_ = c.reg.Fail(sub.tok, fmt.Errorf("central: subscribe %s: %w", sub.target.char, err))
		return
	}
	if !current {
		// Cancelled while the platform was subscribing.
		c.unsubscribe(key, l, nil)
		return
	}
	sub.state = subSubscribed
	sub.lease = l
	slog.Info("[BLE] subscribed", "address", key.Device, "characteristic", sub.target.char)
}

func (c *Central) notified(key callback.Key, sub *subscription, v []byte) {
	if c.subs[key] != sub {
		return
	}
	_ = c.reg.Progress(sub.tok, base64.StdEncoding.EncodeToString(v))
}

// StopNotification ends a subscription. The subscription's callback is
// released without firing; StopNotification's own success callback
// receives "NotificationStopped".
func (c *Central) StopNotification(cb Callbacks, device, service, characteristic string) {
	c.post(func() {
		t, err := parseTarget(device, service, characteristic)
		if err != nil {
			c.fail(cb, err)
			return
		}
		if _, err := c.ready(device); err != nil {
			c.fail(cb, err)
			return
		}

		key := t.key(callback.KindNotification)
		sub, ok := c.subs[key]
		switch {
		case !ok:
			c.fail(cb, fmt.Errorf("central: unsubscribe %s: %w", t.char, ble.ErrNotSubscribed))
			return
		case sub.state == subSubscribing:
			c.fail(cb, fmt.Errorf("central: unsubscribe %s: subscribe %w", t.char, ble.ErrAlreadyInProgress))
			return
		}

		tok, err := c.reg.Register(cb.Success, cb.Failure, t.key(callback.KindUnsubscribe))
		if err != nil {
			c.fail(cb, err)
			return
		}
		delete(c.subs, key)
		c.reg.Release(sub.tok)

		c.unsubscribe(key, sub.lease, func(err error) {
			if err != nil {
				_ = c.reg.Fail(tok, fmt.Errorf("central: unsubscribe %s: %w", t.char, err))
				return
			}
			slog.Info("[BLE] unsubscribed", "address", device, "characteristic", t.char)
			_ = c.reg.Terminal(tok, true, PayloadNotificationStopped)
		})
		sub.lease = nil
	})
}
