// Package central implements the BLE central operation surface on top of a
// ble.Adapter: one scan session, at most one peripheral connection with an
// explicit lifecycle, per-call characteristic access and notification
// subscriptions. Outcomes are routed to caller-supplied callback ids
// through a callback.Registry.
//
// Every piece of mutable state is owned by a single event-loop goroutine.
// Public methods and platform events post closures to that loop; blocking
// platform calls run on worker goroutines and post their results back.
package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/callback"
)

// Payloads delivered as plain strings.
const (
	PayloadDisconnected          = "Disconnected"
	PayloadCanceled              = "Canceled"
	PayloadScanCompleted         = "ScanCompleted"
	PayloadCharacteristicWritten = "CharacteristicWritten"
	PayloadNotificationStopped   = "NotificationStopped"
	PayloadEnabled               = "enabled"
	PayloadDisabled              = "disabled"
	PayloadConnected             = "connected"
	PayloadNotConnected          = "disconnected"
)

// Callbacks is the pair of callback ids supplied with every call.
type Callbacks struct {
	Success int
	Failure int
}

// Options configures timeouts and scan defaults. A zero timeout leaves the
// operation bounded only by caller-driven cancellation.
type Options struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	OperationTimeout time.Duration
	// ScanDuration applies to scan calls that pass zero seconds.
	ScanDuration time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		OperationTimeout: 5 * time.Second,
		ScanDuration:     10 * time.Second,
	}
}

// peripheral is the single allowed connection.
type peripheral struct {
	address string
	gen     uint64
	cb      Callbacks

	ctx    context.Context // cancelled when the connection is released
	cancel context.CancelFunc

	conn     ble.Connection // nil until the platform connect returns
	closed   bool           // platform already reported the link down
	services []ble.ServiceInfo

	connectTok    *callback.Token
	linkTok       *callback.Token
	disconnectTok *callback.Token
}

// Central is the BLE central. Create one with New and Close it when done.
type Central struct {
	adapter ble.Adapter
	reg     *callback.Registry
	opts    Options

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the event loop.
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	phase   Phase
	peer    *peripheral
	gen     uint64
	scan    *scanSession
	seen    map[string]ble.Device
	subs    map[callback.Key]*subscription
	drains  map[callback.Key]chan struct{} // unsubscribes still running
}

// New creates a central over adapter delivering results to sink and
// starts its event loop.
func New(adapter ble.Adapter, sink callback.Sink, opts Options) *Central {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Central{
		adapter: adapter,
		reg:     callback.NewRegistry(sink),
		opts:    opts,
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		seen:    make(map[string]ble.Device),
		subs:    make(map[callback.Key]*subscription),
		drains:  make(map[callback.Key]chan struct{}),
	}
	go c.run()
	return c
}

func (c *Central) run() {
	for {
		select {
		case fn := <-c.events:
			fn()
			if c.stopped {
				return
			}
		case <-c.done:
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the central is
// closed.
func (c *Central) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// query runs fn on the event loop and waits for its result.
func query[T any](c *Central, fallback T, fn func() T) T {
	ch := make(chan T, 1)
	if !c.post(func() { ch <- fn() }) {
		return fallback
	}
	select {
	case v := <-ch:
		return v
	case <-c.done:
		return fallback
	}
}

// Phase returns the current connection phase.
func (c *Central) Phase() Phase {
	return query(c, PhaseDisconnected, func() Phase { return c.phase })
}

// Close stops scanning, drops the connection and stops the event loop.
// Pending callbacks are not invoked.
func (c *Central) Close() error {
	c.closeOnce.Do(func() {
		finished := make(chan struct{})
		if c.post(func() {
			c.shutdown()
			close(finished)
		}) {
			<-finished
		}
		close(c.done)
	})
	return nil
}

func (c *Central) shutdown() {
	c.stopped = true
	c.cancel()
	for key, sub := range c.subs {
		c.dropSubscription(key, sub)
	}
	if c.peer != nil && c.peer.conn != nil && !c.peer.closed {
		slog.Info("[BLE] closing connection", "address", c.peer.address)
		if err := c.peer.conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on close", "error", err)
		}
	}
}

// fail answers a call that never claimed a registry slot.
func (c *Central) fail(cb Callbacks, err error) {
	slog.Debug("[BLE] call rejected", "error", err)
	c.reg.Deliver(cb.Failure, false, err.Error())
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// Connect connects to deviceID. The success callback receives the
// peripheral snapshot once service discovery has finished and stays
// registered; it fires once more with "Disconnected" if the link drops
// unsolicited.
func (c *Central) Connect(cb Callbacks, deviceID string) {
	c.post(func() { c.connect(cb, deviceID) })
}

func (c *Central) connect(cb Callbacks, deviceID string) {
	if c.peer != nil {
		if c.peer.address == deviceID {
			c.fail(cb, fmt.Errorf("central: Already connected to device %s: %w", deviceID, ble.ErrAlreadyConnectedSameDevice))
		} else {
			c.fail(cb, fmt.Errorf("central: Already connected to device %s: %w", c.peer.address, ble.ErrAlreadyConnected))
		}
		return
	}
	if deviceID == "" {
		c.fail(cb, fmt.Errorf("central: connect: empty device id: %w", ble.ErrInvalidArgument))
		return
	}

	tok, err := c.reg.Register(cb.Success, cb.Failure, callback.Key{Kind: callback.KindConnect, Device: deviceID})
	if err != nil {
		c.fail(cb, err)
		return
	}

	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.peer = &peripheral{
		address:    deviceID,
		gen:        c.gen,
		cb:         cb,
		ctx:        ctx,
		cancel:     cancel,
		connectTok: tok,
	}
	c.fire(EventConnect, nil)
}

// Disconnect disconnects from deviceID. It also aborts a connect that has
// not reached Ready yet.
func (c *Central) Disconnect(cb Callbacks, deviceID string) {
	c.post(func() { c.disconnect(cb, deviceID) })
}

func (c *Central) disconnect(cb Callbacks, deviceID string) {
	if c.peer == nil {
		c.fail(cb, fmt.Errorf("central: Not connected to device %s: %w", deviceID, ble.ErrNotConnected))
		return
	}
	if c.peer.address != deviceID {
		c.fail(cb, fmt.Errorf("central: Not connected to device %s but to device %s: %w", deviceID, c.peer.address, ble.ErrWrongDevice))
		return
	}
	if c.phase == PhaseDisconnecting {
		c.fail(cb, fmt.Errorf("central: disconnect from %s: %w", deviceID, ble.ErrAlreadyInProgress))
		return
	}

	tok, err := c.reg.Register(cb.Success, cb.Failure, callback.Key{Kind: callback.KindDisconnect, Device: deviceID})
	if err != nil {
		c.fail(cb, err)
		return
	}
	c.peer.disconnectTok = tok
	c.fire(EventDisconnect, nil)
}

// fire applies event to the lifecycle and performs the resulting effects.
// cause is the platform error for error events.
func (c *Central) fire(event Event, cause error) {
	from := c.phase
	to, effects, err := Transition(from, event)
	if err != nil {
		slog.Debug("[BLE] ignored connection event", "error", err)
		return
	}
	c.phase = to
	slog.Debug("[BLE] connection phase", "from", from, "event", event, "to", to)

	peer := c.peer
	for _, e := range effects {
		c.perform(peer, e, cause)
	}

	if c.phase == PhaseError {
		slog.Warn("[BLE] connection failed", "address", peer.address, "error", cause)
		c.fire(EventReset, nil)
	}
}

func (c *Central) perform(peer *peripheral, e Effect, cause error) {
	switch e {
	case EffectIssueConnect:
		c.issueConnect(peer)
	case EffectDiscoverServices:
		c.discoverServices(peer)
	case EffectSucceedConnect:
		c.succeedConnect(peer)
	case EffectFailConnect:
		_ = c.reg.Fail(peer.connectTok, fmt.Errorf("central: connect to %s: %w", peer.address, cause))
	case EffectAbortConnect:
		_ = c.reg.Cancel(peer.connectTok, PayloadDisconnected)
	case EffectIssueDisconnect:
		c.issueDisconnect(peer)
	case EffectSucceedDisconnect:
		slog.Info("[BLE] disconnected", "address", peer.address)
		if peer.disconnectTok != nil {
			_ = c.reg.Terminal(peer.disconnectTok, true, PayloadDisconnected)
		}
	case EffectFailDisconnect:
		if peer.disconnectTok != nil {
			_ = c.reg.Fail(peer.disconnectTok, fmt.Errorf("central: disconnect from %s: %w", peer.address, cause))
		}
	case EffectNotifyLinkLost:
		slog.Warn("[BLE] link lost", "address", peer.address)
		if peer.linkTok != nil {
			_ = c.reg.Terminal(peer.linkTok, true, PayloadDisconnected)
		}
	case EffectFailLink:
		if peer.linkTok != nil {
			_ = c.reg.Fail(peer.linkTok, fmt.Errorf("central: connection to %s: %w", peer.address, cause))
		}
	case EffectCancelOperations:
		c.cancelOperations(peer)
	case EffectRelease:
		c.release(peer)
	}
}

func (c *Central) issueConnect(peer *peripheral) {
	slog.Info("[BLE] connecting", "address", peer.address)
	ctx, cancel := withTimeout(peer.ctx, c.opts.ConnectTimeout)
	go func() {
		defer cancel()
		conn, err := c.adapter.Connect(ctx, peer.address)
		if !c.post(func() { c.connectResult(peer, conn, err) }) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (c *Central) connectResult(peer *peripheral, conn ble.Connection, err error) {
	if c.peer != peer {
		// Superseded while the platform was connecting.
		if conn != nil {
			go func() { _ = conn.Disconnect() }()
		}
		return
	}
	if conn != nil {
		peer.conn = conn
		conn.OnDisconnect(func() {
			c.post(func() { c.linkLost(peer) })
		})
	}

	switch c.phase {
	case PhaseConnecting:
		if err != nil {
			c.fire(EventPlatformError, err)
			return
		}
		c.fire(EventPlatformConnected, nil)
	case PhaseDisconnecting:
		// Aborted while the platform was connecting.
		if conn == nil {
			peer.closed = true
			c.fire(EventPlatformDisconnected, nil)
			return
		}
		c.issueDisconnect(peer)
	}
}

func (c *Central) discoverServices(peer *peripheral) {
	slog.Info("[BLE] discovering services", "address", peer.address)
	ctx, cancel := withTimeout(peer.ctx, c.opts.DiscoveryTimeout)
	conn := peer.conn
	go func() {
		defer cancel()
		services, err := conn.DiscoverServices(ctx)
		c.post(func() {
			if c.peer != peer || c.phase != PhaseServiceDiscovery {
				return
			}
			if err != nil {
				c.fire(EventPlatformError, err)
				return
			}
			peer.services = services
			c.fire(EventDiscoveryFinished, nil)
		})
	}()
}

func (c *Central) succeedConnect(peer *peripheral) {
	slog.Info("[BLE] connected", "address", peer.address, "services", len(peer.services))
	name := c.seen[peer.address].Name
	snapshot := newPeripheralPayload(peer.address, name, peer.services)

	tok, err := c.reg.Handoff(peer.connectTok, snapshot, callback.Key{Kind: callback.KindLink, Device: peer.address})
	if err != nil {
		slog.Warn("[BLE] hand off connect callback", "error", err)
		return
	}
	peer.linkTok = tok
}

func (c *Central) issueDisconnect(peer *peripheral) {
	if peer.linkTok != nil {
		c.reg.Release(peer.linkTok)
	}
	if peer.conn == nil {
		// connectResult finishes the abort once the platform returns.
		peer.cancel()
		return
	}
	if peer.closed {
		c.fire(EventPlatformDisconnected, nil)
		return
	}
	slog.Info("[BLE] disconnecting", "address", peer.address)
	conn := peer.conn
	go func() {
		err := conn.Disconnect()
		c.post(func() {
			if c.peer != peer || c.phase != PhaseDisconnecting {
				return
			}
			if err != nil {
				c.fire(EventPlatformError, err)
				return
			}
			peer.closed = true
			c.fire(EventPlatformDisconnected, nil)
		})
	}()
}

func (c *Central) linkLost(peer *peripheral) {
	if c.peer != peer {
		return
	}
	peer.closed = true
	c.fire(EventLinkLost, nil)
}

func (c *Central) cancelOperations(peer *peripheral) {
	for key, sub := range c.subs {
		if key.Device == peer.address {
			c.dropSubscription(key, sub)
		}
	}
	n := c.reg.CancelDevice(peer.address, PayloadDisconnected,
		callback.KindConnect, callback.KindLink, callback.KindDisconnect)
	if n > 0 {
		slog.Info("[BLE] cancelled in-flight operations", "address", peer.address, "count", n)
	}
}

func (c *Central) release(peer *peripheral) {
	peer.cancel()
	if peer.conn != nil && !peer.closed {
		conn := peer.conn
		go func() { _ = conn.Disconnect() }()
	}
	peer.closed = true
	if c.peer == peer {
		c.peer = nil
	}
}
