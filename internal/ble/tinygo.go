package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// stopScanRetry spaces StopScan attempts made before the platform scan
// has started.
const stopScanRetry = 50 * time.Millisecond

// scanner is the scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// PowerController reads and sets the radio power state outside of
// tinygo/bluetooth, which has no query for it.
type PowerController interface {
	Powered() (bool, error)
	PowerOn() error
}

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; they are passed through
// as opaque strings.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	scanner scanner
	power   PowerController // nil when the platform has no power control

	// enableMu serialises Enable. tinygo/bluetooth sets up its platform
	// objects there, so nothing may reach the radio before it succeeds.
	enableMu sync.Mutex

	// mu protects connections and enabled.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
	enabled     bool
}

// NewTinyGoAdapter creates an adapter over the default platform adapter.
// power may be nil.
func NewTinyGoAdapter(power PowerController) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		scanner:     bluetooth.DefaultAdapter,
		power:       power,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	return a.enable()
}

// ensureEnabled enables the adapter unless that already succeeded.
func (a *TinyGoAdapter) ensureEnabled() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()
	if enabled {
		return nil
	}
	slog.Info("[BLE] enabling adapter before first use")
	return a.enable()
}

// caller must hold enableMu.
func (a *TinyGoAdapter) enable() error {
	if a.power != nil {
		if err := a.power.PowerOn(); err != nil {
			return fmt.Errorf("%w: power on: %v", ErrPlatform, err)
		}
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrPlatform, err)
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral
	// drops, whoever initiated it.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return nil
}

func (a *TinyGoAdapter) Enabled() (bool, error) {
	if a.power != nil {
		return a.power.Powered()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, nil
}

// Scan enables the adapter first if needed. Devices report every service
// listed in their advertisement when the platform exposes the raw payload;
// BlueZ does not, so there they report only the filter services they match.
func (a *TinyGoAdapter) Scan(ctx context.Context, opts ScanOptions, found func(Device)) error {
	filter := make([]bluetooth.UUID, 0, len(opts.Services))
	for _, u := range opts.Services {
		tu, err := toTinyGoUUID(u)
		if err != nil {
			return err
		}
		filter = append(filter, tu)
	}

	if err := a.ensureEnabled(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	go a.stopScan(ctx, done)

	err := a.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		var matched []UUID
		for i, tu := range filter {
			if result.HasServiceUUID(tu) {
				matched = append(matched, opts.Services[i])
			}
		}
		if len(filter) > 0 && len(matched) == 0 {
			return
		}
		services := matched
		if raw := result.Bytes(); raw != nil {
			services = advertisedServices(raw)
		}
		found(Device{
			Name:     result.LocalName(),
			Address:  result.Address.String(),
			RSSI:     int(result.RSSI),
			Services: services,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: scan: %v", ErrPlatform, err)
	}
	return nil
}

// stopScan stops the platform scan once ctx ends. StopScan fails while the
// scan is still starting, so it is retried until Scan returns.
func (a *TinyGoAdapter) stopScan(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	ticker := time.NewTicker(stopScanRetry)
	defer ticker.Stop()
	for {
		err := a.scanner.StopScan()
		if err == nil {
			return
		}
		slog.Debug("[BLE] stop scan", "error", err)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if err := a.ensureEnabled(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled, so ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drop a link that comes up after the caller gave up on it.
			if late := <-ch; late.err == nil {
				slog.Info("[BLE] disconnecting late connection", "address", address)
				_ = late.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrPlatform, address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("%w: connect to %s: %v", ErrPlatform, address, result.err)
		}
		conn := &tinyGoConnection{address: address, device: result.device}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Address() string { return c.address }

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) ([]ServiceInfo, error) {
	return runBlocking(ctx, func() ([]ServiceInfo, error) {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: discover services: %v", ErrPlatform, err)
		}
		infos := make([]ServiceInfo, 0, len(svcs))
		for _, svc := range svcs {
			svcUUID, err := fromTinyGoUUID(svc.UUID())
			if err != nil {
				return nil, err
			}
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				return nil, fmt.Errorf("%w: discover characteristics of %s: %v", ErrPlatform, svcUUID, err)
			}
			info := ServiceInfo{UUID: svcUUID}
			for _, ch := range chars {
				chUUID, err := fromTinyGoUUID(ch.UUID())
				if err != nil {
					return nil, err
				}
				info.Characteristics = append(info.Characteristics, CharacteristicInfo{
					UUID:       chUUID,
					Properties: tinyGoProperties,
				})
			}
			infos = append(infos, info)
		}
		return infos, nil
	})
}

func (c *tinyGoConnection) Characteristic(ctx context.Context, service, characteristic UUID) (Characteristic, error) {
	svcUUID, err := toTinyGoUUID(service)
	if err != nil {
		return nil, err
	}
	charUUID, err := toTinyGoUUID(characteristic)
	if err != nil {
		return nil, err
	}

	return runBlocking(ctx, func() (Characteristic, error) {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil || len(svcs) == 0 {
			return nil, fmt.Errorf("%w: service %s: %v", ErrServiceCreationFailed, service, err)
		}
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil {
			return nil, fmt.Errorf("%w: discover characteristic %s: %v", ErrPlatform, characteristic, err)
		}
		if len(chars) == 0 {
			return nil, fmt.Errorf("%w: characteristic %s not found in service %s", ErrInvalidArgument, characteristic, service)
		}
		return &tinyGoCharacteristic{uuid: characteristic, char: chars[0]}, nil
	})
}

func (c *tinyGoConnection) Disconnect() error {
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("%w: disconnect: %v", ErrPlatform, err)
	}
	return nil
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// tinyGoProperties is reported for every characteristic: tinygo/bluetooth
// does not expose the GATT property bits, so capability checks defer to
// the peripheral's own ATT errors.
const tinyGoProperties = PropertyRead | PropertyWrite | PropertyWriteWithoutResponse | PropertyNotify

type tinyGoCharacteristic struct {
	uuid UUID
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() UUID             { return c.uuid }
func (c *tinyGoCharacteristic) Properties() Properties { return tinyGoProperties }

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPlatform, c.uuid, err)
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	if _, err := c.char.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPlatform, c.uuid, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) WriteWithoutResponse(data []byte) error {
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("%w: write without response %s: %v", ErrPlatform, c.uuid, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	err := c.char.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		cb(value)
	})
	if err != nil {
		return fmt.Errorf("%w: enable notifications %s: %v", ErrPlatform, c.uuid, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	if err := c.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("%w: disable notifications %s: %v", ErrPlatform, c.uuid, err)
	}
	return nil
}

// Release is a no-op: tinygo/bluetooth characteristics are plain values.
func (c *tinyGoCharacteristic) Release() {}

// runBlocking runs fn on its own goroutine so ctx can bound a platform
// call that does not take one.
func runBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrPlatform, ctx.Err())
	case r := <-ch:
		return r.v, r.err
	}
}

func toTinyGoUUID(u UUID) (bluetooth.UUID, error) {
	tu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("%w: uuid %s: %v", ErrInvalidArgument, u, err)
	}
	return tu, nil
}

func fromTinyGoUUID(tu bluetooth.UUID) (UUID, error) {
	return ParseUUID(tu.String())
}
