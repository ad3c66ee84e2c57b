// Package bletest provides a simulated BLE adapter and peripherals for
// tests and for running the central without radio hardware.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/blecentral/internal/ble"
)

type characteristic struct {
	uuid       ble.UUID
	props      ble.Properties
	value      []byte
	subscriber func([]byte)
}

type service struct {
	uuid  ble.UUID
	chars []*characteristic
}

// Peripheral is a simulated GATT server.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int

	mu         sync.Mutex
	advertised []ble.UUID
	services   []*service
	open       int           // characteristic handles not yet released
	readGate   chan struct{} // reads block until closed
	liveRSSI   bool          // connections implement ble.RSSIReader
}

// NewPeripheral creates a peripheral with no services.
func NewPeripheral(address, name string, rssi int) *Peripheral {
	return &Peripheral{Address: address, Name: name, RSSI: rssi}
}

// Advertise adds services to the advertisement payload.
func (p *Peripheral) Advertise(uuids ...ble.UUID) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertised = append(p.advertised, uuids...)
	return p
}

// AddCharacteristic adds a characteristic, creating its service if needed.
func (p *Peripheral) AddCharacteristic(svc, char ble.UUID, props ble.Properties, value []byte) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.service(svc)
	if s == nil {
		s = &service{uuid: svc}
		p.services = append(p.services, s)
	}
	s.chars = append(s.chars, &characteristic{uuid: char, props: props, value: clone(value)})
	return p
}

// Value returns the current value of a characteristic.
func (p *Peripheral) Value(svc, char ble.UUID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.characteristic(svc, char); c != nil {
		return clone(c.value)
	}
	return nil
}

// Notify updates a characteristic and pushes the value to its subscriber.
// It reports whether a subscriber received it.
func (p *Peripheral) Notify(svc, char ble.UUID, value []byte) bool {
	p.mu.Lock()
	c := p.characteristic(svc, char)
	if c == nil {
		p.mu.Unlock()
		return false
	}
	c.value = clone(value)
	cb := c.subscriber
	p.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(clone(value))
	return true
}

// Subscribed reports whether a characteristic has a notification subscriber.
func (p *Peripheral) Subscribed(svc, char ble.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.characteristic(svc, char)
	return c != nil && c.subscriber != nil
}

// OpenHandles returns the number of characteristic handles not released.
func (p *Peripheral) OpenHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// HoldReads makes reads block until the returned function is called.
func (p *Peripheral) HoldReads() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.readGate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// ReportRSSI makes connections to p able to read the link RSSI.
func (p *Peripheral) ReportRSSI() *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveRSSI = true
	return p
}

// caller must hold mu.
func (p *Peripheral) service(uuid ble.UUID) *service {
	for _, s := range p.services {
		if s.uuid == uuid {
			return s
		}
	}
	return nil
}

// caller must hold mu.
func (p *Peripheral) characteristic(svc, char ble.UUID) *characteristic {
	s := p.service(svc)
	if s == nil {
		return nil
	}
	for _, c := range s.chars {
		if c.uuid == char {
			return c
		}
	}
	return nil
}

// Adapter is a simulated BLE adapter over a fixed set of peripherals.
type Adapter struct {
	mu          sync.Mutex
	peripherals []*Peripheral
	enabled     bool
	scanErr     error
	connectErr  error
	discoverErr error
	repeats     int
	connectGate chan struct{}
	connection  *Connection // most recent connection for test assertions
	connects    int
}

// NewAdapter creates a powered-off adapter that sees the given peripherals.
func NewAdapter(peripherals ...*Peripheral) *Adapter {
	return &Adapter{peripherals: peripherals}
}

// FailScans makes every following scan fail with err.
func (a *Adapter) FailScans(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

// FailConnects makes every following connect fail with err.
func (a *Adapter) FailConnects(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// FailDiscoveries makes service discovery fail with err on every
// following connection.
func (a *Adapter) FailDiscoveries(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discoverErr = err
}

// RepeatAdvertisements makes scans report every matching peripheral n times.
func (a *Adapter) RepeatAdvertisements(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repeats = n
}

// HoldConnects makes connects block until the returned function is called.
func (a *Adapter) HoldConnects() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.connectGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// LatestConnection returns the most recently opened connection.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

// Connects returns the number of platform connects that succeeded.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *Adapter) Enabled() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, nil
}

// Scan reports every matching peripheral, then waits for ctx.
func (a *Adapter) Scan(ctx context.Context, opts ble.ScanOptions, found func(ble.Device)) error {
	a.mu.Lock()
	scanErr := a.scanErr
	repeats := max(a.repeats, 1)
	peripherals := append([]*Peripheral(nil), a.peripherals...)
	a.mu.Unlock()

	if scanErr != nil {
		return fmt.Errorf("%w: scan: %v", ble.ErrPlatform, scanErr)
	}

	for _, p := range peripherals {
		p.mu.Lock()
		advertised := append([]ble.UUID(nil), p.advertised...)
		p.mu.Unlock()

		var matched []ble.UUID
		for _, want := range opts.Services {
			for _, have := range advertised {
				if want == have {
					matched = append(matched, want)
				}
			}
		}
		if len(opts.Services) > 0 && len(matched) == 0 {
			continue
		}
		for range repeats {
			if ctx.Err() != nil {
				return nil
			}
			found(ble.Device{Name: p.Name, Address: p.Address, RSSI: p.RSSI, Services: advertised})
		}
	}

	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	gate := a.connectGate
	connectErr := a.connectErr
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: connect to %s: %v", ble.ErrPlatform, address, ctx.Err())
		}
	}
	if connectErr != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ble.ErrPlatform, address, connectErr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.peripherals {
		if p.Address == address {
			conn := &Connection{peripheral: p, discoverErr: a.discoverErr}
			a.connection = conn
			a.connects++
			p.mu.Lock()
			liveRSSI := p.liveRSSI
			p.mu.Unlock()
			if liveRSSI {
				return rssiConnection{conn}, nil
			}
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w: connect to %s: device not found", ble.ErrPlatform, address)
}

// Connection simulates a BLE connection to a Peripheral.
type Connection struct {
	peripheral *Peripheral

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
	discoverErr  error
}

// FailDiscovery makes service discovery fail with err.
func (c *Connection) FailDiscovery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverErr = err
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Connection) Address() string { return c.peripheral.Address }

func (c *Connection) DiscoverServices(ctx context.Context) ([]ble.ServiceInfo, error) {
	c.mu.Lock()
	discoverErr := c.discoverErr
	c.mu.Unlock()
	if discoverErr != nil {
		return nil, fmt.Errorf("%w: discover services: %v", ble.ErrPlatform, discoverErr)
	}

	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ble.ServiceInfo, 0, len(p.services))
	for _, s := range p.services {
		info := ble.ServiceInfo{UUID: s.uuid}
		for _, ch := range s.chars {
			info.Characteristics = append(info.Characteristics, ble.CharacteristicInfo{UUID: ch.uuid, Properties: ch.props})
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *Connection) Characteristic(ctx context.Context, svc, char ble.UUID) (ble.Characteristic, error) {
	if c.Disconnected() {
		return nil, fmt.Errorf("%w: connection closed", ble.ErrPlatform)
	}
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.service(svc) == nil {
		return nil, fmt.Errorf("%w: service %s", ble.ErrServiceCreationFailed, svc)
	}
	ch := p.characteristic(svc, char)
	if ch == nil {
		return nil, fmt.Errorf("%w: characteristic %s not found in service %s", ble.ErrInvalidArgument, char, svc)
	}
	p.open++
	return &Characteristic{peripheral: p, char: ch}, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	// Platforms report the drop of a link we closed ourselves too.
	if cb != nil {
		go cb()
	}
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateLinkLoss triggers the disconnect callback as if the peripheral
// went out of range.
func (c *Connection) SimulateLinkLoss() {
	c.mu.Lock()
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type rssiConnection struct {
	*Connection
}

func (c rssiConnection) ReadRSSI(ctx context.Context) (int, error) {
	if c.Disconnected() {
		return 0, fmt.Errorf("%w: connection closed", ble.ErrPlatform)
	}
	return c.peripheral.RSSI, nil
}

// Characteristic is a handle on a simulated characteristic.
type Characteristic struct {
	peripheral *Peripheral
	char       *characteristic
	released   bool
}

var errReleased = errors.New("bletest: characteristic handle used after release")

func (c *Characteristic) UUID() ble.UUID { return c.char.uuid }

func (c *Characteristic) Properties() ble.Properties { return c.char.props }

func (c *Characteristic) Read() ([]byte, error) {
	p := c.peripheral
	p.mu.Lock()
	gate := p.readGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c.released {
		return nil, errReleased
	}
	return clone(c.char.value), nil
}

func (c *Characteristic) Write(data []byte) error {
	return c.write(data)
}

func (c *Characteristic) WriteWithoutResponse(data []byte) error {
	return c.write(data)
}

func (c *Characteristic) write(data []byte) error {
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.released {
		return errReleased
	}
	c.char.value = clone(data)
	return nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.released {
		return errReleased
	}
	c.char.subscriber = cb
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	c.char.subscriber = nil
	return nil
}

func (c *Characteristic) Release() {
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.released {
		panic("bletest: characteristic handle released twice")
	}
	c.released = true
	p.open--
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
	_ ble.RSSIReader     = rssiConnection{}
)
