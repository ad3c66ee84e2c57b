// Package ble provides the platform side of the BLE central: the adapter,
// connection and characteristic abstractions the central drives, the error
// kinds reported to callers, and UUID parsing.
package ble

import "context"

// Properties is the GATT property bit set a characteristic advertises.
type Properties uint8

const (
	PropertyBroadcast Properties = 1 << iota
	PropertyRead
	PropertyWriteWithoutResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all bits of p are set.
func (ps Properties) Has(p Properties) bool { return ps&p == p }

// Names returns the property names in GATT bit order.
func (ps Properties) Names() []string {
	names := []string{}
	for _, n := range []struct {
		p    Properties
		name string
	}{
		{PropertyBroadcast, "Broadcast"},
		{PropertyRead, "Read"},
		{PropertyWriteWithoutResponse, "WriteWithoutResponse"},
		{PropertyWrite, "Write"},
		{PropertyNotify, "Notify"},
		{PropertyIndicate, "Indicate"},
	} {
		if ps.Has(n.p) {
			names = append(names, n.name)
		}
	}
	return names
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// Services lists the advertised service UUIDs. Platforms that hide
	// the raw advertisement report only the scan filter services matched.
	Services []UUID
}

// ScanOptions narrows a scan.
type ScanOptions struct {
	// Services restricts results to devices advertising at least one of
	// these services. Empty means every device.
	Services []UUID
}

// CharacteristicInfo describes a characteristic found during service
// discovery.
type CharacteristicInfo struct {
	UUID       UUID
	Properties Properties
}

// ServiceInfo describes a primary service and its characteristics.
type ServiceInfo struct {
	UUID            UUID
	Characteristics []CharacteristicInfo
}

// Characteristic is a handle on a remote GATT characteristic. Handles are
// acquired per operation through Connection.Characteristic and must be
// released with Release once the operation (or notification) is over.
type Characteristic interface {
	UUID() UUID
	Properties() Properties
	// Read returns the current value.
	Read() ([]byte, error)
	// Write sends data and waits for the peripheral's confirmation.
	Write(data []byte) error
	// WriteWithoutResponse sends data without confirmation.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications or indications.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
	// Release frees the platform objects behind the handle.
	Release()
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Address returns the remote address the connection was opened with.
	Address() string
	// DiscoverServices enumerates every primary service and characteristic.
	DiscoverServices(ctx context.Context) ([]ServiceInfo, error)
	// Characteristic resolves a characteristic, discovering its service
	// first when needed. Returns an error wrapping ErrServiceCreationFailed
	// when the service is not present.
	Characteristic(ctx context.Context, service, characteristic UUID) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// RSSIReader is implemented by connections whose platform can sample the
// signal strength of an established link.
type RSSIReader interface {
	ReadRSSI(ctx context.Context) (int, error)
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Enabled reports whether the adapter is usable.
	Enabled() (bool, error)
	// Scan reports discovered peripherals to found until ctx is done or
	// the platform fails. It returns nil when ctx ended the scan.
	Scan(ctx context.Context, opts ScanOptions, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
