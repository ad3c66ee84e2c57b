package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName          = "org.bluez"
	bluezAdapterInterface = "org.bluez.Adapter1"
	bluezPoweredProperty  = bluezAdapterInterface + ".Powered"
)

// busObject is the subset of dbus.BusObject BlueZPower needs.
type busObject interface {
	GetProperty(p string) (dbus.Variant, error)
	SetProperty(p string, v interface{}) error
}

// BlueZPower reads and sets org.bluez.Adapter1.Powered over the system bus.
type BlueZPower struct {
	object busObject
}

// NewBlueZPower connects to the system D-Bus and addresses the adapter
// with the given id ("hci0" when empty).
func NewBlueZPower(adapterID string) (*BlueZPower, error) {
	if adapterID == "" {
		adapterID = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system D-Bus: %w", err)
	}
	path := dbus.ObjectPath("/org/bluez/" + adapterID)
	return &BlueZPower{object: conn.Object(bluezBusName, path)}, nil
}

// Powered reports the adapter's Powered property.
func (p *BlueZPower) Powered() (bool, error) {
	v, err := p.object.GetProperty(bluezPoweredProperty)
	if err != nil {
		return false, fmt.Errorf("ble: read %s: %w", bluezPoweredProperty, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s has type %s, want bool", bluezPoweredProperty, v.Signature())
	}
	return powered, nil
}

// PowerOn sets Powered to true.
func (p *BlueZPower) PowerOn() error {
	if err := p.object.SetProperty(bluezPoweredProperty, dbus.MakeVariant(true)); err != nil {
		return fmt.Errorf("ble: set %s: %w", bluezPoweredProperty, err)
	}
	return nil
}

var _ PowerController = (*BlueZPower)(nil)
