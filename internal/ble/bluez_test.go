package ble

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

// fakeBusObject stores properties in a map.
type fakeBusObject struct {
	props map[string]dbus.Variant
	err   error
}

func (o *fakeBusObject) GetProperty(p string) (dbus.Variant, error) {
	if o.err != nil {
		return dbus.Variant{}, o.err
	}
	return o.props[p], nil
}

func (o *fakeBusObject) SetProperty(p string, v interface{}) error {
	if o.err != nil {
		return o.err
	}
	o.props[p] = v.(dbus.Variant)
	return nil
}

func TestBlueZPowerOn(t *testing.T) {
	obj := &fakeBusObject{props: map[string]dbus.Variant{
		bluezPoweredProperty: dbus.MakeVariant(false),
	}}
	p := &BlueZPower{object: obj}

	powered, err := p.Powered()
	if err != nil || powered {
		t.Fatalf("Powered() = %v, %v; want false, nil", powered, err)
	}
	if err := p.PowerOn(); err != nil {
		t.Fatalf("PowerOn() error = %v", err)
	}
	powered, err = p.Powered()
	if err != nil || !powered {
		t.Errorf("Powered() after PowerOn = %v, %v; want true, nil", powered, err)
	}
}

func TestBlueZPowerWrongType(t *testing.T) {
	obj := &fakeBusObject{props: map[string]dbus.Variant{
		bluezPoweredProperty: dbus.MakeVariant("yes"),
	}}
	p := &BlueZPower{object: obj}
	if _, err := p.Powered(); err == nil {
		t.Error("Powered() should fail for a non-bool property")
	}
}

func TestBlueZPowerBusError(t *testing.T) {
	busErr := errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	p := &BlueZPower{object: &fakeBusObject{err: busErr}}
	if _, err := p.Powered(); !errors.Is(err, busErr) {
		t.Errorf("Powered() error = %v, want wrapped bus error", err)
	}
	if err := p.PowerOn(); !errors.Is(err, busErr) {
		t.Errorf("PowerOn() error = %v, want wrapped bus error", err)
	}
}
