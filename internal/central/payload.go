package central

import (
	"fmt"

	"github.com/chaz8081/blecentral/internal/ble"
)

// DevicePayload is reported for every device a scan discovers.
type DevicePayload struct {
	Name               string   `json:"name"`
	ID                 string   `json:"id"`
	RSSI               int      `json:"rssi"`
	AdvertisedServices []string `json:"advertisedServices"`
}

// CharacteristicPayload describes one characteristic of a connected
// peripheral.
type CharacteristicPayload struct {
	Service        string   `json:"service"`
	Characteristic string   `json:"characteristic"`
	UUID           string   `json:"uuid"`
	Properties     []string `json:"properties"`
}

// PeripheralPayload is the snapshot delivered when a connect succeeds.
type PeripheralPayload struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name,omitempty"`
	Services        []string                `json:"services"`
	Characteristics []CharacteristicPayload `json:"characteristics"`
}

func newDevicePayload(d ble.Device) DevicePayload {
	services := make([]string, 0, len(d.Services))
	for _, u := range d.Services {
		services = append(services, u.String())
	}
	return DevicePayload{Name: d.Name, ID: d.Address, RSSI: d.RSSI, AdvertisedServices: services}
}

func newPeripheralPayload(address, name string, services []ble.ServiceInfo) PeripheralPayload {
	p := PeripheralPayload{
		ID:              address,
		Name:            name,
		Services:        make([]string, 0, len(services)),
		Characteristics: []CharacteristicPayload{},
	}
	for _, s := range services {
		p.Services = append(p.Services, s.UUID.String())
		for _, ch := range s.Characteristics {
			p.Characteristics = append(p.Characteristics, CharacteristicPayload{
				Service:        s.UUID.String(),
				Characteristic: shortName(ch.UUID),
				UUID:           ch.UUID.String(),
				Properties:     ch.Properties.Names(),
			})
		}
	}
	return p
}

// shortName returns the 4-digit form for assigned numbers and the full
// form otherwise.
func shortName(u ble.UUID) string {
	if v, ok := u.Short(); ok {
		return fmt.Sprintf("%04x", v)
	}
	return u.String()
}
