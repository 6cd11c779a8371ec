package audio

import (
	"errors"
	"fmt"
)

var ErrDeviceNotFound = errors.New("audio device not found")

// Catalog lists host devices and validates stored selections against them.
type Catalog struct {
	host Host
}

func NewCatalog(host Host) *Catalog {
	return &Catalog{host: host}
}

func (c *Catalog) OutputDevices() ([]Device, error) {
	return c.host.Devices(Output)
}

func (c *Catalog) InputDevices() ([]Device, error) {
	return c.host.Devices(Input)
}

// Resolve maps a persisted index to a device. A nil index resolves to the
// host default, or to a placeholder when the host reports none.
func (c *Catalog) Resolve(kind DeviceKind, index *int) (Device, error) {
	devices, err := c.host.Devices(kind)
	if err != nil {
		return Device{}, err
	}
	if index == nil {
		for _, d := range devices {
			if d.IsDefault {
				return d, nil
			}
		}
		return Device{Index: -1, Name: "System default", IsDefault: true}, nil
	}
	for _, d := range devices {
		if d.Index == *index {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s index %d", ErrDeviceNotFound, kind, *index)
}
