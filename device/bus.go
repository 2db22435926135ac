// Package device implements the legacy port-I/O peripherals a minimal
// PC platform still needs at boot: the i8042 keyboard controller (used
// here only for its reset line), the MC146818 RTC/CMOS, and a 16550A
// UART. Each implements PortIoDevice and is registered on a Bus, which
// dispatches KVM_EXIT_IO accesses to whichever device owns the port.
package device

import (
	"errors"
	"sync"
)

// ErrDeviceRangeOverlap is returned by Bus.AddDevice when a device's port
// range overlaps one already registered.
var ErrDeviceRangeOverlap = errors.New("device: port range overlap")

// PortRange is a half-open range of I/O ports [Base, Base+Len).
type PortRange struct {
	Base uint16
	Len  uint16
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Base && port < r.Base+r.Len
}

// Overlaps reports whether r and o share any port.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Base < o.Base+o.Len && o.Base < r.Base+r.Len
}

// PortIoDevice is a peripheral addressable via x86 IN/OUT instructions.
type PortIoDevice interface {
	PortRange() PortRange
	In(port uint16, data []byte) error
	Out(port uint16, data []byte) error
}

// Bus dispatches port I/O to whichever registered device owns the port,
// and does nothing for unclaimed ports -- unassigned I/O space reads as
// all-ones/ignores writes on real hardware, and a VM exiting to
// unassigned space shouldn't kill the guest.
type Bus struct {
	mu      sync.Mutex
	devices []PortIoDevice
}

// AddDevice registers a device, rejecting it if its port range overlaps
// one already on the bus.
func (b *Bus) AddDevice(d PortIoDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := d.PortRange()

	for _, existing := range b.devices {
		if r.Overlaps(existing.PortRange()) {
			return ErrDeviceRangeOverlap
		}
	}

	b.devices = append(b.devices, d)

	return nil
}

// In dispatches a KVM_EXIT_IO read to the owning device.
func (b *Bus) In(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.PortRange().Contains(port) {
			return d.In(port, data)
		}
	}

	return nil
}

// Out dispatches a KVM_EXIT_IO write to the owning device.
func (b *Bus) Out(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.PortRange().Contains(port) {
			return d.Out(port, data)
		}
	}

	return nil
}
