package device_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/microvm/device"
)

type mockIRQLine struct {
	levels map[uint8]bool
}

func (m *mockIRQLine) SetIRQLevel(irq uint8, level bool) error {
	if m.levels == nil {
		m.levels = map[uint8]bool{}
	}

	m.levels[irq] = level

	return nil
}

func TestBusRejectsOverlap(t *testing.T) {
	t.Parallel()

	var bus device.Bus

	if err := bus.AddDevice(device.NewI8042()); err != nil {
		t.Fatal(err)
	}

	if err := bus.AddDevice(device.NewI8042()); err == nil {
		t.Fatal("expected overlap error registering a second I8042")
	}
}

func TestBusDispatchesToOwningDevice(t *testing.T) {
	t.Parallel()

	var bus device.Bus

	if err := bus.AddDevice(device.NewRTC()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer

	s := device.NewSerial(0, &mockIRQLine{}, &buf)
	if err := bus.AddDevice(s); err != nil {
		t.Fatal(err)
	}

	if err := bus.Out(0x3f8, []byte{'A'}); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "A" {
		t.Fatalf("got %q, want %q", got, "A")
	}

	// A port nothing owns is a silent no-op.
	if err := bus.Out(0x9999, []byte{0}); err != nil {
		t.Fatal(err)
	}
}

func TestSerialLoopback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := device.NewSerial(0, &mockIRQLine{}, &buf)

	// Enable loopback mode (MCR bit 4).
	if err := s.Out(0x3fc, []byte{0x10}); err != nil {
		t.Fatal(err)
	}

	if err := s.Out(0x3f8, []byte{'z'}); err != nil {
		t.Fatal(err)
	}

	data := []byte{0}
	if err := s.In(0x3f8, data); err != nil {
		t.Fatal(err)
	}

	if data[0] != 'z' {
		t.Fatalf("loopback byte = %q, want %q", data[0], 'z')
	}
}

func TestSerialRaisesIRQOnRX(t *testing.T) {
	t.Parallel()

	irq := &mockIRQLine{}
	s := device.NewSerial(0, irq, &bytes.Buffer{})

	// Enable receive-data-interrupt (IER bit 0).
	if err := s.Out(0x3f9, []byte{0x01}); err != nil {
		t.Fatal(err)
	}

	if err := s.QueueRX('x'); err != nil {
		t.Fatal(err)
	}

	if !irq.levels[4] {
		t.Fatal("expected IRQ 4 to be raised after QueueRX with RDI enabled")
	}
}

func TestRTCReadsBCDSeconds(t *testing.T) {
	t.Parallel()

	r := device.NewRTC()

	if err := r.Out(0x70, []byte{0x00}); err != nil { // select RTC_SECONDS
		t.Fatal(err)
	}

	data := []byte{0}
	if err := r.In(0x71, data); err != nil {
		t.Fatal(err)
	}

	// BCD-encoded seconds must have each nibble in [0, 9].
	if data[0]&0xf > 9 || data[0]>>4 > 9 {
		t.Fatalf("not valid BCD: %#x", data[0])
	}
}
