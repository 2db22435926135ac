package machine_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/bobuhiro11/microvm/bootproto"
	"github.com/bobuhiro11/microvm/kvm"
	"github.com/bobuhiro11/microvm/machine"
)

// skipUnlessKVM skips a test unless /dev/kvm is present and writable -- the
// CI containers these tests run in don't have nested virtualization.
func skipUnlessKVM(t *testing.T) { // nolint:thelper
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping, /dev/kvm unavailable: %v", err)
	}

	f.Close()
}

func TestNewRejectsSmallMemory(t *testing.T) { // nolint:paralleltest
	skipUnlessKVM(t)

	if _, err := machine.New("/dev/kvm", 1, 1<<10); err == nil {
		t.Fatal("New with undersized memory: got nil error, want one")
	}
}

func TestNewAndReadWriteAt(t *testing.T) { // nolint:paralleltest
	skipUnlessKVM(t)

	m, err := machine.New("/dev/kvm", 1, machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	payload := []byte("hello, guest")
	if _, err := m.WriteAt(payload, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
}

func TestNewRegistersRoundTrip(t *testing.T) { // nolint:paralleltest
	skipUnlessKVM(t)

	m, err := machine.New("/dev/kvm", 1, machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	regs, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	regs.RIP = 0x1234
	if err := m.SetRegs(0, regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	got, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if got.RIP != 0x1234 {
		t.Fatalf("RIP = %#x, want 0x1234", got.RIP)
	}

	if _, err := m.CPUToFD(1); err == nil {
		t.Fatal("CPUToFD(1) with one vcpu: got nil error, want one")
	}
}

// minimalELF64 builds the smallest image bootproto.Load will recognize as
// a 64-bit vmlinux: a header plus one PT_LOAD segment.
func minimalELF64(t *testing.T, entry, paddr uint64, payload []byte) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	type ehdr struct {
		Ident     [16]byte
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}

	type phdr struct {
		Type   uint32
		Flags  uint32
		Offset uint64
		Vaddr  uint64
		Paddr  uint64
		Filesz uint64
		Memsz  uint64
		Align  uint64
	}

	h := ehdr{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1},
		Entry:     entry,
		Phoff:     ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}

	p := phdr{
		Type:   1, // PT_LOAD
		Offset: ehdrSize + phdrSize,
		Paddr:  paddr,
		Filesz: uint64(len(payload)),
		Memsz:  uint64(len(payload)),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		t.Fatal(err)
	}

	if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
		t.Fatal(err)
	}

	buf.Write(payload)

	return buf.Bytes()
}

func TestLoadAndRun64BitHalt(t *testing.T) { // nolint:paralleltest
	skipUnlessKVM(t)

	m, err := machine.New("/dev/kvm", 1, machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	const entry = 0x100000
	image := minimalELF64(t, entry, entry, []byte{0x90, 0x90, 0xf4}) // nop; nop; hlt

	if err := m.Load(image, bootproto.Params{Cmdline: "console=ttyS0"}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	regs, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if regs.RIP != entry {
		t.Fatalf("RIP = %#x, want %#x", regs.RIP, entry)
	}

	cont, err := m.RunOnce(0)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if cont {
		t.Fatal("RunOnce after hlt: got cont=true, want false")
	}
}

func TestQueueSerialInput(t *testing.T) { // nolint:paralleltest
	skipUnlessKVM(t)

	m, err := machine.New("/dev/kvm", 1, machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.QueueSerialInput('H'); err != nil {
		t.Fatalf("QueueSerialInput: %v", err)
	}
}

func TestExitTypeUnexpected(t *testing.T) { // nolint:paralleltest
	if kvm.EXITS390RESET.String() == "" {
		t.Fatal("ExitType.String() returned empty string")
	}
}
