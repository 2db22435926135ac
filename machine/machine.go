// Package machine assembles a KVM virtual machine out of /dev/kvm: the VM
// and per-vCPU file descriptors, guest memory, the legacy port-I/O device
// set, and the boot-time register/CPUID setup every vCPU needs before its
// first KVM_RUN. It also runs the per-vCPU exit-dispatch loop.
package machine

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/microvm/acpi"
	"github.com/bobuhiro11/microvm/bootproto"
	"github.com/bobuhiro11/microvm/device"
	"github.com/bobuhiro11/microvm/kvm"
	"github.com/bobuhiro11/microvm/memory"
	"golang.org/x/sys/unix"
)

// Fixed addresses KVM itself needs outside guest RAM (the TSS and the
// identity-map page used to emulate real mode), and the guest-physical
// address the ACPI RSDP/XSDT/MADT chain is written to -- grounded in the
// same values the kvm package's own tests exercise.
const (
	tssAddr         = 0xffffd000
	identityMapAddr = 0xffffc000
	acpiTablesAddr  = 0xe0000

	serialIRQ = 4

	// MinMemSize is the smallest guest memory size this hypervisor will
	// attempt to boot.
	MinMemSize = 1 << 25
)

// ErrBadCPU indicates a cpu number is invalid.
var ErrBadCPU = errors.New("bad cpu number")

// ErrBadVA indicates a bad virtual address was used.
var ErrBadVA = errors.New("bad virtual address")

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = errors.New("mem request must be at least MinMemSize")

// Machine is one running KVM virtual machine: its vCPUs, guest memory,
// and the legacy port-I/O devices attached to it.
type Machine struct {
	kvmFd, vmFd uintptr
	vcpuFds     []uintptr
	runMaps     [][]byte
	runs        []*kvm.RunData

	guest  *memory.Guest
	bus    *device.Bus
	serial *device.Serial
}

// vmIRQLine adapts kvm.IRQLine to device.IRQLine, the interface the
// serial device uses to raise and lower its interrupt line without
// depending on the kvm package directly.
type vmIRQLine struct {
	vmFd uintptr
}

func (v vmIRQLine) SetIRQLevel(irq uint8, level bool) error {
	var l uint32
	if level {
		l = 1
	}

	return kvm.IRQLine(v.vmFd, uint32(irq), l)
}

// New opens kvmPath, creates a VM with nCPUs vCPUs and memSize bytes of
// guest RAM, and attaches the legacy serial/RTC/i8042 device set to the
// new VM's port-I/O bus.
func New(kvmPath string, nCPUs, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d: %w", memSize, ErrMemTooSmall)
	}

	devKVM, err := os.OpenFile(kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	kvmFd := devKVM.Fd()

	if err := kvm.CheckAPIVersion(kvmFd); err != nil {
		return nil, err
	}

	for _, c := range []kvm.Capability{kvm.CapIRQChip, kvm.CapUserMemory, kvm.CapEXTCPUID, kvm.CapPIT2} {
		if err := kvm.RequireExtension(kvmFd, c); err != nil {
			return nil, err
		}
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	guest, err := memory.New(memSize)
	if err != nil {
		return nil, err
	}

	err = kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&guest.Bytes[0]))),
	})
	if err != nil {
		return nil, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	if _, err := acpi.WriteTables(guest, acpiTablesAddr, nCPUs); err != nil {
		return nil, fmt.Errorf("acpi tables: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, err
	}

	if mmapSize < unsafe.Sizeof(kvm.RunData{}) {
		return nil, kvm.ErrInvalidVCPUMmapSize
	}

	m := &Machine{
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		vcpuFds: make([]uintptr, nCPUs),
		runMaps: make([][]byte, nCPUs),
		runs:    make([]*kvm.RunData, nCPUs),
		guest:   guest,
		bus:     &device.Bus{},
	}

	for cpu := 0; cpu < nCPUs; cpu++ {
		vcpuFd, err := kvm.CreateVCPU(vmFd, cpu)
		if err != nil {
			return nil, fmt.Errorf("CreateVCPU(%d): %w", cpu, err)
		}

		m.vcpuFds[cpu] = vcpuFd

		r, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, err
		}

		m.runMaps[cpu] = r
		m.runs[cpu] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	m.serial = device.NewSerial(0, vmIRQLine{vmFd}, os.Stdout)

	if err := m.bus.AddDevice(m.serial); err != nil {
		return nil, err
	}

	if err := m.bus.AddDevice(device.NewRTC()); err != nil {
		return nil, err
	}

	if err := m.bus.AddDevice(device.NewI8042()); err != nil {
		return nil, err
	}

	return m, nil
}

// Close unmaps every vCPU's run page and the guest's RAM.
func (m *Machine) Close() error {
	for _, r := range m.runMaps {
		if r != nil {
			_ = unix.Munmap(r)
		}
	}

	return m.guest.Close()
}

// Load identifies kernel's boot protocol, places it and its boot
// parameters in guest memory, and configures every vCPU's registers to
// enter it. The same entry point and protocol are used for every vCPU;
// this hypervisor does not implement the INIT-SIPI AP bring-up sequence,
// so every vCPU starts at the kernel's own entry point.
func (m *Machine) Load(kernel []byte, params bootproto.Params) error {
	bootable, err := bootproto.Load(m.guest, kernel, params)
	if err != nil {
		return err
	}

	if err := bootable.ConfigureMemory(m.guest); err != nil {
		return err
	}

	for cpu := range m.vcpuFds {
		if err := m.initCPUID(cpu, bootable.Protocol.Is32Bit()); err != nil {
			return err
		}

		sregs, err := m.GetSRegs(cpu)
		if err != nil {
			return err
		}

		bootable.ConfigureSregs(sregs)

		if err := m.SetSRegs(cpu, sregs); err != nil {
			return err
		}

		regs, err := m.GetRegs(cpu)
		if err != nil {
			return err
		}

		bootable.ConfigureRegs(regs)

		if err := m.SetRegs(cpu, regs); err != nil {
			return err
		}
	}

	return nil
}

// QueueSerialInput delivers one byte of host keyboard input to the
// guest's UART receive FIFO. Called from the host-input thread,
// concurrently with vCPU threads dispatching port I/O to the same
// device -- serial guards its own state independently of the bus lock.
func (m *Machine) QueueSerialInput(b byte) error {
	return m.serial.QueueRX(b)
}

// GetRegs gets the general purpose registers for a vcpu.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(fd)
}

// GetSRegs gets the special registers for a vcpu.
func (m *Machine) GetSRegs(cpu int) (*kvm.Sregs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetSregs(fd)
}

// SetRegs sets the general purpose registers for a vcpu.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(fd, r)
}

// SetSRegs sets the special registers for a vcpu.
func (m *Machine) SetSRegs(cpu int, s *kvm.Sregs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetSregs(fd, s)
}

// initCPUID patches the host's supported CPUID table for this vCPU: it
// reports no architectural perfmon counters, advertises the KVM
// paravirt signature, stamps this vCPU's local APIC ID into leaves 0x1
// and 0xb, and -- for a 32-bit entry protocol -- clears the long-mode
// feature bit so the guest doesn't attempt to use it.
func (m *Machine) initCPUID(cpu int, is32Bit bool) error {
	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case kvm.CPUIDFuncPerMon:
			e.Eax = 0
		case kvm.CPUIDSignature:
			e.Eax = kvm.CPUIDFeatures
			e.Ebx = 0x4b4d564b // KVMK
			e.Ecx = 0x564b4d56 // VMKV
			e.Edx = 0x4d       // M
		case 0x1:
			if e.Index == 0 {
				e.Ebx = (e.Ebx &^ (0xff << 24)) | uint32(cpu)<<24
				e.Ecx |= 1 << 31 // X86_FEATURE_HYPERVISOR
			}
		case 0xb:
			e.Edx = uint32(cpu)
		case 0x80000001:
			if is32Bit {
				e.Ecx &^= 1 << 29 // long mode
			}
		}
	}

	return kvm.SetCPUID2(m.vcpuFds[cpu], &cpuid)
}

// RunInfiniteLoop runs one vCPU's exit-dispatch loop until it halts,
// shuts down, or hits an error RunOnce reports as fatal; errors from exits
// RunOnce can continue past are printed to stderr and the loop goes on.
// The calling goroutine is locked to its OS thread for the whole loop.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := m.RunOnce(cpu)
		if !cont {
			return err
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "vcpu %d: %v\r\n", cpu, err)
		}
	}
}

// RunOnce runs the guest vCPU until its next KVM_RUN exit, handling port
// I/O itself and reporting whether the caller should keep looping.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	if err := kvm.Run(fd); err != nil {
		return false, err
	}

	run := m.runs[cpu]
	exit := kvm.ExitType(run.ExitReason)

	switch exit {
	case kvm.EXITHLT, kvm.EXITSHUTDOWN:
		return false, nil

	case kvm.EXITIO:
		direction, size, port, count, offset := run.IO()

		for i := uint64(0); i < count; i++ {
			data := run.Bytes(offset+i*size, size)

			var ioErr error
			if direction == kvm.EXITIOOUT {
				ioErr = m.bus.Out(uint16(port), data)
			} else {
				ioErr = m.bus.In(uint16(port), data)
			}

			if ioErr != nil {
				return false, ioErr
			}
		}

		return true, nil

	case kvm.EXITINTERNALERROR:
		inst, _, asm, derr := m.Inst(cpu)
		if derr == nil {
			fmt.Fprintf(os.Stderr, "vcpu %d: internal error at %s (%v)\r\n", cpu, asm, inst.Op)
		}

		return false, fmt.Errorf("vcpu %d: %w", cpu, kvm.ErrUnexpectedExitReason)

	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		return true, nil

	default:
		r, _ := m.GetRegs(cpu)
		s, _ := m.GetSRegs(cpu)

		return true, fmt.Errorf("%w: %s:\n%s", kvm.ErrUnexpectedExitReason, exit, show("", r, s))
	}
}

func showone(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showone(indent, i)
	}

	return ret
}

// Translate is a struct for KVM_TRANSLATE queries.
type Translate struct {
	// LinearAddress is input. Most people call this a "virtual address".
	LinearAddress uint64

	// The remainder is output.
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate returns the virtual to physical mapping for a vCPU. Useful
// for debugging page-table setup at startup.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	var (
		kvmTranslate = kvm.IIOWR(0x85, 3*8)
		t            = &Translate{LinearAddress: vaddr}
	)

	if _, err := kvm.Ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(t))); err != nil {
		return t, fmt.Errorf("translate %#x: %w", vaddr, err)
	}

	return t, nil
}

// CPUToFD translates a CPU number to its vCPU file descriptor.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	if cpu < 0 || cpu >= len(m.vcpuFds) {
		return 0, fmt.Errorf("cpu %d out of range 0-%d: %w", cpu, len(m.vcpuFds), ErrBadCPU)
	}

	return m.vcpuFds[cpu], nil
}

// VtoP returns the physical address for a vCPU's virtual address.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}

	t, err := GetTranslate(fd, uint64(vaddr))
	if err != nil {
		return -1, err
	}

	if t.Valid == 0 || t.PhysicalAddress > uint64(m.guest.Size()) {
		return -1, fmt.Errorf("%#x: valid not set: %w", vaddr, ErrBadVA)
	}

	return int64(t.PhysicalAddress), nil
}

// ReadAt implements io.ReaderAt over the guest's physical memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(m.guest.Size()) {
		return 0, ErrBadVA
	}

	n := copy(b, m.guest.Bytes[off:])

	return n, nil
}

// WriteAt implements io.WriterAt over the guest's physical memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(m.guest.Size()) {
		return 0, ErrBadVA
	}

	n := copy(m.guest.Bytes[off:], b)

	return n, nil
}
