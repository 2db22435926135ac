// Package platform holds the fixed low-memory address layout and the
// register/page-table setup every boot protocol shares: the GDT/IDT
// location, the identity page tables, and the segment/control-register
// values KVM's KVM_SET_SREGS expects before the first KVM_RUN.
package platform

import (
	"encoding/binary"

	"github.com/bobuhiro11/microvm/kvm"
	"github.com/bobuhiro11/microvm/memory"
	"github.com/bobuhiro11/microvm/pvh"
)

// Fixed low-memory addresses. These never move: every protocol's GDT, IDT
// and page tables live at the same guest-physical offsets regardless of
// which kernel format is being booted.
const (
	GDTBase       = 0x500
	IDTBase       = 0x530
	PageTableAddr = 0x8000
	StackPointer  = 0x80000

	// MultibootModuleAlign is the alignment Multiboot modules (the initrd)
	// are placed at.
	MultibootModuleAlign = 0x1000
)

// Protocol identifies which kernel entry convention a loaded image follows.
// Each has its own register/segment contract; everything else (GDT/IDT
// location, page tables) is shared.
type Protocol uint8

const (
	Linux32 Protocol = iota
	Linux64
	PVH
	Multiboot
)

// Is32Bit reports whether the protocol enters the kernel in 32-bit
// protected mode (as opposed to Linux64's long mode).
func (p Protocol) Is32Bit() bool {
	return p == Linux32 || p == PVH || p == Multiboot
}

// multibootBootloaderMagic is MULTIBOOT_BOOTLOADER_MAGIC, the value
// %eax must hold on entry to a Multiboot-compliant kernel.
const multibootBootloaderMagic = 0x2badb002

// Bootable is a fully located kernel image: which protocol it expects, its
// entry point, and the guest-physical address of its boot parameter block
// (boot_params, multiboot_info_t, or hvm_start_info, depending on Protocol).
type Bootable struct {
	Protocol   Protocol
	EntryAddr  uint64
	ParamsAddr uint64
}

// ConfigureMemory writes the GDT, IDT and identity-mapped page tables for
// this protocol into the guest's low memory.
func (b *Bootable) ConfigureMemory(guest *memory.Guest) error {
	if b.Protocol.Is32Bit() {
		if err := writeTable(guest, pvh.CreateGDT(), GDTBase); err != nil {
			return err
		}

		if err := writeTable(guest, pvh.CreateIDT(), IDTBase); err != nil {
			return err
		}

		return buildPageTables32(guest)
	}

	if err := writeTable(guest, pvh.CreateGDT64(), GDTBase); err != nil {
		return err
	}

	if err := writeTable(guest, pvh.CreateIDT64(), IDTBase); err != nil {
		return err
	}

	return buildPageTables64(guest)
}

func writeTable(guest *memory.Guest, table []uint64, addr uint64) error {
	buf := make([]byte, 8*len(table))
	for i, e := range table {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}

	return guest.CopyTo(addr, buf)
}

// buildPageTables32 builds a two-level (PDE/PTE) non-PAE identity map
// covering the whole guest RAM size, one 4KiB page at a time.
//
//	# | Kind |  Size | Memory range
//	--|------|-------|-------------
//	 n | PDE | (4*n)B |  memory size
//	1024 | PTE | 4KiB |        4MiB
func buildPageTables32(guest *memory.Guest) error {
	n := uint32(ceilDiv(uint64(guest.Size()), 0x400000))

	pdeAddr := uint32(PageTableAddr)
	pteAddr := pdeAddr + 0x1000

	for pde := uint32(0); pde < n; pde++ {
		entry := (pteAddr + (pde << 12)) | 0x3 // P | RW
		if err := putU32(guest, uint64(pdeAddr)+uint64(pde)*4, entry); err != nil {
			return err
		}
	}

	for pte := uint32(0); pte < 1024*n; pte++ {
		entry := (pte << 12) | 0x3 // P | RW
		if err := putU32(guest, uint64(pteAddr)+uint64(pte)*4, entry); err != nil {
			return err
		}
	}

	return nil
}

// buildPageTables64 builds a PML4 -> PDPT -> PD identity map of the first
// 4GiB using 2MiB pages, the minimum long-mode table a 64-bit entry
// protocol needs regardless of actual guest RAM size.
//
//	  # | Kind  | Size | Memory range
//	----|-------|------|-------------
//	  1 | PML4E |   8B |         4GiB
//	  4 | PDPTE |  32B |         1GiB
//	512 | PDE   | 4KiB |         2MiB
func buildPageTables64(guest *memory.Guest) error {
	pml4Addr := uint64(PageTableAddr)
	pdpteAddr := pml4Addr + 0x1000
	pdeAddr := pdpteAddr + 0x1000

	if err := putU64(guest, pml4Addr, pdpteAddr|0x3); err != nil { // P | RW
		return err
	}

	for pdpte := uint64(0); pdpte < 4; pdpte++ {
		entry := (pdeAddr + (pdpte << 12)) | 0x3 // P | RW
		if err := putU64(guest, pdpteAddr+pdpte*8, entry); err != nil {
			return err
		}
	}

	for pde := uint64(0); pde < 4*512; pde++ {
		entry := (pde << 21) | 0x83 // P | RW | PS
		if err := putU64(guest, pdeAddr+pde*8, entry); err != nil {
			return err
		}
	}

	return nil
}

func putU32(guest *memory.Guest, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return guest.CopyTo(addr, b[:])
}

func putU64(guest *memory.Guest, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return guest.CopyTo(addr, b[:])
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// ConfigureSregs installs the flat segment descriptors, GDT/IDT pointers
// and the protected-mode or long-mode control-register bits this
// protocol's entry contract requires.
func (b *Bootable) ConfigureSregs(sregs *kvm.Sregs) {
	sregs.DS = pvh.DataSegment()
	sregs.ES = pvh.DataSegment()
	sregs.FS = pvh.DataSegment()
	sregs.GS = pvh.DataSegment()
	sregs.SS = pvh.DataSegment()
	sregs.TR = pvh.TSSSegment()
	sregs.GDT = kvm.Descriptor{Base: GDTBase}
	sregs.IDT = kvm.Descriptor{Base: IDTBase}
	sregs.CR3 = PageTableAddr

	if b.Protocol.Is32Bit() {
		sregs.CS = pvh.CodeSegment32()
		sregs.GDT.Limit = uint16(8*len(pvh.CreateGDT()) - 1)
		sregs.IDT.Limit = uint16(8*len(pvh.CreateIDT()) - 1)
		sregs.CR0 |= 0x1         // PE
		sregs.CR0 &^= 0x80000000 // PG
		sregs.CR4 &^= 0x20       // PAE
		sregs.EFER &^= 0x500     // LME | LMA
	} else {
		sregs.CS = pvh.CodeSegment64()
		sregs.GDT.Limit = uint16(8*len(pvh.CreateGDT64()) - 1)
		sregs.IDT.Limit = uint16(8*len(pvh.CreateIDT64()) - 1)
		sregs.CR0 |= 0x80000001 // PE | PG
		sregs.CR4 |= 0x20       // PAE
		sregs.EFER |= 0x500     // LME | LMA
	}

	if b.Protocol == PVH {
		// cr0: only PE (bit 0) set; cr4: fully clear.
		sregs.CR0 = 1
		sregs.CR4 = 0
	}
}

// ConfigureRegs installs the general-purpose register contract each
// protocol's kernel expects to find set on entry.
func (b *Bootable) ConfigureRegs(regs *kvm.Regs) {
	regs.RFLAGS = 0x2
	regs.RIP = b.EntryAddr
	regs.RSP = StackPointer

	switch b.Protocol {
	case Linux32:
		regs.RSI = b.ParamsAddr
		regs.RBP = 0
		regs.RDI = 0
		regs.RBX = 0
	case Linux64:
		regs.RSI = b.ParamsAddr
	case PVH:
		regs.RBX = b.ParamsAddr
		regs.RFLAGS &^= 1<<8 | 1<<9 | 1<<17 // TF | IF | VM
	case Multiboot:
		regs.RAX = multibootBootloaderMagic
		regs.RBX = b.ParamsAddr
		regs.RFLAGS &^= 1<<9 | 1<<17 // IF | VM
	}
}
