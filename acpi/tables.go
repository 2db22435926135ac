package acpi

import (
	"github.com/bobuhiro11/microvm/memory"
)

// ioAPICAddr is the guest-physical address of the I/O APIC's MMIO window,
// declared here for the MADT entry though the hypervisor never emulates
// accesses to it.
const ioAPICAddr = 0xfec00000

// WriteTables builds an RSDP, XSDT and MADT (one LocalAPIC entry per VCPU
// plus one IOAPIC entry) and writes them into guest memory starting at
// addr in that order (RSDP, then XSDT, then MADT), returning the address
// of the RSDP.
func WriteTables(guest *memory.Guest, addr uint64, numCPUs int) (uint64, error) {
	madt := MADT{Header: newHeader(SigAPIC, 0, 4, "MICROV", "MADTTBL ")}

	for i := 0; i < numCPUs; i++ {
		madt.AddAPIC(&LocalAPIC{
			Type:        TypeLocalAPIC,
			Length:      8,
			ProcessorID: uint8(i),
			APICId:      uint8(i),
			Flags:       1, // enabled
		})
	}

	madt.AddAPIC(&IOAPIC{
		Type:        TypeIOAPIC,
		Length:      12,
		IOAPICID:    0,
		APICAddress: ioAPICAddr,
		GSIBase:     0,
	})

	madtBytes, err := madt.ToBytes()
	if err != nil {
		return 0, err
	}

	madt.Header.Length = uint32(len(madtBytes))
	if err := madt.Checksum(); err != nil {
		return 0, err
	}

	madtBytes, err = madt.ToBytes()
	if err != nil {
		return 0, err
	}

	xsdt := NewXSDT("MICROV", "XSDTTBL ", "GACT")

	const xsdtSize = 36 + 8 // header + one 8-byte entry (MADT)

	rsdpAddr := addr
	xsdtAddr := rsdpAddr + 36 // sizeof(RSDP)
	madtAddr := xsdtAddr + xsdtSize

	xsdt.AddEntry(madtAddr)
	xsdt.Header.Length = xsdtSize

	if err := xsdt.Checksum(); err != nil {
		return 0, err
	}

	xsdtBytes, err := xsdt.ToBytes()
	if err != nil {
		return 0, err
	}

	rsdp, err := NewRSDP("MICROV", xsdtAddr)
	if err != nil {
		return 0, err
	}

	rsdpBytes, err := rsdp.ToBytes()
	if err != nil {
		return 0, err
	}

	if err := guest.CopyTo(rsdpAddr, rsdpBytes); err != nil {
		return 0, err
	}

	if err := guest.CopyTo(xsdtAddr, xsdtBytes); err != nil {
		return 0, err
	}

	if err := guest.CopyTo(madtAddr, madtBytes); err != nil {
		return 0, err
	}

	return rsdpAddr, nil
}
