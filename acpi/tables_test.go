package acpi_test

import (
	"testing"

	"github.com/bobuhiro11/microvm/acpi"
	"github.com/bobuhiro11/microvm/memory"
)

func TestWriteTablesSignaturesAndChecksums(t *testing.T) {
	t.Parallel()

	guest, err := memory.New(memory.HighMemoryStart + (1 << 20))
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	const numCPUs = 2

	rsdpAddr, err := acpi.WriteTables(guest, 0xe0000, numCPUs)
	if err != nil {
		t.Fatal(err)
	}

	rsdp := guest.Bytes[rsdpAddr:]

	wantRSDPSig := "RSD PTR "
	if got := string(rsdp[:8]); got != wantRSDPSig {
		t.Fatalf("RSDP signature = %q, want %q", got, wantRSDPSig)
	}

	if sum := checksum(rsdp[:20]); sum != 0 {
		t.Errorf("RSDP checksum over first 20 bytes = %d, want 0", sum)
	}

	if sum := checksum(rsdp[:36]); sum != 0 {
		t.Errorf("RSDP extended checksum over 36 bytes = %d, want 0", sum)
	}

	// The XSDT address is a little-endian uint64 at offset 24 in the RSDP
	// (Signature[8] + Checksum[1] + OEMId[6] + Revision[1] + RSDTAddr[4] + Length[4]).
	xAddr := leU64(rsdp[24:32])
	xsdt := guest.Bytes[xAddr:]

	if got := string(xsdt[:4]); got != "XSDT" {
		t.Fatalf("XSDT signature = %q, want %q", got, "XSDT")
	}

	xsdtLen := le32(xsdt[4:8])
	if sum := checksum(xsdt[:xsdtLen]); sum != 0 {
		t.Errorf("XSDT checksum = %d, want 0", sum)
	}

	madtAddr := leU64(xsdt[36:44])
	madt := guest.Bytes[madtAddr:]

	if got := string(madt[:4]); got != "APIC" {
		t.Fatalf("MADT signature = %q, want %q", got, "APIC")
	}

	madtLen := le32(madt[4:8])
	if sum := checksum(madt[:madtLen]); sum != 0 {
		t.Errorf("MADT checksum = %d, want 0", sum)
	}
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}

	return sum
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}
