package acpi

import (
	"bytes"
	"encoding/binary"
)

// rsdpChecksumLength is the number of leading bytes covered by RSDP's own
// (ACPI 1.0-compatible) checksum, as opposed to the full ACPI 2.0+ extended
// checksum which covers the whole 36-byte structure.
const rsdpChecksumLength = 20

// RSDP is the ACPI Root System Description Pointer, the structure a guest
// finds at a well-known low-memory address and uses to locate the XSDT.
type RSDP struct {
	Signature  [8]byte
	Checksum   uint8
	OEMId      [6]byte
	Revision   uint8
	RSDTAddr   uint32
	Length     uint32
	XSDTAddr   uint64
	ExtChecksum uint8
	_          [3]uint8
}

// NewRSDP builds a revision-2 RSDP pointing at xsdtAddr. Both checksums are
// computed and filled in before returning.
func NewRSDP(oemID string, xsdtAddr uint64) (RSDP, error) {
	r := RSDP{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		Revision:  2,
		XSDTAddr:  xsdtAddr,
		Length:    36,
	}
	copy(r.OEMId[:], oemID)

	if err := r.computeChecksums(); err != nil {
		return RSDP{}, err
	}

	return r, nil
}

func (r *RSDP) computeChecksums() error {
	r.Checksum = 0
	r.ExtChecksum = 0

	data, err := r.ToBytes()
	if err != nil {
		return err
	}

	var short uint8
	for _, b := range data[:rsdpChecksumLength] {
		short += b
	}

	r.Checksum = -short

	data, err = r.ToBytes()
	if err != nil {
		return err
	}

	var full uint8
	for _, b := range data {
		full += b
	}

	r.ExtChecksum = -full

	return nil
}

// ToBytes serializes the RSDP in its on-the-wire little-endian layout.
func (r *RSDP) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
