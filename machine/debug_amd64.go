package machine

import (
	"fmt"

	"github.com/bobuhiro11/microvm/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst disassembles the instruction at a vCPU's current RIP, for logging
// alongside an EXITINTERNALERROR or other diagnostic.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: GetRegs: %w", err)
	}

	pa, err := m.VtoP(cpu, uintptr(r.RIP))
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: translate RIP %#x: %w", r.RIP, err)
	}

	insn := make([]byte, 16)
	if _, err := m.ReadAt(insn, pa); err != nil {
		return nil, nil, "", fmt.Errorf("Inst: reading RIP %#x: %w", r.RIP, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: decoding %#02x: %w", insn, err)
	}

	return &d, r, Asm(&d, r.RIP), nil
}

// Asm renders an instruction decoded at pc in GNU syntax.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
