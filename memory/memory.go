// Package memory manages the single guest-physical RAM region: its mmap'd
// backing store, a bump allocator for boot data placed above the kernel
// image, and
// bounds-checked copies into guest address space.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrOutOfGuestMemory is returned whenever a write would run past the end
// of the mapped guest RAM. RangeAllocator does not check against the RAM
// size, so an allocation that overruns it surfaces here, at copy time.
var ErrOutOfGuestMemory = errors.New("out of guest memory")

const (
	// Poison is written across high memory before the kernel is loaded so
	// that a CPU that starts executing in the middle of uninitialized RAM
	// vmexits immediately instead of silently running garbage.
	// mov eax, 0xcafebabe; nop; ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	// HighMemoryStart is the guest-physical address at which the kernel
	// image and everything above it (initrd, cmdline, boot structures that
	// live above 1MiB) is placed.
	HighMemoryStart = 0x100000
)

// Guest is the guest's single physical RAM region, backed by one
// anonymous mmap and installed as exactly one KVM user memory slot at
// guest-physical address 0.
type Guest struct {
	Bytes []byte
}

// New mmaps an anonymous, zero-filled region of the given size and poisons
// everything above HighMemoryStart.
func New(size int) (*Guest, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	g := &Guest{Bytes: buf}

	for i := HighMemoryStart; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return g, nil
}

// Close unmaps the guest's RAM.
func (g *Guest) Close() error {
	if g.Bytes == nil {
		return nil
	}

	err := unix.Munmap(g.Bytes)
	g.Bytes = nil

	return err
}

// Size returns the size of the guest's physical RAM in bytes.
func (g *Guest) Size() int { return len(g.Bytes) }

// CopyTo writes b into guest memory starting at addr, failing with
// ErrOutOfGuestMemory rather than wrapping or silently truncating if the
// write would run past the end of RAM.
func (g *Guest) CopyTo(addr uint64, b []byte) error {
	if addr > uint64(len(g.Bytes)) {
		return ErrOutOfGuestMemory
	}

	dst := g.Bytes[addr:]
	if uint64(len(b)) > uint64(len(dst)) {
		return ErrOutOfGuestMemory
	}

	copy(dst, b)

	return nil
}

// RangeAllocator hands out non-overlapping, increasing guest-physical
// ranges for the data placed above the loaded kernel image (command line,
// initrd, Multiboot modules, boot parameter blocks). It never frees: each
// call advances past
// the previous allocation, rounded up to the requested alignment.
type RangeAllocator struct {
	addr uint64
}

// NewRangeAllocator creates an allocator that will hand out its first
// range at or after start.
func NewRangeAllocator(start uint64) *RangeAllocator {
	return &RangeAllocator{addr: start}
}

// Alloc reserves size bytes aligned to align and returns the guest-physical
// address of the start of the reservation.
func (a *RangeAllocator) Alloc(size, align uint64) uint64 {
	if align == 0 {
		align = 1
	}

	addr := nextMultiple(a.addr, align)
	a.addr = addr + size

	return addr
}

func nextMultiple(n, m uint64) uint64 {
	if n%m == 0 {
		return n
	}

	return n + (m - n%m)
}
