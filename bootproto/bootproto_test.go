package bootproto_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/microvm/bootproto"
	"github.com/bobuhiro11/microvm/memory"
	"github.com/bobuhiro11/microvm/platform"
)

// minimalELF64 builds the smallest image loadELF64 will accept: a header
// plus one PT_LOAD segment copying payload to paddr.
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

func TestLoadVmlinux64(t *testing.T) {
	t.Parallel()

	guest, err := memory.New(2 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	const entry = memory.HighMemoryStart
	image := minimalELF64(t, entry, entry, []byte{0x90, 0x90, 0xf4}) // nop; nop; hlt

	bootable, err := bootproto.Load(guest, image, bootproto.Params{Cmdline: "console=ttyS0"})
	if err != nil {
		t.Fatal(err)
	}

	if bootable.Protocol != platform.Linux64 {
		t.Fatalf("protocol = %v, want Linux64", bootable.Protocol)
	}

	if bootable.EntryAddr != entry {
		t.Fatalf("entry addr = %#x, want %#x", bootable.EntryAddr, entry)
	}

	if bootable.ParamsAddr == 0 {
		t.Fatal("params addr must not be zero")
	}
}

func TestLoadInvalidImage(t *testing.T) {
	t.Parallel()

	guest, err := memory.New(2 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	if _, err := bootproto.Load(guest, []byte("not a kernel"), bootproto.Params{}); err == nil {
		t.Fatal("expected an error for a non-kernel image")
	}
}
