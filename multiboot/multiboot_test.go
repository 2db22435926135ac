package multiboot_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/microvm/memory"
	"github.com/bobuhiro11/microvm/multiboot"
)

func TestWriteInfoModulesAndMemoryMap(t *testing.T) {
	t.Parallel()

	guest, err := memory.New(memory.HighMemoryStart + (1 << 21))
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	modData := []byte("hello initrd")

	infoAddr, err := multiboot.WriteInfo(guest, memory.HighMemoryStart, "", []multiboot.ModuleImage{
		{Path: "initrd", Data: modData},
	})
	if err != nil {
		t.Fatal(err)
	}

	var info multiboot.Info
	if err := binary.Read(bytes.NewReader(guest.Bytes[infoAddr:]), binary.LittleEndian, &info); err != nil {
		t.Fatal(err)
	}

	if info.Flags&multiboot.InfoMods == 0 {
		t.Errorf("Flags = %#x, missing InfoMods", info.Flags)
	}

	if info.Flags&multiboot.InfoMemMap == 0 {
		t.Errorf("Flags = %#x, missing InfoMemMap", info.Flags)
	}

	if info.ModsCount != 1 {
		t.Fatalf("ModsCount = %d, want 1", info.ModsCount)
	}

	var mod multiboot.Module
	if err := binary.Read(bytes.NewReader(guest.Bytes[info.ModsAddr:]), binary.LittleEndian, &mod); err != nil {
		t.Fatal(err)
	}

	if mod.ModEnd-mod.ModStart != uint32(len(modData)) {
		t.Errorf("module size = %d, want %d", mod.ModEnd-mod.ModStart, len(modData))
	}

	if got := string(guest.Bytes[mod.ModStart:mod.ModEnd]); got != string(modData) {
		t.Errorf("module bytes = %q, want %q", got, modData)
	}

	pathEnd := bytes.IndexByte(guest.Bytes[mod.Cmdline:], 0)
	if pathEnd < 0 {
		t.Fatal("module cmdline not NUL-terminated")
	}

	if got := string(guest.Bytes[mod.Cmdline : mod.Cmdline+uint32(pathEnd)]); got != "initrd" {
		t.Errorf("module path = %q, want %q", got, "initrd")
	}

	wantMmapLen := uint32(binary.Size(multiboot.MemoryMapEntry{}))
	if info.MmapLength != wantMmapLen {
		t.Errorf("MmapLength = %d, want %d", info.MmapLength, wantMmapLen)
	}

	var mmap multiboot.MemoryMapEntry
	if err := binary.Read(bytes.NewReader(guest.Bytes[info.MmapAddr:]), binary.LittleEndian, &mmap); err != nil {
		t.Fatal(err)
	}

	if wantSize := wantMmapLen - 4; mmap.Size != wantSize {
		t.Errorf("memmap Size = %d, want %d", mmap.Size, wantSize)
	}

	if mmap.Addr != memory.HighMemoryStart {
		t.Errorf("memmap Addr = %#x, want %#x", mmap.Addr, memory.HighMemoryStart)
	}

	if want := uint64(guest.Size()) - memory.HighMemoryStart; mmap.Len != want {
		t.Errorf("memmap Len = %d, want %d", mmap.Len, want)
	}
}
