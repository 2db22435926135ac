// Package vmm wires a kernel image, an optional initrd and Multiboot
// modules, and a host console together into one running guest: it loads
// the boot image into a machine.Machine, starts one goroutine per vCPU,
// and pumps host stdin into the guest's UART until every vCPU halts or
// the user escapes out.
package vmm

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobuhiro11/microvm/bootproto"
	"github.com/bobuhiro11/microvm/machine"
	"github.com/bobuhiro11/microvm/multiboot"
	"github.com/bobuhiro11/microvm/term"
	"github.com/schollz/progressbar/v3"
)

// Config is everything a boot needs, gathered from the CLI or another
// caller -- this package has no dependency on how it was parsed.
type Config struct {
	Dev     string
	Kernel  string
	Initrd  string
	Modules []string
	Params  string
	NCPUs   int
	MemSize int
}

// VMM is one configured virtual machine, from construction through its
// run loop.
type VMM struct {
	Config

	m *machine.Machine
}

// New returns a VMM for c, not yet backed by any /dev/kvm resources.
func New(c Config) *VMM {
	return &VMM{Config: c}
}

// Init opens /dev/kvm and creates the underlying machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	v.m = m

	return nil
}

// Setup reads the kernel, initrd and any Multiboot modules from disk and
// loads them into guest memory, reporting progress on large files.
func (v *VMM) Setup() error {
	kernel, err := readFileWithProgress(v.Kernel)
	if err != nil {
		return fmt.Errorf("reading kernel: %w", err)
	}

	params := bootproto.Params{Cmdline: v.Params}

	if v.Initrd != "" {
		initrd, err := readFileWithProgress(v.Initrd)
		if err != nil {
			return fmt.Errorf("reading initrd: %w", err)
		}

		params.Initrd = initrd
	}

	for _, path := range v.Modules {
		data, err := readFileWithProgress(path)
		if err != nil {
			return fmt.Errorf("reading module %s: %w", path, err)
		}

		params.Modules = append(params.Modules, multiboot.ModuleImage{
			Path: filepath.Base(path),
			Data: data,
		})
	}

	return v.m.Load(kernel, params)
}

// readFileWithProgress reads path fully into memory, driving a progress
// bar off its size so large initrds/modules don't boot silently.
func readFileWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.DefaultBytes(info.Size(), "loading "+filepath.Base(path))

	buf := make([]byte, 0, info.Size())
	w := &sliceWriter{buf: &buf}

	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return nil, err
	}

	return buf, nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)

	return len(p), nil
}

// Boot starts one goroutine per vCPU, wires host stdin into the guest's
// UART, and blocks until every vCPU stops or the user types the escape
// sequence (Ctrl-A x).
func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		fmt.Printf("Start CPU %d of %d\r\n", cpu, v.NCPUs)

		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			if err := v.m.RunInfiniteLoop(cpu); err != nil {
				log.Printf("vcpu %d: %v", cpu, err)
			}
		}(cpu)
	}

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not a terminal and does not accept input")
		wg.Wait()

		return nil
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	go v.pumpInput(restoreMode)

	fmt.Printf("Waiting for CPUs to exit\r\n")
	wg.Wait()
	fmt.Printf("All cpus done\n\r")

	return nil
}

// pumpInput feeds host stdin into the guest's UART a byte at a time,
// treating a leading Ctrl-A (0x01) as the host escape: a following 'x'
// exits the process, otherwise the escape byte is discarded and the
// next byte is queued normally.
func (v *VMM) pumpInput(restoreMode func()) {
	in := bufio.NewReader(os.Stdin)

	escapePending := false

	for {
		b, err := in.ReadByte()
		if err != nil {
			log.Printf("console input: %v", err)

			return
		}

		if escapePending {
			escapePending = false

			if b == 'x' {
				restoreMode()
				os.Exit(0)
			}
		} else if b == 0x01 {
			escapePending = true

			continue
		}

		if err := v.m.QueueSerialInput(b); err != nil {
			log.Printf("QueueSerialInput: %v", err)
		}
	}
}
