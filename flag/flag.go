package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultParams is the kernel command line used when -cmdline is not
// given, tuned for an early-boot serial console and a disabled local APIC
// watchdog (virtio/network options from the upstream default are dropped;
// this repo's guest has no virtio devices).
const defaultParams = `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
	`nowatchdog nmi_watchdog=0 lapic tsc_early_khz=2000`

// CLI is the top-level kong command tree: "boot" loads and runs a guest
// kernel, "probe" enumerates the host's KVM capabilities.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a guest kernel."`
	Probe ProbeCMD `cmd:"" help:"Probe host KVM capabilities."`
}

// BootCMD is the "boot" subcommand's flags.
type BootCMD struct {
	Dev     string   `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Kernel  string   `short:"k" name:"kernel" default:"./bzImage" help:"Kernel image path."`
	Initrd  string   `short:"i" name:"initrd" help:"Initrd path."`
	Modules []string `short:"M" name:"module" help:"Multiboot module image path (repeatable)."`
	Params  string   `short:"p" name:"cmdline" default:"${defaultParams}" help:"Kernel command-line parameters."`
	MemSize string   `short:"m" name:"memory" default:"1G" help:"Memory size: number[gGmMkK]."`
	NCPUs   int      `short:"c" name:"cpus" default:"1" help:"Number of VCPUs."`

	Profile string `name:"profile" enum:",cpu,fgprof" default:"" help:"Enable profiling: cpu or fgprof."`
}

// ProbeCMD is the "probe" subcommand; it takes no flags.
type ProbeCMD struct{}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
