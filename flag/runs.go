package flag

import (
	"log"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/microvm/probe"
	"github.com/bobuhiro11/microvm/vmm"
	"github.com/pkg/profile"
)

func Parse() error {
	c := CLI{}

	programName := "microvm"
	programDesc := "microvm is a small type-2 KVM hypervisor that boots a guest kernel directly"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Vars{"defaultParams": defaultParams},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (*ProbeCMD) Run() error {
	return probe.KVMCapabilities()
}

// startProfile turns on CPU or fgprof profiling for the lifetime of a
// boot, per -profile, writing its output to a new temporary directory
// (pkg/profile's default, whose path it logs at start).
func startProfile(kind string) func() {
	switch kind {
	case "cpu":
		return profile.Start(profile.CPUProfile).Stop
	case "fgprof":
		return profile.Start(profile.FgprofProfile).Stop
	default:
		return func() {}
	}
}

func (s *BootCMD) Run() error {
	stopProfile := startProfile(s.Profile)
	defer stopProfile()

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	v := vmm.New(vmm.Config{
		Dev:     s.Dev,
		Kernel:  s.Kernel,
		Initrd:  s.Initrd,
		Modules: s.Modules,
		Params:  s.Params,
		NCPUs:   s.NCPUs,
		MemSize: memSize,
	})

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}
