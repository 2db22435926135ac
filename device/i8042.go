package device

import "os"

const (
	i8042DataReg        = 0x60
	i8042CommandReg     = 0x64
	i8042CmdSystemReset = 0xfe
)

// I8042 is a stripped-down keyboard controller: it answers no reads and
// acts on exactly one command, a system reset, which Linux's reboot path
// issues by writing 0xfe to the command port.
type I8042 struct{}

// NewI8042 returns a ready I8042.
func NewI8042() *I8042 { return &I8042{} }

func (*I8042) PortRange() PortRange {
	return PortRange{Base: i8042DataReg, Len: i8042CommandReg - i8042DataReg + 1}
}

func (*I8042) In(_ uint16, _ []byte) error { return nil }

func (*I8042) Out(port uint16, data []byte) error {
	if port == i8042CommandReg && len(data) > 0 && data[0] == i8042CmdSystemReset {
		os.Exit(0)
	}

	return nil
}
