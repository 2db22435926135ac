package probe

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/microvm/kvm"
)

// capabilityChecklist is every x86 KVM capability worth reporting on a
// development host, in the order upstream's own capability test harness
// checks them.
var capabilityChecklist = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapEXTCPUID,
	kvm.CapMPState,
	kvm.CapCoalescedMMIO,
	kvm.CapUserNMI,
	kvm.CapSetGuestDebug,
	kvm.CapReinjectControl,
	kvm.CapIRQRouting,
	kvm.CapMCE,
	kvm.CapIRQFD,
	kvm.CapPIT2,
	kvm.CapSetBootCPUID,
	kvm.CapPITState2,
	kvm.CapIOEventFD,
	kvm.CapAdjustClock,
	kvm.CapVCPUEvents,
	kvm.CapINTRShadow,
	kvm.CapDebugRegs,
	kvm.CapEnableCap,
	kvm.CapXSave,
	kvm.CapXCRS,
	kvm.CapTSCControl,
	kvm.CapONEREG,
	kvm.CapKVMClockCtrl,
	kvm.CapSignalMSI,
	kvm.CapDeviceCtrl,
	kvm.CapEXTEmulCPUID,
	kvm.CapVMAttributes,
	kvm.CapX86SMM,
	kvm.CapX86DisableExits,
	kvm.CapGETMSRFeatures,
	kvm.CapNestedState,
	kvm.CapCoalescedPIO,
	kvm.CapManualDirtyLogProtect2,
	kvm.CapPMUEventFilter,
	kvm.CapX86UserSpaceMSR,
	kvm.CapX86MSRFilter,
	kvm.CapX86BusLockExit,
	kvm.CapSREGS2,
	kvm.CapBinaryStatsFD,
	kvm.CapXSave2,
	kvm.CapSysAttributes,
	kvm.CapVMTSCControl,
	kvm.CapX86TripleFaultEvent,
	kvm.CapX86NotifyVMExit,
}

// KVMCapabilities prints the supported CPUID leaves and a checklist of
// every capability this hypervisor might care about, to confirm the host
// kernel can run it before attempting a boot.
func KVMCapabilities() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	if err := CPUID(); err != nil {
		return err
	}

	for _, cap := range capabilityChecklist {
		res, err := kvm.CheckExtension(kvmfd, cap)
		if err != nil {
			return err
		}

		fmt.Printf("%-30s: %t\n", cap, res != 0)
	}

	return nil
}
