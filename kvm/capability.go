package kvm

import "fmt"

// Capability is a KVM_CAP_* extension identifier, as returned by
// KVM_CHECK_EXTENSION. Numeric values match the upstream kernel's
// include/uapi/linux/kvm.h enumeration.
type Capability uint

const (
	CapIRQChip          Capability = 0
	CapHLT              Capability = 1
	CapUserMemory       Capability = 3
	CapSetTSSAddr       Capability = 4
	CapEXTCPUID         Capability = 7
	CapMPState          Capability = 14
	CapCoalescedMMIO    Capability = 15
	CapIOMMU            Capability = 18
	CapUserNMI          Capability = 22
	CapSetGuestDebug    Capability = 23
	CapReinjectControl  Capability = 24
	CapIRQRouting       Capability = 25
	CapMCE              Capability = 31
	CapIRQFD            Capability = 32
	CapPIT2             Capability = 33
	CapSetBootCPUID     Capability = 34
	CapPITState2        Capability = 35
	CapIOEventFD        Capability = 36
	CapAdjustClock      Capability = 39
	CapVCPUEvents       Capability = 41
	CapINTRShadow       Capability = 49
	CapDebugRegs        Capability = 50
	CapEnableCap        Capability = 54
	CapXSave            Capability = 55
	CapXCRS             Capability = 56
	CapTSCControl       Capability = 60
	CapONEREG           Capability = 70
	CapKVMClockCtrl     Capability = 76
	CapSignalMSI        Capability = 77
	CapDeviceCtrl       Capability = 89
	CapEXTEmulCPUID     Capability = 95
	CapVMAttributes     Capability = 101
	CapX86SMM           Capability = 117
	CapNRMemSlots       Capability = 10
	CapX86DisableExits  Capability = 146
	CapGETMSRFeatures   Capability = 153
	CapNestedState      Capability = 157
	CapCoalescedPIO     Capability = 126
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter   Capability = 173
	CapX86UserSpaceMSR  Capability = 188
	CapX86MSRFilter     Capability = 189
	CapX86BusLockExit   Capability = 193
	CapSREGS2           Capability = 201
	CapBinaryStatsFD    Capability = 197
	CapXSave2           Capability = 208
	CapSysAttributes    Capability = 198
	CapVMTSCControl     Capability = 214
	CapX86TripleFaultEvent Capability = 218
	CapX86NotifyVMExit  Capability = 219
)

var capNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapHLT:                    "CapHLT",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapEXTCPUID:               "CapEXTCPUID",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapIOMMU:                  "CapIOMMU",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapReinjectControl:        "CapReinjectControl",
	CapIRQRouting:             "CapIRQRouting",
	CapMCE:                    "CapMCE",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapSetBootCPUID:           "CapSetBootCPUID",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapAdjustClock:            "CapAdjustClock",
	CapVCPUEvents:             "CapVCPUEvents",
	CapINTRShadow:             "CapINTRShadow",
	CapDebugRegs:              "CapDebugRegs",
	CapEnableCap:              "CapEnableCap",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapTSCControl:             "CapTSCControl",
	CapONEREG:                 "CapONEREG",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapDeviceCtrl:             "CapDeviceCtrl",
	CapEXTEmulCPUID:           "CapEXTEmulCPUID",
	CapVMAttributes:           "CapVMAttributes",
	CapX86SMM:                 "CapX86SMM",
	CapNRMemSlots:             "CapNRMemSlots",
	CapX86DisableExits:        "CapX86DisableExits",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapNestedState:            "CapNestedState",
	CapCoalescedPIO:           "CapCoalescedPIO",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapPMUEventFilter:         "CapPMUEventFilter",
	CapX86UserSpaceMSR:        "CapX86UserSpaceMSR",
	CapX86MSRFilter:           "CapX86MSRFilter",
	CapX86BusLockExit:         "CapX86BusLockExit",
	CapSREGS2:                 "CapSREGS2",
	CapBinaryStatsFD:          "CapBinaryStatsFD",
	CapXSave2:                 "CapXSave2",
	CapSysAttributes:          "CapSysAttributes",
	CapVMTSCControl:           "CapVMTSCControl",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:        "CapX86NotifyVMExit",
}

func (c Capability) String() string {
	if name, ok := capNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// CheckExtension reports whether the host kernel supports cap, and if so
// what its associated value is (many capabilities are booleans, some -- like
// CapNRMemSlots -- report a count).
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, uintptr(cap))
}

// RequireExtension fails with ErrExtensionNotSupported if the host does not
// support cap.
func RequireExtension(kvmFd uintptr, cap Capability) error {
	ret, err := CheckExtension(kvmFd, cap)
	if err != nil {
		return err
	}

	if ret == 0 {
		return fmt.Errorf("%s: %w", cap, ErrExtensionNotSupported)
	}

	return nil
}
