package kvm

import (
	"errors"
	"fmt"
)

var (
	// ErrAPIVersionMismatch is returned when /dev/kvm reports an API
	// version other than the one this package was written against.
	ErrAPIVersionMismatch = errors.New("kvm API version mismatch")

	// ErrExtensionNotSupported is returned by RequireExtension when the
	// host kernel lacks a capability the hypervisor depends on.
	ErrExtensionNotSupported = errors.New("kvm extension not supported")

	// ErrInvalidVCPUMmapSize is returned when KVM_GET_VCPU_MMAP_SIZE
	// reports a size too small to hold a RunData.
	ErrInvalidVCPUMmapSize = errors.New("invalid vcpu mmap size")

	// ErrUnexpectedExitReason is any exit reason this package does not
	// know how to decode further.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")
)

// WantedAPIVersion is the only KVM_GET_API_VERSION result this package
// accepts.
const WantedAPIVersion = 12

// CheckAPIVersion fails with ErrAPIVersionMismatch unless the open /dev/kvm
// handle reports WantedAPIVersion.
func CheckAPIVersion(kvmFd uintptr) error {
	v, err := GetAPIVersion(kvmFd)
	if err != nil {
		return err
	}

	if v != WantedAPIVersion {
		return fmt.Errorf("got %d, want %d: %w", v, WantedAPIVersion, ErrAPIVersionMismatch)
	}

	return nil
}

// ExitType is a virtual machine exit reason (the ExitReason field of
// RunData).
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitTypeNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITS390SIEIC:     "EXITS390SIEIC",
	EXITS390RESET:     "EXITS390RESET",
	EXITDCR:           "EXITDCR",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
}

func (e ExitType) String() string {
	if name, ok := exitTypeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}
