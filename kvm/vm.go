package kvm

const numInterrupts = 0x100

// Request numbers for KVM_* ioctls, taken from the upstream
// include/uapi/linux/kvm.h numbering (the 'nr' byte of each ioctl).
const (
	nrGetAPIVersion       = 0x00
	nrGetMSRIndexList     = 0x02
	nrCheckExtension      = 0x03
	nrGetVCPUMmapSize     = 0x04
	nrGetSupportedCPUID   = 0x05
	nrCreateVM            = 0x01
	nrCreateVCPU          = 0x41
	nrRun                 = 0x80
	nrGetRegs             = 0x81
	nrSetRegs             = 0x82
	nrGetSregs            = 0x83
	nrSetSregs            = 0x84
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0x60
	nrIRQLine             = 0x61
	nrSetCPUID2           = 0x90
	nrCreatePIT2          = 0x77
	nrGetDebugRegs        = 0xa1
	nrSetDebugRegs        = 0xa2
)

// Requests used pre-encoded (callers pass them straight to Ioctl).
var (
	kvmGetAPIVersion   = IIO(nrGetAPIVersion)
	kvmCreateVM        = IIO(nrCreateVM)
	kvmCreateVCPU      = IIO(nrCreateVCPU)
	kvmRun             = IIO(nrRun)
	kvmGetVCPUMMapSize = IIO(nrGetVCPUMmapSize)
	kvmCheckExtension  = IIO(nrCheckExtension)
	kvmCreateIRQChip   = IIO(nrCreateIRQChip)
	kvmIRQLine         = IIOW(nrIRQLine, 8)
	kvmCreatePIT2      = IIOW(nrCreatePIT2, 64)
)

// Requests used as raw request numbers, encoded by the caller (size depends
// on a struct defined in that file).
const (
	kvmGetRegs             = nrGetRegs
	kvmSetRegs             = nrSetRegs
	kvmGetSregs            = nrGetSregs
	kvmSetSregs            = nrSetSregs
	kvmSetUserMemoryRegion = nrSetUserMemoryRegion
	kvmSetTSSAddr          = nrSetTSSAddr
	kvmSetIdentityMapAddr  = nrSetIdentityMapAddr
	kvmSetCPUID2           = nrSetCPUID2
	kvmGetSupportedCPUID   = nrGetSupportedCPUID
	kvmGetMSRIndexList     = nrGetMSRIndexList
	kvmGetDebugRegs        = nrGetDebugRegs
	kvmSetDebugRegs        = nrSetDebugRegs
)

// GetAPIVersion returns the KVM API version; callers must check this is 12
// before relying on anything else in this package.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vcpu id within the VM identified by vmFd and returns
// its file descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// Run executes the guest until the next vmexit; the exit reason and any
// associated data is found in the vcpu's mmap'd RunData region.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// GetVCPUMMapSize returns the size in bytes of the per-vcpu kvm_run mmap
// region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// SetTSSAddr, SetIdentityMapAddr and SetUserMemoryRegion live in memory.go
// next to the UserspaceMemoryRegion type they share an ioctl family with.
