package kvm

import "unsafe"

// RunData mirrors struct kvm_run, the per-vcpu region shared between the
// host and KVM across KVM_RUN. Every exit's detail lives in the Data
// union at the tail; IO decodes it for KVM_EXIT_IO.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union: direction (EXITIOIN/EXITIOOUT), the
// access size in bytes, the port number, the repeat count, and the byte
// offset of the data buffer within this RunData.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// Bytes returns the IO data buffer for this RunData at the given byte
// offset, sized for a single access of n bytes.
func (r *RunData) Bytes(offset, n uint64) []byte {
	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
}
