package kvm

import (
	"golang.org/x/sys/unix"
)

// Linux ioctl request encoding (include/uapi/asm-generic/ioctl.h). KVM uses
// type 'AE' (kvmIOCType) for every request in this package.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	kvmIOCType = 0xAE
)

func ioc(dir, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO encodes a no-argument-data ioctl request.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOW encodes an ioctl request that writes size bytes from userspace into the kernel.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOR encodes an ioctl request that reads size bytes from the kernel into userspace.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOWR encodes an ioctl request that both reads and writes.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// Ioctl issues a raw ioctl, retrying transparently on EINTR and EAGAIN.
// KVM_RUN and friends can return either spuriously when a host signal lands
// mid-syscall; callers should never have to think about that.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return ret, nil
		}

		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}

		return ret, errno
	}
}
