//go:build linux

package v4l2m2m

import (
	"syscall"
	"unsafe"
)

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func open(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
}

func close(fd int) error {
	return syscall.Close(fd)
}

// fdsetAdd marks fd in set. The word width of FdSet.Bits differs between
// architectures, so it cannot be hardcoded.
func fdsetAdd(set *syscall.FdSet, fd int) {
	bits := uint(unsafe.Sizeof(set.Bits[0])) * 8
	set.Bits[uint(fd)/bits] |= 1 << (uint(fd) % bits)
}

// waitFd blocks until fd is readable (or writable when write is set), the
// timeout elapses, or select fails. Returns false on timeout.
func waitFd(fd int, write bool, timeoutMs int) (bool, error) {
	var set syscall.FdSet
	fdsetAdd(&set, fd)

	var tv *syscall.Timeval
	if timeoutMs > 0 {
		tv = makeTimeval(timeoutMs)
	}

	var n int
	var err error
	if write {
		n, err = syscall.Select(fd+1, nil, &set, nil, tv)
	} else {
		n, err = syscall.Select(fd+1, &set, nil, nil, tv)
	}
	if err != nil {
		if err == syscall.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}
