//go:build darwin

package wbcache

import (
	"os"
	"syscall"
	"unsafe"
)

// fdatasync syncs file data to disk
// Darwin doesn't have fdatasync, so we use F_FULLFSYNC which ensures
// data reaches physical disk (not just drive cache)
func fdatasync(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), uintptr(syscall.F_FULLFSYNC), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// isAligned always returns true on Darwin as F_NOCACHE does not
// enforce the same strict memory-alignment rules as Linux O_DIRECT.
func isAligned(block []byte) bool {
	return true
}

// fallocate pre-allocates disk space for a file
// Darwin uses F_PREALLOCATE via fcntl
func fallocate(f *os.File, size int64) error {
	fstore := syscall.Fstore_t{
		Posmode: syscall.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}

	_, _, errno := syscall.Syscall(
		syscall.SYS_FCNTL,
		f.Fd(),
		uintptr(syscall.F_PREALLOCATE),
		uintptr(unsafe.Pointer(&fstore)),
	)
	if errno == 0 {
		return nil
	}

	fstore.Flags = syscall.F_ALLOCATEALL
	_, _, errno = syscall.Syscall(
		syscall.SYS_FCNTL,
		f.Fd(),
		uintptr(syscall.F_PREALLOCATE),
		uintptr(unsafe.Pointer(&fstore)),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
