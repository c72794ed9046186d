package wbcache

import (
	"errors"
	"net"
	"syscall"
)

// IsTransientIOError returns true if the error is likely temporary and
// the operation might succeed if retried. This is used to distinguish
// between "data is gone" and "the system is busy."
func IsTransientIOError(err error) bool {
	if err == nil {
		return false
	}

	// 1. Check for specific transient syscall errors
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EINTR, // Interrupted system call
			syscall.EAGAIN, // Try again
			syscall.EBUSY,  // Device or resource busy
			syscall.EMFILE, // Too many open files (process limit)
			syscall.ENFILE, // Too many open files (system limit)
			syscall.ENOMEM: // Out of memory
			return true
		}
	}

	// 2. Check for network timeouts (if using network-attached storage)
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
