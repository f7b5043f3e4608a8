//go:build linux

// Package futex wraps the Linux futex syscall for process-shared
// synchronisation words living inside a memory mapped segment.
package futex

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrTimeout = errors.New("futex wait timed out")

// Wait blocks until the word at addr no longer holds val, or until
// timeout expires. A timeout of zero means wait forever.
// Spurious wakeups are possible, callers must re-check their predicate.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	// FUTEX_WAIT without FUTEX_PRIVATE_FLAG, the word is shared
	// between processes mapping the same file
	var errno unix.Errno
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		_, _, errno = unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			uintptr(unix.FUTEX_WAIT),
			uintptr(val),
			uintptr(unsafe.Pointer(&ts)),
			0, 0,
		)
	} else {
		_, _, errno = unix.Syscall6(
			uintptr(unix.SYS_FUTEX),
			uintptr(unsafe.Pointer(addr)),
			uintptr(unix.FUTEX_WAIT),
			uintptr(val),
			0, 0, 0,
		)
	}
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// Value changed before we slept or we got interrupted,
		// both count as a wakeup
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return errno
	}
}

// Wake wakes up to n waiters blocked on addr and returns how many
// were actually woken.
func Wake(addr *uint32, n int) (int, error) {
	woken, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(woken), nil
}

// WakeAll wakes every waiter blocked on addr.
func WakeAll(addr *uint32) (int, error) {
	return Wake(addr, 1<<30)
}
