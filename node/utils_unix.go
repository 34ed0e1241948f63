//go:build linux
// +build linux

package node

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError reports whether err is EAGAIN/EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// CloseFd closes fd if it is still open.
func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}
