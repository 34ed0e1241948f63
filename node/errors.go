//go:build linux
// +build linux

package node

import "errors"

var (
	ErrSignalStopped = errors.New("signal stopped")

	// ErrSetup wraps every resource acquisition failure at startup.
	ErrSetup = errors.New("setup error")

	ErrWouldBlock    = errors.New("operation would block")
	ErrClientClosed  = errors.New("client closed connection")
	ErrRequestTooBig = errors.New("request exceeds read buffer without newline")

	ErrDiskOpen = errors.New("disk open error")
	ErrDiskRead = errors.New("disk read error")
	ErrAlloc    = errors.New("file too large to buffer")

	// ErrChannel reports a malformed, short or missing completion record.
	ErrChannel = errors.New("completion channel error")

	ErrPartialWrite = errors.New("partial write")

	ErrPoolFull   = errors.New("disk pool queue full")
	ErrPoolClosed = errors.New("disk pool closed")
	ErrRejected   = errors.New("admission rejected")
)
