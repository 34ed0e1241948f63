//go:build linux
// +build linux

package node

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RecordHeaderSize is the fixed size of the readiness header written to the
// notification pipe. It is well below PIPE_BUF so the write is atomic.
const RecordHeaderSize = 16

const (
	statusFailed uint32 = 0
	statusOK     uint32 = 1
)

// CompletionRecord is the outcome of one disk job. Data is owned by whoever
// holds the record; the worker gives it up on Send.
type CompletionRecord struct {
	ClientFd int
	Data     []byte
	OK       bool
	// Err is the worker-side cause of a failed read.
	Err error
}

// Size is the response length.
func (c CompletionRecord) Size() int {
	return len(c.Data)
}

// encodeHeader lays out {client fd int32, status uint32, size uint64}.
func (c CompletionRecord) encodeHeader() [RecordHeaderSize]byte {
	var b [RecordHeaderSize]byte
	status := statusFailed
	if c.OK {
		status = statusOK
	}
	binary.NativeEndian.PutUint32(b[0:4], uint32(int32(c.ClientFd)))
	binary.NativeEndian.PutUint32(b[4:8], status)
	binary.NativeEndian.PutUint64(b[8:16], uint64(len(c.Data)))
	return b
}

type recordHeader struct {
	clientFd int
	ok       bool
	size     uint64
}

func decodeHeader(b []byte) (recordHeader, error) {
	if len(b) != RecordHeaderSize {
		return recordHeader{}, fmt.Errorf("%w: short record: %d of %d bytes", ErrChannel, len(b), RecordHeaderSize)
	}
	status := binary.NativeEndian.Uint32(b[4:8])
	if status != statusOK && status != statusFailed {
		return recordHeader{}, fmt.Errorf("%w: bad status %d", ErrChannel, status)
	}
	return recordHeader{
		clientFd: int(int32(binary.NativeEndian.Uint32(b[0:4]))),
		ok:       status == statusOK,
		size:     binary.NativeEndian.Uint64(b[8:16]),
	}, nil
}

// Notifier carries exactly one CompletionRecord from a worker back to the
// event loop. The record itself travels through a single-slot channel; the
// pipe only makes its arrival visible to epoll.
type Notifier struct {
	readFd  int
	writeFd atomic.Int64
	slot    chan CompletionRecord
}

// NewNotifier creates the pipe. The read end is non-blocking.
func NewNotifier() (*Notifier, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return nil, os.NewSyscallError("setnonblock", err)
	}

	n := &Notifier{
		readFd: p[0],
		slot:   make(chan CompletionRecord, 1),
	}
	n.writeFd.Store(int64(p[1]))
	return n, nil
}

// ReadFd is the descriptor registered with the multiplexer.
func (n *Notifier) ReadFd() int {
	return n.readFd
}

// Send publishes rec and closes the write end. It must be called at most
// once per Notifier.
func (n *Notifier) Send(rec CompletionRecord) error {
	defer n.Abandon()

	n.slot <- rec

	fd := int(n.writeFd.Load())
	if fd < 0 {
		return fmt.Errorf("%w: write end already closed", ErrChannel)
	}
	hdr := rec.encodeHeader()
	w, err := unix.Write(fd, hdr[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannel, os.NewSyscallError("write", err))
	}
	if w != RecordHeaderSize {
		return fmt.Errorf("%w: short write: %d of %d bytes", ErrChannel, w, RecordHeaderSize)
	}
	return nil
}

// Abandon closes the write end without sending. The reader then sees EOF.
func (n *Notifier) Abandon() error {
	fd := n.writeFd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(int(fd)))
}

// Receive reads one header and takes the matching record out of the slot.
// ErrWouldBlock means nothing has arrived yet.
func (n *Notifier) Receive() (CompletionRecord, error) {
	var buf [RecordHeaderSize]byte
	r, err := unix.Read(n.readFd, buf[:])
	if err != nil {
		if IsTemporaryError(err) {
			return CompletionRecord{}, ErrWouldBlock
		}
		return CompletionRecord{}, fmt.Errorf("%w: %v", ErrChannel, os.NewSyscallError("read", err))
	}

	hdr, err := decodeHeader(buf[:r])
	if err != nil {
		return CompletionRecord{}, err
	}

	var rec CompletionRecord
	select {
	case rec = <-n.slot:
	default:
		return CompletionRecord{}, fmt.Errorf("%w: header without record", ErrChannel)
	}

	if rec.ClientFd != hdr.clientFd || rec.OK != hdr.ok || uint64(len(rec.Data)) != hdr.size {
		return CompletionRecord{}, fmt.Errorf("%w: header {fd %d ok %t size %d} does not match record {fd %d ok %t size %d}",
			ErrChannel, hdr.clientFd, hdr.ok, hdr.size, rec.ClientFd, rec.OK, len(rec.Data))
	}
	return rec, nil
}

// CloseRead closes the read end. The caller must have unregistered it.
func (n *Notifier) CloseRead() error {
	if n.readFd < 0 {
		return nil
	}
	fd := n.readFd
	n.readFd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}
