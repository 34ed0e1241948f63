//go:build linux
// +build linux

package node

import (
	"bytes"
	"fmt"
	"time"
)

// Phase is where a Session is in its request lifecycle. Phases only move
// forward.
type Phase uint8

const (
	AwaitingRequest Phase = iota
	AwaitingDiskResult
	WritingResponse
	Completed
	Aborted
)

func (p Phase) String() string {
	switch p {
	case AwaitingRequest:
		return "awaiting-request"
	case AwaitingDiskResult:
		return "awaiting-disk-result"
	case WritingResponse:
		return "writing-response"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == Completed || p == Aborted
}

// Session is the per-connection state the dispatcher carries across the
// request read, the disk read and the response write.
type Session struct {
	fd    int
	ip    string
	phase Phase
	// key is the fd the session is registered under, -1 when none.
	key int

	request []byte
	limit   int
	path    string

	notifier *Notifier

	response []byte
	size     int
	written  int
	failed   bool

	acceptedAt  time.Time
	submittedAt time.Time
}

// NewSession starts a session in AwaitingRequest. limit bounds the request
// line including its newline.
func NewSession(h ClientHandle, limit int) *Session {
	return &Session{
		fd:         h.Fd,
		ip:         h.IP,
		key:        -1,
		phase:      AwaitingRequest,
		limit:      limit,
		request:    make([]byte, 0, limit),
		acceptedAt: time.Now(),
	}
}

func (s *Session) Fd() int      { return s.fd }
func (s *Session) IP() string   { return s.ip }
func (s *Session) Phase() Phase { return s.phase }
func (s *Session) Path() string { return s.path }
func (s *Session) Size() int    { return s.size }
func (s *Session) Written() int { return s.written }
func (s *Session) Failed() bool { return s.failed }

// advance moves to next, refusing to go backwards, to repeat a phase, or to
// leave a terminal phase.
func (s *Session) advance(next Phase) error {
	if s.phase.Terminal() || next <= s.phase {
		return fmt.Errorf("session fd %d: illegal transition %s -> %s", s.fd, s.phase, next)
	}
	s.phase = next
	return nil
}

// abort marks the session Aborted from any non-terminal phase.
func (s *Session) abort() {
	if !s.phase.Terminal() {
		s.phase = Aborted
	}
}

// space is the room left in the request buffer.
func (s *Session) space() []byte {
	return s.request[len(s.request):s.limit]
}

// appendRequest records n freshly read bytes and reports whether the request
// line is complete. A full buffer without a newline is ErrRequestTooBig.
func (s *Session) appendRequest(n int) (bool, error) {
	s.request = s.request[:len(s.request)+n]

	i := bytes.LastIndexByte(s.request, '\n')
	if i < 0 {
		if len(s.request) >= s.limit {
			return false, ErrRequestTooBig
		}
		return false, nil
	}

	s.path = parsePath(s.request[:i+1])
	return true, nil
}

// parsePath returns everything before the final newline, without one
// trailing carriage return.
func parsePath(line []byte) string {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line)
}

// diskWait is the time since the disk job was submitted, queueing included.
func (s *Session) diskWait() time.Duration {
	return time.Since(s.submittedAt)
}

// setResult takes ownership of the record's buffer.
func (s *Session) setResult(rec CompletionRecord) {
	s.failed = !rec.OK
	s.response = rec.Data
	s.size = len(rec.Data)
	s.written = 0
}

// pending is the part of the response not yet written.
func (s *Session) pending() []byte {
	return s.response[s.written:]
}

// release drops the response buffer.
func (s *Session) release() {
	s.response = nil
}
