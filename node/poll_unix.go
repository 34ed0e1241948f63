//go:build linux
// +build linux

package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fzft/go-amted/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

type pipeSignal uint64

const (
	SignalStop pipeSignal = 1
)

// acceptRetryInterval bounds how long the listener stays paused after the
// process ran out of descriptors when no session closes in between.
const acceptRetryInterval = 250 * time.Millisecond

// PollConfig tunes the event loop.
type PollConfig struct {
	MaxEvents      int
	ReadBufferSize int
	MaxBacklog     int
	DrainTimeout   time.Duration
	// AcceptRate is connections per second; 0 disables admission limiting.
	AcceptRate  float64
	AcceptBurst int
}

// DefaultPollConfig returns sensible defaults.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxEvents:      1024,
		ReadBufferSize: 4096,
		MaxBacklog:     4096,
		DrainTimeout:   5 * time.Second,
	}
}

// Poll is the dispatcher: a single goroutine that owns the registry, the
// listener, every Session and the backlog, and drives sessions from event
// to event. Only the disk reads run elsewhere.
type Poll struct {
	*Registry
	config   PollConfig
	endpoint *Endpoint
	pool     *DiskPool
	backlog  *backlog
	limiter  *rate.Limiter
	metrics  *Metrics

	// sessions is keyed by the descriptor the session is registered under:
	// the client fd while reading the request or writing the response, the
	// notifier read fd while the disk read is in flight.
	sessions map[int]*Session

	efdMu sync.Mutex
	efd   int

	draining      bool
	drainDeadline time.Time
	// acceptPausedAt is set while the listener is out of epoll because
	// accept ran out of descriptors.
	acceptPausedAt time.Time
	err           error
	done          chan struct{}
}

// NewPoll builds the registry, the wake eventfd and registers the listener.
// The poll takes ownership of endpoint and pool and closes both on exit.
func NewPoll(endpoint *Endpoint, pool *DiskPool, config PollConfig, metrics *Metrics, done chan struct{}) (*Poll, error) {
	r, err := NewRegistry(config.MaxEvents)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create eventfd", zap.Error(err))
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", ErrSetup, os.NewSyscallError("eventfd", err))
	}

	if err := r.AddWake(efd); err != nil {
		log.Logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		_ = unix.Close(efd)
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	if err := r.AddListener(endpoint.Fd()); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		_ = r.Unregister(efd)
		_ = unix.Close(efd)
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	if config.ReadBufferSize < 2 {
		config.ReadBufferSize = 2
	}

	p := &Poll{
		Registry: r,
		config:   config,
		endpoint: endpoint,
		pool:     pool,
		backlog:  newBacklog(config.MaxBacklog),
		metrics:  metrics,
		sessions: make(map[int]*Session),
		efd:      efd,
		done:     done,
	}
	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}
	return p, nil
}

func (p *Poll) poll() {
	defer close(p.done)

	// handle cleanup if necessary
	defer p.CloseGracefully()

	for {
		msec := -1
		if p.draining {
			if len(p.sessions) == 0 {
				log.Logger.Info("drain complete")
				return
			}
			remaining := time.Until(p.drainDeadline)
			if remaining <= 0 {
				log.Logger.Warn("drain timeout, closing remaining sessions", zap.Int("sessions", len(p.sessions)))
				return
			}
			msec = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		if !p.acceptPausedAt.IsZero() {
			retry := acceptRetryInterval - time.Since(p.acceptPausedAt)
			if retry <= 0 {
				p.resumeAccept()
			} else if r := int((retry + time.Millisecond - 1) / time.Millisecond); msec < 0 || r < msec {
				msec = r
			}
		}

		// the only blocking point of the loop
		events, err := p.Wait(msec)
		if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			p.err = err
			return
		}

		for _, ev := range events {
			if err := p.processEvent(ev); err != nil {
				if errors.Is(err, ErrSignalStopped) {
					p.beginDrain()
					continue
				}
				log.Logger.Error("Failed to process event", zap.Int("fd", ev.Fd), zap.Error(err))
			}
		}

		p.flushBacklog()
	}
}

func (p *Poll) processEvent(ev Event) error {
	kind, ok := p.kind(ev.Fd)
	if !ok {
		// unregistered earlier in this batch
		return nil
	}

	switch kind {
	case kindWake:
		return p.handleSignal()
	case kindListener:
		p.accept()
		return nil
	}

	if ev.Hangup() {
		log.Logger.Debug("epoll hangup event", zap.Int("fd", ev.Fd), zap.Uint32("events", ev.Events))
	}

	s, ok := p.sessions[ev.Fd]
	if !ok {
		_ = p.Unregister(ev.Fd)
		return fmt.Errorf("no session registered for fd %d", ev.Fd)
	}

	switch s.phase {
	case AwaitingRequest:
		p.handleRequest(s)
	case AwaitingDiskResult:
		p.handleCompletion(s)
	case WritingResponse:
		p.handleWrite(s)
	default:
		p.unwatch(s)
		return fmt.Errorf("session fd %d registered in terminal phase %s", s.fd, s.phase)
	}
	return nil
}

// handleSignal drains the wake eventfd.
func (p *Poll) handleSignal() error {
	var buf [8]byte
	if _, err := unix.Read(p.efd, buf[:]); err != nil {
		if IsTemporaryError(err) {
			return nil
		}
		log.Logger.Error("Failed to read from event fd", zap.Error(err))
		return nil
	}
	// eventfd adds up concurrent writes
	if binary.NativeEndian.Uint64(buf[:]) >= uint64(SignalStop) {
		return ErrSignalStopped
	}
	return nil
}

// sendSignal wakes the loop. Safe from any goroutine, and a no-op once the
// eventfd is closed.
func (p *Poll) sendSignal(sig pipeSignal) error {
	p.efdMu.Lock()
	defer p.efdMu.Unlock()

	if p.efd < 0 {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], uint64(sig))
	if _, err := unix.Write(p.efd, buf[:]); err != nil {
		log.Logger.Error("Failed to write to event fd", zap.Error(err))
		return os.NewSyscallError("write", err)
	}
	return nil
}

// accept takes one connection per listener event; the listener is level
// triggered so the rest come on the next wait.
func (p *Poll) accept() {
	h, err := p.endpoint.Accept()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		log.Logger.Error("accept error", zap.Error(err))
		if isResourceExhausted(err) {
			p.pauseAccept()
		}
		return
	}

	if p.limiter != nil && !p.limiter.Allow() {
		p.metrics.connRejected()
		log.Logger.Debug("connection rejected by accept rate limit", zap.Int("fd", h.Fd), zap.String("ip", h.IP))
		_ = unix.Close(h.Fd)
		return
	}

	s := NewSession(h, p.config.ReadBufferSize)
	if err := p.watch(s, h.Fd, false); err != nil {
		log.Logger.Error("register read error", zap.Int("fd", h.Fd), zap.Error(err))
		_ = unix.Close(h.Fd)
		return
	}

	p.metrics.connAccepted()
	log.Logger.Debug("new connection", zap.Int("fd", h.Fd), zap.String("ip", h.IP))
}

// isResourceExhausted reports accept errors that persist while the pending
// connection stays queued, so a level-triggered listener would fire again at once.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

// pauseAccept takes the listener out of epoll until a session closes or
// acceptRetryInterval passes.
func (p *Poll) pauseAccept() {
	if !p.acceptPausedAt.IsZero() {
		return
	}
	if err := p.Unregister(p.endpoint.Fd()); err != nil {
		log.Logger.Warn("Failed to delete listener from epoll", zap.Error(err))
	}
	p.acceptPausedAt = time.Now()
	log.Logger.Warn("out of descriptors, accepting paused", zap.Int("sessions", len(p.sessions)))
}

// resumeAccept puts a paused listener back, unless the loop is draining.
func (p *Poll) resumeAccept() {
	if p.acceptPausedAt.IsZero() {
		return
	}
	p.acceptPausedAt = time.Time{}
	if p.draining || p.endpoint.Fd() < 0 {
		return
	}
	if err := p.AddListener(p.endpoint.Fd()); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		return
	}
	log.Logger.Info("accepting resumed")
}

// handleRequest reads until the request line is complete or the socket is
// drained, then hands the path to the disk pool.
func (p *Poll) handleRequest(s *Session) {
	for {
		n, err := unix.Read(s.fd, s.space())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if IsTemporaryError(err) {
				if err := p.watch(s, s.fd, false); err != nil {
					p.closeSession(s, "register", err)
				}
				return
			}
			p.closeSession(s, "read", os.NewSyscallError("read", err))
			return
		}
		if n == 0 {
			p.closeSession(s, "client_closed", ErrClientClosed)
			return
		}

		complete, err := s.appendRequest(n)
		if err != nil {
			p.closeSession(s, "protocol", err)
			return
		}
		if complete {
			p.startDiskRead(s)
			return
		}
	}
}

// startDiskRead parks the client fd, registers a notifier and submits the
// job. From here on the session is keyed by the notifier.
func (p *Poll) startDiskRead(s *Session) {
	p.unwatch(s)

	n, err := NewNotifier()
	if err != nil {
		p.closeSession(s, "notifier", err)
		return
	}
	s.notifier = n

	if err := s.advance(AwaitingDiskResult); err != nil {
		p.closeSession(s, "state", err)
		return
	}
	if err := p.watch(s, n.ReadFd(), false); err != nil {
		_ = n.Abandon()
		p.closeSession(s, "register", err)
		return
	}

	job := &diskJob{path: s.path, clientFd: s.fd, notifier: n}
	s.submittedAt = time.Now()
	if err := p.admit(job); err != nil {
		// never reached a worker, so the write end is still ours
		_ = n.Abandon()
		log.Logger.Warn("disk job rejected", zap.Int("fd", s.fd), zap.String("path", s.path), zap.Error(err))
		p.closeSession(s, "rejected", err)
		return
	}

	log.Logger.Debug("disk read submitted", zap.Int("fd", s.fd), zap.Int("notify_fd", n.ReadFd()), zap.String("path", s.path))
}

// admit submits job to the pool, queueing it in the backlog while the pool
// queue is full and rejecting it once the backlog is full too.
func (p *Poll) admit(job *diskJob) error {
	if p.backlog.Len() == 0 {
		err := p.pool.Submit(job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPoolFull) {
			return err
		}
	}

	if !p.backlog.push(job) {
		return fmt.Errorf("%w: backlog holds %d jobs", ErrRejected, p.backlog.Len())
	}
	p.metrics.setBacklog(p.backlog.Len())
	return nil
}

func (p *Poll) flushBacklog() {
	if p.backlog.Len() == 0 {
		return
	}
	if _, err := p.backlog.flush(p.pool); err != nil {
		log.Logger.Error("Failed to flush disk backlog", zap.Error(err))
	}
	p.metrics.setBacklog(p.backlog.Len())
}

// handleCompletion consumes the one record of the session's notifier.
func (p *Poll) handleCompletion(s *Session) {
	rec, err := s.notifier.Receive()
	if errors.Is(err, ErrWouldBlock) {
		if err := p.watch(s, s.notifier.ReadFd(), false); err != nil {
			p.closeSession(s, "register", err)
		}
		return
	}

	p.unwatch(s)
	if cerr := s.notifier.CloseRead(); cerr != nil {
		log.Logger.Warn("Failed to close notifier", zap.Int("fd", s.fd), zap.Error(cerr))
	}
	s.notifier = nil

	wait := s.diskWait()
	p.metrics.observeDiskWait(wait)

	if err != nil {
		log.Logger.Error("completion channel error", zap.Int("fd", s.fd), zap.String("path", s.path),
			zap.Duration("disk_wait", wait), zap.Error(err))
		p.closeSession(s, "channel", err)
		return
	}

	s.setResult(rec)
	if !rec.OK {
		log.Logger.Info("disk read failed", zap.Int("fd", s.fd), zap.String("path", s.path),
			zap.Duration("disk_wait", wait), zap.Error(rec.Err))
		p.closeSession(s, "disk", rec.Err)
		return
	}

	if err := s.advance(WritingResponse); err != nil {
		p.closeSession(s, "state", err)
		return
	}
	p.handleWrite(s)
}

// handleWrite writes what the socket takes and waits for write readiness
// for the rest. A hard error ends the session with what was sent so far.
func (p *Poll) handleWrite(s *Session) {
	for s.written < s.size {
		n, err := unix.Write(s.fd, s.pending())
		if n > 0 {
			s.written += n
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if IsTemporaryError(err) {
				if err := p.watch(s, s.fd, true); err != nil {
					p.closeSession(s, "register", err)
				}
				return
			}
			perr := fmt.Errorf("%w: %d of %d bytes: %v", ErrPartialWrite, s.written, s.size, os.NewSyscallError("write", err))
			log.Logger.Warn("partial write", zap.Int("fd", s.fd), zap.String("path", s.path),
				zap.Int("written", s.written), zap.Int("size", s.size), zap.Error(err))
			p.closeSession(s, "partial_write", perr)
			return
		}
	}
	p.closeSession(s, "", nil)
}

// watch registers fd for s (re-arming if already registered) and tracks
// the session under it.
func (p *Poll) watch(s *Session, fd int, write bool) error {
	if s.key >= 0 && s.key != fd {
		p.unwatch(s)
	}

	var err error
	if write {
		err = p.ArmWrite(fd)
	} else {
		err = p.ArmRead(fd)
	}
	if err != nil {
		return err
	}
	p.sessions[fd] = s
	s.key = fd
	return nil
}

// unwatch drops the session's registration, if any.
func (p *Poll) unwatch(s *Session) {
	if s.key < 0 {
		return
	}
	if err := p.Unregister(s.key); err != nil {
		log.Logger.Warn("Failed to unregister fd", zap.Int("fd", s.key), zap.Error(err))
	}
	delete(p.sessions, s.key)
	s.key = -1
}

// closeSession is the single exit of every session. reason is empty for a
// completed response.
func (p *Poll) closeSession(s *Session, reason string, cause error) {
	if s.phase.Terminal() {
		return
	}
	p.unwatch(s)

	if s.notifier != nil {
		if err := s.notifier.CloseRead(); err != nil {
			log.Logger.Warn("Failed to close notifier", zap.Int("fd", s.fd), zap.Error(err))
		}
		s.notifier = nil
	}

	if err := unix.Close(s.fd); err != nil {
		log.Logger.Warn("Failed to close client", zap.Int("fd", s.fd), zap.Error(err))
	}
	s.release()
	p.resumeAccept()

	if reason == "" {
		_ = s.advance(Completed)
		p.metrics.sessionCompleted(s.written)
		log.Logger.Debug("session completed", zap.Int("fd", s.fd), zap.String("path", s.path),
			zap.Int("bytes", s.written), zap.Duration("elapsed", time.Since(s.acceptedAt)))
		return
	}

	s.abort()
	p.metrics.sessionAborted(reason, s.written)
	log.Logger.Debug("session aborted", zap.Int("fd", s.fd), zap.String("reason", reason), zap.Error(cause))
}

// beginDrain stops admitting work: the listener goes away and sessions that
// have not sent a request are closed. Disk reads and writes in flight go on.
func (p *Poll) beginDrain() {
	if p.draining {
		return
	}
	p.draining = true
	p.drainDeadline = time.Now().Add(p.config.DrainTimeout)
	log.Logger.Info("Received stop signal. Draining sessions.")

	if err := p.Unregister(p.endpoint.Fd()); err != nil {
		log.Logger.Debug("Failed to delete listener from epoll", zap.Error(err))
	}
	if err := p.endpoint.Close(); err != nil {
		log.Logger.Debug("Failed to close listener", zap.Error(err))
	}

	for _, s := range p.snapshot() {
		if s.phase == AwaitingRequest {
			p.closeSession(s, "shutdown", nil)
		}
	}
}

func (p *Poll) snapshot() []*Session {
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// CloseGracefully order: sessions, backlog, pool, eventfd, listener,
// leftovers, epoll. Prevents fd leaks on every exit path.
func (p *Poll) CloseGracefully() error {
	var errs error

	for _, s := range p.snapshot() {
		p.closeSession(s, "shutdown", nil)
	}

	p.backlog.drain(func(job *diskJob) {
		errs = multierr.Append(errs, job.notifier.Abandon())
	})
	p.metrics.setBacklog(0)

	if err := p.pool.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	p.efdMu.Lock()
	if err := p.Unregister(p.efd); err != nil {
		log.Logger.Debug("Failed to delete eventfd from epoll", zap.Error(err))
	}
	if err := CloseFd(p.efd); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close eventfd: %w", err))
	}
	p.efd = -1
	p.efdMu.Unlock()

	if p.endpoint.Fd() >= 0 {
		if err := p.Unregister(p.endpoint.Fd()); err != nil {
			log.Logger.Debug("Failed to delete listener from epoll", zap.Error(err))
		}
		errs = multierr.Append(errs, p.endpoint.Close())
	}

	errs = multierr.Append(errs, p.CloseAndClearAllFDs())
	errs = multierr.Append(errs, p.Registry.Close())

	if errs != nil {
		log.Logger.Info("Failed to close poll cleanly", zap.Error(errs))
	}
	return errs
}

// SessionCount is the number of sessions the loop currently tracks.
func (p *Poll) SessionCount() int {
	return len(p.sessions)
}
