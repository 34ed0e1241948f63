//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	levelReadEvents    = unix.EPOLLIN | unix.EPOLLPRI
	oneShotReadEvents  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT
	oneShotWriteEvents = unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT
)

type fdKind uint8

const (
	kindListener fdKind = iota + 1
	kindWake
	kindSession
)

func (k fdKind) String() string {
	switch k {
	case kindListener:
		return "listener"
	case kindWake:
		return "wake"
	case kindSession:
		return "session"
	default:
		return "unknown"
	}
}

// Event is one readiness notification.
type Event struct {
	Fd     int
	Events uint32
}

// Hangup covers EPOLLERR, EPOLLHUP and EPOLLRDHUP. Handlers still attempt
// their read or write so the real error surfaces.
func (e Event) Hangup() bool {
	return e.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
}

// Registry is a wrapper around epoll. It keeps track of every fd registered
// to epoll and of what kind of owner it belongs to.
type Registry struct {
	epollFd  int
	epollSet map[int]fdKind
	events   []unix.EpollEvent
}

// NewRegistry creates the epoll instance. maxEvents bounds one Wait batch.
func NewRegistry(maxEvents int) (*Registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &Registry{
		epollFd:  epfd,
		epollSet: make(map[int]fdKind),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

// AddListener registers fd level-triggered for reads; it stays armed.
func (r *Registry) AddListener(fd int) error {
	return r.addLevel(fd, kindListener)
}

// AddWake registers the wake eventfd level-triggered for reads.
func (r *Registry) AddWake(fd int) error {
	return r.addLevel(fd, kindWake)
}

func (r *Registry) addLevel(fd int, kind fdKind) error {
	if _, ok := r.epollSet[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, levelReadEvents); err != nil {
		return err
	}
	r.epollSet[fd] = kind
	return nil
}

// ArmRead registers or re-arms fd one-shot for read readiness. Once it fires
// it stays silent until armed again or unregistered.
func (r *Registry) ArmRead(fd int) error {
	return r.arm(fd, oneShotReadEvents)
}

// ArmWrite registers or re-arms fd one-shot for write readiness.
func (r *Registry) ArmWrite(fd int) error {
	return r.arm(fd, oneShotWriteEvents)
}

func (r *Registry) arm(fd int, events uint32) error {
	kind, ok := r.epollSet[fd]
	if ok && kind != kindSession {
		return fmt.Errorf("fd %d is registered as %s", fd, kind)
	}

	op := unix.EPOLL_CTL_ADD
	if ok {
		op = unix.EPOLL_CTL_MOD
	}
	if err := r.ctl(op, fd, events); err != nil {
		return err
	}
	r.epollSet[fd] = kindSession
	return nil
}

// Unregister removes fd from epoll. Unknown fds are ignored.
func (r *Registry) Unregister(fd int) error {
	if _, ok := r.epollSet[fd]; !ok {
		return nil
	}
	delete(r.epollSet, fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Registered reports whether fd is in the registration set.
func (r *Registry) Registered(fd int) bool {
	_, ok := r.epollSet[fd]
	return ok
}

func (r *Registry) kind(fd int) (fdKind, bool) {
	k, ok := r.epollSet[fd]
	return k, ok
}

// Len returns the number of registered fds.
func (r *Registry) Len() int {
	return len(r.epollSet)
}

// Wait blocks for at most msec milliseconds (-1 forever) and returns the
// ready events. EINTR yields no events and no error.
func (r *Registry) Wait(msec int) ([]Event, error) {
	n, err := unix.EpollWait(r.epollFd, r.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: int(r.events[i].Fd), Events: r.events[i].Events}
	}
	return out, nil
}

// CloseAndClearAllFDs unregisters and closes every registered fd.
func (r *Registry) CloseAndClearAllFDs() error {
	var errs error
	for fd := range r.epollSet {
		if err := r.Unregister(fd); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete fd %d: %w", fd, err))
		}
		if err := CloseFd(fd); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}
	return errs
}

// Close closes the epoll descriptor itself.
func (r *Registry) Close() error {
	if r.epollFd < 0 {
		return nil
	}
	fd := r.epollFd
	r.epollFd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}

func (r *Registry) ctl(op, fd int, events uint32) error {
	name := "epoll_ctl add"
	if op == unix.EPOLL_CTL_MOD {
		name = "epoll_ctl mod"
	}
	return os.NewSyscallError(name,
		unix.EpollCtl(r.epollFd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}
