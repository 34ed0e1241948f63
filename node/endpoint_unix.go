//go:build linux
// +build linux

package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Endpoint is the bound, non-blocking listening socket.
type Endpoint struct {
	Address string
	Port    int
	fd      int
}

// ClientHandle is an accepted, non-blocking client socket.
type ClientHandle struct {
	Fd int
	IP string
}

// Bind resolves address, then creates, binds and listens on a non-blocking
// stream socket. Port 0 picks an ephemeral port, reported in Endpoint.Port.
func Bind(address string, port int) (*Endpoint, error) {
	ip, err := resolve(address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrSetup, address, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		addr := &unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], ip4)
		sa = addr
	} else {
		family = unix.AF_INET6
		addr := &unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		sa = addr
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, os.NewSyscallError("socket", err))
	}

	if err := setupListener(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSetup, os.NewSyscallError("getsockname", err))
	}

	ep := &Endpoint{Address: ip.String(), Port: port, fd: fd}
	switch b := bound.(type) {
	case *unix.SockaddrInet4:
		ep.Port = b.Port
	case *unix.SockaddrInet6:
		ep.Port = b.Port
	}
	return ep, nil
}

func setupListener(fd int, sa unix.Sockaddr) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return os.NewSyscallError("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

func resolve(address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", address)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", address)
	}
	return ips[0], nil
}

// Fd returns the listening descriptor.
func (e *Endpoint) Fd() int {
	return e.fd
}

func (e *Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Accept takes one pending connection. ErrWouldBlock means the backlog is
// empty. A handle that cannot be made non-blocking is closed, never returned.
func (e *Endpoint) Accept() (ClientHandle, error) {
	connFd, sa, err := unix.Accept4(e.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if IsTemporaryError(err) {
			return ClientHandle{}, ErrWouldBlock
		}
		return ClientHandle{}, os.NewSyscallError("accept", err)
	}

	if err := unix.SetNonblock(connFd, true); err != nil {
		_ = unix.Close(connFd)
		return ClientHandle{}, fmt.Errorf("set nonblock error for fd %d: %w", connFd, err)
	}

	var ip string
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip = net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String()
	case *unix.SockaddrInet6:
		ip = net.IP(addr.Addr[:]).String()
	}

	return ClientHandle{Fd: connFd, IP: ip}, nil
}

// Close closes the listening descriptor once.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}
