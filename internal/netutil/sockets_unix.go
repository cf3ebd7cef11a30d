//go:build linux || darwin

package netutil

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// unixSockets 直接调用 golang.org/x/sys/unix。
type unixSockets struct{}

// NewSockets 返回基于操作系统的 Sockets 实现。
func NewSockets() Sockets { return unixSockets{} }

func (unixSockets) Socket(fam Family) (int, error) {
	domain := unix.AF_INET
	if fam == IPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

func (unixSockets) SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func (unixSockets) Bind(fd int, addr netip.AddrPort) error {
	var sa unix.Sockaddr
	if addr.Addr().Is4() {
		sa = &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %v: %w", addr, err)
	}
	return nil
}

func (unixSockets) Listen(fd, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (unixSockets) Accept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err == unix.ECONNABORTED {
		// 对端在握手完成后立即断开；结束本轮，水平触发会再次上报监听套接字
		return -1, fmt.Errorf("%w (%v)", ErrWouldBlock, err)
	}
	if err != nil {
		return -1, classify(err)
	}
	unix.CloseOnExec(nfd)
	// 请求/响应模式下关闭 Nagle
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nfd, nil
}

func (unixSockets) GetFlags(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
}

func (s unixSockets) SetNonblock(fd int) error {
	flags, err := s.GetFlags(fd)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFL: %w", err)
	}
	if flags&unix.O_NONBLOCK != 0 {
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("fcntl F_SETFL: %w", err)
	}
	return nil
}

func (unixSockets) Read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (unixSockets) Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (unixSockets) Close(fd int) error { return unix.Close(fd) }

func (unixSockets) LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("netutil: unexpected sockaddr %T", sa)
}

// classify 将瞬时错误统一为 ErrWouldBlock，保留原始 errno。
func classify(err error) error {
	switch err {
	case unix.EAGAIN, unix.EINTR:
		return fmt.Errorf("%w (%v)", ErrWouldBlock, err)
	}
	return err
}
