// Package netutil 提供套接字系统调用的可替换边界。
// 事件循环只依赖 Sockets 接口，测试中以脚本化的假实现驱动。
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrWouldBlock 表示非阻塞调用暂时无法完成（EAGAIN/EWOULDBLOCK/EINTR）。
// 这不是错误，只是“稍后再试”。
var ErrWouldBlock = errors.New("netutil: operation would block")

// Family 为地址族。
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Sockets 是事件循环所需的全部系统调用能力。
// 实现不得阻塞：Accept/Read/Write 在无可用数据时返回 ErrWouldBlock。
type Sockets interface {
	Socket(fam Family) (int, error)
	SetReuseAddr(fd int) error
	Bind(fd int, addr netip.AddrPort) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, error)
	GetFlags(fd int) (int, error)
	SetNonblock(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
	LocalAddr(fd int) (netip.AddrPort, error)
}

// ResolveAddr 将 ":1234"、"127.0.0.1:0"、"[::1]:80" 形式的地址解析为 AddrPort。
// 主机为空时绑定 IPv4 通配地址。
func ResolveAddr(address string) (netip.AddrPort, Family, error) {
	network := "tcp4"
	if strings.HasPrefix(address, "[") {
		network = "tcp6"
	}
	ta, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return netip.AddrPort{}, IPv4, fmt.Errorf("netutil: resolve %q: %w", address, err)
	}
	ap := ta.AddrPort()
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), IPv4, nil
	}
	return ap, IPv6, nil
}
