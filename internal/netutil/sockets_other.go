//go:build !linux && !darwin

package netutil

import (
	"errors"
	"net/netip"
)

// NewSockets 在不支持的平台上返回的实现对每个调用都返回 errors.ErrUnsupported。
func NewSockets() Sockets { return unsupported{} }

type unsupported struct{}

func (unsupported) Socket(Family) (int, error)     { return -1, errors.ErrUnsupported }
func (unsupported) SetReuseAddr(int) error         { return errors.ErrUnsupported }
func (unsupported) Bind(int, netip.AddrPort) error { return errors.ErrUnsupported }
func (unsupported) Listen(int, int) error          { return errors.ErrUnsupported }
func (unsupported) Accept(int) (int, error)        { return -1, errors.ErrUnsupported }
func (unsupported) GetFlags(int) (int, error)      { return 0, errors.ErrUnsupported }
func (unsupported) SetNonblock(int) error          { return errors.ErrUnsupported }
func (unsupported) Read(int, []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (unsupported) Write(int, []byte) (int, error) { return 0, errors.ErrUnsupported }
func (unsupported) Close(int) error                { return errors.ErrUnsupported }
func (unsupported) LocalAddr(int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.ErrUnsupported
}
