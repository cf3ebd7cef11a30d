package byor

import (
	"errors"

	"github.com/B33Boy/BYOR/poller"
)

var (
	// ErrPlatformNotSupported 当前平台没有 epoll/kqueue
	ErrPlatformNotSupported = poller.ErrPlatformNotSupported

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("byor: invalid argument")
)
