//go:build linux

package poller

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	reg    registry
	events []unix.EpollEvent
	out    []Event
	closed atomic.Bool
	// wakeMu 保证 Close 之后不再写入唤醒描述符
	wakeMu sync.Mutex
}

// New 创建 epoll poller，单次 Wait 最多返回 maxEvents 个事件。
func New(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	// 唤醒 fd 使用边缘触发，读取在 Wait 内完成
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &epollPoller{
		efd:    efd,
		wfd:    wfd,
		reg:    make(registry),
		events: make([]unix.EpollEvent, maxEvents),
		out:    make([]Event, 0, maxEvents),
	}, nil
}

func epollMask(in Interest) uint32 {
	var flag uint32
	if in&InterestRead != 0 {
		flag |= unix.EPOLLIN
	}
	if in&InterestWrite != 0 {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) Register(fd FD) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.reg.has(fd) {
		return nil
	}
	ev := &unix.EpollEvent{Events: epollMask(InterestRead), Fd: int32(fd)}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	p.reg[fd] = InterestRead
	return nil
}

func (p *epollPoller) Mod(fd FD, in Interest) error {
	cur, ok := p.reg[fd]
	if !ok {
		return ErrNotRegistered
	}
	if cur == in {
		return nil
	}
	ev := &unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	p.reg[fd] = in
	return nil
}

func (p *epollPoller) Unregister(fd FD) error {
	if !p.reg.has(fd) {
		return nil
	}
	delete(p.reg, fd)
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) Wait() ([]Event, error) {
	defer runtime.KeepAlive(p)
	if p.closed.Load() {
		return nil, ErrClosed
	}
	n, err := unix.EpollWait(p.efd, p.events, -1)
	if err != nil {
		if err == unix.EINTR {
			return p.out[:0], nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	out := p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			p.drainWake()
			continue
		}
		var f Flags
		if ev.Events&unix.EPOLLIN != 0 {
			f |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			f |= EventWrite
		}
		if ev.Events&unix.EPOLLERR != 0 {
			f |= EventError
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			f |= EventHangup
		}
		out = append(out, Event{FD: fd, Flags: f})
	}
	p.out = out
	return out, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}
