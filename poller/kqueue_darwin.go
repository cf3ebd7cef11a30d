//go:build darwin

package poller

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wfd    int // 写端，用于唤醒
	rfd    int // 读端，注册到 kqueue
	reg    registry
	events []unix.Kevent_t
	out    []Event
	closed atomic.Bool
	// wakeMu 保证 Close 之后不再写入唤醒描述符
	wakeMu sync.Mutex
}

// New 创建 kqueue poller，单次 Wait 最多返回 maxEvents 个事件。
func New(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, fmt.Errorf("kevent add wake pipe: %w", err)
	}
	return &kqueuePoller{
		kq:     kq,
		wfd:    wfd,
		rfd:    rfd,
		reg:    make(registry),
		events: make([]unix.Kevent_t, maxEvents),
		out:    make([]Event, 0, maxEvents),
	}, nil
}

// 无 EV_CLEAR：水平触发
func change(fd FD, filter int16, add bool) unix.Kevent_t {
	flags := uint16(unix.EV_DELETE)
	if add {
		flags = unix.EV_ADD | unix.EV_ENABLE
	}
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func (p *kqueuePoller) Register(fd FD) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.reg.has(fd) {
		return nil
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change(fd, unix.EVFILT_READ, true)}, nil, nil); err != nil {
		return fmt.Errorf("kevent add: %w", err)
	}
	p.reg[fd] = InterestRead
	return nil
}

func (p *kqueuePoller) Mod(fd FD, in Interest) error {
	cur, ok := p.reg[fd]
	if !ok {
		return ErrNotRegistered
	}
	if cur == in {
		return nil
	}
	// 仅对发生变化的过滤器做增删
	var changes []unix.Kevent_t
	if (cur^in)&InterestRead != 0 {
		changes = append(changes, change(fd, unix.EVFILT_READ, in&InterestRead != 0))
	}
	if (cur^in)&InterestWrite != 0 {
		changes = append(changes, change(fd, unix.EVFILT_WRITE, in&InterestWrite != 0))
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("kevent mod: %w", err)
	}
	p.reg[fd] = in
	return nil
}

func (p *kqueuePoller) Unregister(fd FD) error {
	cur, ok := p.reg[fd]
	if !ok {
		return nil
	}
	delete(p.reg, fd)
	var changes []unix.Kevent_t
	if cur&InterestRead != 0 {
		changes = append(changes, change(fd, unix.EVFILT_READ, false))
	}
	if cur&InterestWrite != 0 {
		changes = append(changes, change(fd, unix.EVFILT_WRITE, false))
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("kevent del: %w", err)
	}
	return nil
}

func (p *kqueuePoller) Wait() ([]Event, error) {
	defer runtime.KeepAlive(p)
	if p.closed.Load() {
		return nil, ErrClosed
	}
	n, err := unix.Kevent(p.kq, nil, p.events, nil)
	if err != nil {
		if err == unix.EINTR {
			return p.out[:0], nil
		}
		return nil, fmt.Errorf("kevent wait: %w", err)
	}
	out := p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			p.drainWake()
			continue
		}
		var f Flags
		switch ev.Filter {
		case unix.EVFILT_READ:
			f |= EventRead
		case unix.EVFILT_WRITE:
			f |= EventWrite
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			f |= EventError
		}
		// 读端 EOF 交给 read 返回 0 处理；写端 EOF 意味着对端已完全关闭
		if ev.Flags&unix.EV_EOF != 0 && ev.Filter == unix.EVFILT_WRITE {
			f |= EventHangup
		}
		out = append(out, Event{FD: fd, Flags: f})
	}
	p.out = out
	return out, nil
}

func (p *kqueuePoller) drainWake() {
	var buf [16]byte
	for {
		if _, err := unix.Read(p.rfd, buf[:]); err != nil {
			return
		}
	}
}

func (p *kqueuePoller) Wake() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Write(p.wfd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}
