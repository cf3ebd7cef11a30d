// Package poller 封装内核就绪通知（Linux epoll / Darwin kqueue）。
// 所有客户端描述符均为水平触发：仍然就绪的描述符会在每次 Wait 中再次上报。
package poller

import "errors"

// FD 表示文件描述符。
type FD = int

// Interest 为关注的就绪类型集合。
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (in Interest) String() string {
	switch in {
	case InterestRead:
		return "r"
	case InterestWrite:
		return "w"
	case InterestRead | InterestWrite:
		return "rw"
	}
	return "-"
}

// Flags 为一次事件中触发的就绪类型。
type Flags uint8

const (
	EventRead Flags = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Has 报告 f 是否包含 x 中任一位。
func (f Flags) Has(x Flags) bool { return f&x != 0 }

// Event 为 Wait 返回的单个就绪事件。
type Event struct {
	FD    FD
	Flags Flags
}

// DefaultMaxEvents 为单次 Wait 返回事件数的默认上限。
const DefaultMaxEvents = 128

var (
	// ErrNotRegistered 对未注册的描述符调用 Mod
	ErrNotRegistered = errors.New("poller: fd not registered")
	// ErrClosed poller 已关闭
	ErrClosed = errors.New("poller: closed")
	// ErrPlatformNotSupported 当前平台没有可用的就绪通知机制
	ErrPlatformNotSupported = errors.New("poller: platform not supported")
)

// Poller 维护一个以描述符为键的注册集合，并按批返回就绪事件。
// 除 Wake 外，方法只能在事件循环 goroutine 中调用。
type Poller interface {
	// Register 以可读关注开始监视 fd；重复注册为空操作。
	Register(fd FD) error
	// Mod 修改已注册 fd 的关注集合。
	Mod(fd FD, in Interest) error
	// Unregister 停止监视 fd；未注册时为空操作。
	Unregister(fd FD) error
	// Wait 无超时阻塞，直到至少一个描述符就绪或被 Wake 唤醒。
	// 返回的切片归 poller 所有，在下一次 Wait 前有效；被唤醒或被信号中断时可能为空。
	Wait() ([]Event, error)
	// Wake 可在任意 goroutine 调用，使阻塞中的 Wait 返回；Close 之后返回 ErrClosed。
	Wake() error
	Close() error
}

// registry 记录注册集合，为 Register/Unregister 提供幂等语义。
type registry map[FD]Interest

func (r registry) has(fd FD) bool {
	_, ok := r[fd]
	return ok
}
