package server

import (
	"github.com/B33Boy/BYOR/internal/ring"
)

// connState 为连接的互斥状态。
type connState uint8

const (
	stateAwaitingRequest connState = iota // 关注可读
	statePendingOutput                    // 有未写出的响应，仅关注可写
	stateClosing                          // 等待拆除
)

func (s connState) String() string {
	switch s {
	case stateAwaitingRequest:
		return "awaiting_request"
	case statePendingOutput:
		return "pending_output"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	outInitialCap = 4 << 10
	// 写空后容量超过此值的出站缓冲被换回初始大小
	outShrinkCap = 16 * outInitialCap
)

type connection struct {
	fd    int
	state connState
	// 已读未成帧的字节，跨唤醒保留
	in []byte
	// 已编码未写出的响应
	out *ring.Buffer
}

func newConnection(fd, maxOutbound int) *connection {
	return &connection{
		fd:    fd,
		state: stateAwaitingRequest,
		out:   ring.New(min(outInitialCap, maxOutbound), maxOutbound),
	}
}

// consume 从 in 前端移除 n 字节。
func (c *connection) consume(n, keepCap int) {
	if n == 0 {
		return
	}
	rest := copy(c.in, c.in[n:])
	c.in = c.in[:rest]
	// 空闲时释放过大的缓冲
	if rest == 0 && cap(c.in) > keepCap {
		c.in = nil
	}
}

// releaseOut 在 out 写空且容量超过 outShrinkCap 时释放它。
func (c *connection) releaseOut() {
	if c.out.Len() == 0 && c.out.Cap() > outShrinkCap {
		limit := c.out.Limit()
		c.out = ring.New(min(outInitialCap, limit), limit)
	}
}

// connTable 以描述符为键；一个连接在表中当且仅当它已在 poller 注册。
type connTable map[int]*connection

func (t connTable) get(fd int) *connection { return t[fd] }

func (t connTable) put(c *connection) { t[c.fd] = c }

func (t connTable) del(fd int) { delete(t, fd) }

func (t connTable) fds() []int {
	fds := make([]int, 0, len(t))
	for fd := range t {
		fds = append(fds, fd)
	}
	return fds
}
