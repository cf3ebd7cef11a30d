package ring

import (
	"errors"
)

var ErrTooLarge = errors.New("ring: write too large")

// Buffer 是按需扩容的环形字节缓冲，容量始终为 2 的幂，未读字节数不超过 limit。
// 不做同步，仅在事件循环 goroutine 中使用。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
	limit    int
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New 返回初始容量为 capacity（向上取 2 的幂）的缓冲；limit 为可缓存字节数上限，<=0 表示不限制。
func New(capacity, limit int) *Buffer {
	c := roundPow2(max(capacity, 1))
	return &Buffer{buf: make([]byte, c), mask: c - 1, limit: limit}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Limit 返回可缓存字节数上限。
func (b *Buffer) Limit() int { return b.limit }

func (b *Buffer) grow(need int) {
	c := roundPow2(need)
	nb := make([]byte, c)
	n := b.Len()
	b.copyOut(nb, n)
	b.buf, b.mask = nb, c-1
	b.readPos, b.writePos = 0, n
}

// copyOut 将前 n 个未读字节拷入 dst。
func (b *Buffer) copyOut(dst []byte, n int) {
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(dst, b.buf[start:end])
		return
	}
	l := len(b.buf) - start
	copy(dst[:l], b.buf[start:])
	copy(dst[l:n], b.buf[:end-l])
}

// Write 将数据写入环形缓冲，空间不足时扩容；超出 limit 时不写入并返回 ErrTooLarge。
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 && b.Len()+n > b.limit {
		return 0, ErrTooLarge
	}
	if n > b.Free() {
		b.grow(b.Len() + n)
	}
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p)
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:end-l], p[l:])
	}
	b.writePos += n
	return n, nil
}

// Head 返回从读指针开始的连续可读片段，不拷贝；片段可能短于 Len。
func (b *Buffer) Head() []byte {
	n := b.Len()
	if n == 0 {
		return nil
	}
	start := b.readPos & b.mask
	end := start + n
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[start:end]
}

// Discard 前进读指针。
func (b *Buffer) Discard(n int) int {
	n = min(n, b.Len())
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n
}
