package protocol

import (
	"encoding/binary"
	"errors"
)

// 帧格式（小端）：
// 请求：[u32 total_len][u32 nstrings]([u32 len][bytes])*，total_len 不含自身 4 字节
// 响应：[u32 len][u8 status][payload]，len = 1 + len(payload)

const (
	// HeaderSize 为长度前缀字节数。
	HeaderSize = 4

	DefaultMaxFrame = 32 << 20
	DefaultMaxArgs  = 200_000
)

var (
	// ErrIncomplete 缓冲中尚无完整帧，等待更多数据
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrMalformed 帧违反格式或超出限制，连接应被关闭
	ErrMalformed = errors.New("protocol: malformed frame")
)

// Status 为响应状态码。
type Status uint8

const (
	StatusOK       Status = 0
	StatusErr      Status = 1
	StatusNotFound Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErr:
		return "ERR"
	case StatusNotFound:
		return "NOT_FOUND"
	}
	return "UNKNOWN"
}

// Response 为一次命令的结果。
type Response struct {
	Status  Status
	Payload []byte
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// readU32 从 b[off:] 读取 u32；越界返回 false。
func readU32(b []byte, off int) (uint32, bool) {
	if off < 0 || len(b)-off < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[off:]), true
}
