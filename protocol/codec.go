package protocol

import "fmt"

// AppendRequest 将 args 编码为一个请求帧追加到 dst。
func AppendRequest(dst []byte, args ...string) []byte {
	total := 4
	for _, a := range args {
		total += 4 + len(a)
	}
	dst = appendU32(dst, uint32(total))
	dst = appendU32(dst, uint32(len(args)))
	for _, a := range args {
		dst = appendU32(dst, uint32(len(a)))
		dst = append(dst, a...)
	}
	return dst
}

// AppendResponse 将响应帧追加到 dst。
func AppendResponse(dst []byte, st Status, payload []byte) []byte {
	dst = appendU32(dst, uint32(1+len(payload)))
	dst = append(dst, byte(st))
	return append(dst, payload...)
}

// Parser 从缓冲前端逐帧解析，不保留状态。
type Parser struct {
	MaxFrame int
	MaxArgs  int
}

func NewParser() *Parser {
	return &Parser{MaxFrame: DefaultMaxFrame, MaxArgs: DefaultMaxArgs}
}

// Extract 尝试从 buf 前端解析一个请求帧，返回参数和消耗字节数。
// 数据不足返回 ErrIncomplete（buf 可原样保留等待更多数据）；格式错误返回包装的 ErrMalformed。
func (p *Parser) Extract(buf []byte) (args []string, n int, err error) {
	total, ok := readU32(buf, 0)
	if !ok {
		return nil, 0, ErrIncomplete
	}
	// 在等待载荷之前拒绝超长帧
	if uint64(total) > uint64(p.MaxFrame) {
		return nil, 0, fmt.Errorf("%w: frame length %d exceeds %d", ErrMalformed, total, p.MaxFrame)
	}
	end := HeaderSize + int(total)
	if len(buf) < end {
		return nil, 0, ErrIncomplete
	}
	frame := buf[HeaderSize:end]
	nstr, ok := readU32(frame, 0)
	if !ok {
		return nil, 0, fmt.Errorf("%w: frame length %d too short", ErrMalformed, total)
	}
	if uint64(nstr) > uint64(p.MaxArgs) {
		return nil, 0, fmt.Errorf("%w: %d args exceeds %d", ErrMalformed, nstr, p.MaxArgs)
	}
	// 每个参数至少占 4 字节长度前缀
	if uint64(nstr)*4 > uint64(len(frame)-4) {
		return nil, 0, fmt.Errorf("%w: %d args overrun frame", ErrMalformed, nstr)
	}
	args = make([]string, 0, nstr)
	off := 4
	for i := uint32(0); i < nstr; i++ {
		ln, ok := readU32(frame, off)
		if !ok {
			return nil, 0, fmt.Errorf("%w: arg %d length overruns frame", ErrMalformed, i)
		}
		off += 4
		if uint64(ln) > uint64(len(frame)-off) {
			return nil, 0, fmt.Errorf("%w: arg %d overruns frame", ErrMalformed, i)
		}
		args = append(args, string(frame[off:off+int(ln)]))
		off += int(ln)
	}
	// 最后一个参数之后的剩余字节随整帧一起丢弃
	return args, end, nil
}

// ExtractResponse 尝试从 buf 前端解析一个响应帧。Payload 为拷贝。
func (p *Parser) ExtractResponse(buf []byte) (Response, int, error) {
	ln, ok := readU32(buf, 0)
	if !ok {
		return Response{}, 0, ErrIncomplete
	}
	if ln == 0 {
		return Response{}, 0, fmt.Errorf("%w: empty response", ErrMalformed)
	}
	if uint64(ln) > uint64(p.MaxFrame) {
		return Response{}, 0, fmt.Errorf("%w: response length %d exceeds %d", ErrMalformed, ln, p.MaxFrame)
	}
	end := HeaderSize + int(ln)
	if len(buf) < end {
		return Response{}, 0, ErrIncomplete
	}
	resp := Response{Status: Status(buf[HeaderSize])}
	if ln > 1 {
		resp.Payload = append([]byte(nil), buf[HeaderSize+1:end]...)
	}
	return resp, end, nil
}
