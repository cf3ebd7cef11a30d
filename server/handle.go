package server

import (
	"errors"

	"go.uber.org/zap"

	"github.com/B33Boy/BYOR/internal/metrics"
	"github.com/B33Boy/BYOR/internal/netutil"
	"github.com/B33Boy/BYOR/internal/ring"
	"github.com/B33Boy/BYOR/poller"
	"github.com/B33Boy/BYOR/protocol"
)

func isWouldBlock(err error) bool { return errors.Is(err, netutil.ErrWouldBlock) }

// onReadable 读取一次，分发其中所有完整帧，然后尝试立即写回。
func (s *Server) onReadable(c *connection) {
	n, err := s.sys.Read(c.fd, s.rbuf)
	switch {
	case err != nil && isWouldBlock(err):
		return
	case err != nil:
		s.log.Debug("read", zap.Int("fd", c.fd), zap.Error(err))
		s.teardown(c, metrics.ReasonReadError)
		return
	case n == 0:
		c.state = stateClosing
		s.teardown(c, metrics.ReasonPeerClosed)
		return
	}
	s.m.Read(n)
	c.in = append(c.in, s.rbuf[:n]...)

	consumed := 0
	for {
		args, k, err := s.parser.Extract(c.in[consumed:])
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}
		if err != nil {
			s.m.ProtocolError()
			s.log.Warn("protocol violation", zap.Int("fd", c.fd), zap.Error(err))
			s.teardown(c, metrics.ReasonProtocol)
			return
		}
		consumed += k
		resp := s.d.Dispatch(args)
		s.m.Request(resp.Status.String())
		if !s.enqueue(c, resp) {
			return
		}
	}
	c.consume(consumed, s.cfg.ReadChunk)

	if c.out.Len() == 0 {
		return
	}
	if !s.flush(c) {
		return
	}
	if c.out.Len() > 0 {
		s.setInterest(c, poller.InterestWrite, statePendingOutput)
	}
}

// onWritable 写出一次；全部写完后恢复为关注可读。
func (s *Server) onWritable(c *connection) {
	if !s.flush(c) {
		return
	}
	if c.out.Len() == 0 {
		s.setInterest(c, poller.InterestRead, stateAwaitingRequest)
	}
}

// enqueue 编码响应并追加到 out；超出出站上限时拆除连接并返回 false。
func (s *Server) enqueue(c *connection, resp protocol.Response) bool {
	s.scratch = protocol.AppendResponse(s.scratch[:0], resp.Status, resp.Payload)
	if _, err := c.out.Write(s.scratch); err != nil {
		if errors.Is(err, ring.ErrTooLarge) {
			s.log.Warn("outbound limit exceeded", zap.Int("fd", c.fd),
				zap.Int("pending", c.out.Len()), zap.Int("max_outbound", c.out.Limit()))
		}
		s.teardown(c, metrics.ReasonOverflow)
		return false
	}
	return true
}

// flush 对 out 的连续头部执行一次写。连接被拆除时返回 false。
func (s *Server) flush(c *connection) bool {
	n, err := s.sys.Write(c.fd, c.out.Head())
	if err != nil {
		if isWouldBlock(err) {
			return true
		}
		s.log.Debug("write", zap.Int("fd", c.fd), zap.Error(err))
		s.teardown(c, metrics.ReasonWriteError)
		return false
	}
	s.m.Written(n)
	c.out.Discard(n)
	c.releaseOut()
	return true
}

func (s *Server) setInterest(c *connection, in poller.Interest, st connState) {
	if err := s.pl.Mod(c.fd, in); err != nil {
		s.log.Warn("poller mod", zap.Int("fd", c.fd), zap.Stringer("interest", in), zap.Error(err))
		s.teardown(c, metrics.ReasonPoller)
		return
	}
	c.state = st
}

// teardown 依次撤销注册、关闭描述符、从表中删除。对已拆除的连接为空操作。
func (s *Server) teardown(c *connection, reason string) {
	if s.conns.get(c.fd) != c {
		return
	}
	c.state = stateClosing
	if err := s.pl.Unregister(c.fd); err != nil {
		s.log.Warn("unregister", zap.Int("fd", c.fd), zap.Error(err))
	}
	if err := s.sys.Close(c.fd); err != nil {
		s.log.Warn("close", zap.Int("fd", c.fd), zap.Error(err))
	}
	s.conns.del(c.fd)
	s.m.Closed(reason)
	s.log.Debug("closed", zap.Int("fd", c.fd), zap.String("reason", reason), zap.Int("conns", len(s.conns)))
}

// closeConn 按描述符拆除连接；表中无此描述符时为空操作。
func (s *Server) closeConn(fd int, reason string) {
	if c := s.conns.get(fd); c != nil {
		s.teardown(c, reason)
	}
}
