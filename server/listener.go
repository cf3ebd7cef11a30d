package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/B33Boy/BYOR/internal/netutil"
)

// Listen 创建监听套接字：socket、SO_REUSEADDR、bind、非阻塞、listen，并注册到 poller。
// 任一步失败都会关闭已创建的描述符。
func (s *Server) Listen() error {
	if s.closed {
		return ErrClosed
	}
	if s.lfd >= 0 {
		return ErrAlreadyListening
	}
	addr, fam, err := netutil.ResolveAddr(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	fd, err := s.sys.Socket(fam)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	fail := func(step string, err error) error {
		_ = s.sys.Close(fd)
		return fmt.Errorf("server: %s %s: %w", step, addr, err)
	}
	if err := s.sys.SetReuseAddr(fd); err != nil {
		return fail("setsockopt", err)
	}
	if err := s.sys.Bind(fd, addr); err != nil {
		return fail("bind", err)
	}
	if err := s.sys.SetNonblock(fd); err != nil {
		return fail("set nonblock", err)
	}
	if err := s.sys.Listen(fd, s.cfg.Backlog); err != nil {
		return fail("listen", err)
	}
	if err := s.pl.Register(fd); err != nil {
		return fail("register", err)
	}
	bound, err := s.sys.LocalAddr(fd)
	if err != nil {
		bound = addr
	}
	s.lfd, s.addr = fd, bound
	s.log.Info("listening", zap.Stringer("addr", bound), zap.Int("fd", fd), zap.Int("backlog", s.cfg.Backlog))
	return nil
}

// acceptAll 接受连接直到 would-block。其他错误结束本轮，水平触发会再次上报监听套接字。
func (s *Server) acceptAll() {
	for {
		fd, err := s.sys.Accept(s.lfd)
		if err != nil {
			if !isWouldBlock(err) {
				s.acceptErrs++
				s.acceptWarn.Do(func() {
					s.log.Warn("accept", zap.Error(err), zap.Int("errors", s.acceptErrs))
					s.acceptErrs = 0
				})
			}
			return
		}
		if len(s.conns) >= s.cfg.MaxConns {
			_ = s.sys.Close(fd)
			s.m.Rejected()
			s.log.Warn("connection rejected", zap.Int("fd", fd), zap.Int("max_conns", s.cfg.MaxConns))
			continue
		}
		if err := s.sys.SetNonblock(fd); err != nil {
			_ = s.sys.Close(fd)
			s.log.Warn("set nonblock", zap.Int("fd", fd), zap.Error(err))
			continue
		}
		if err := s.pl.Register(fd); err != nil {
			_ = s.sys.Close(fd)
			s.log.Warn("register", zap.Int("fd", fd), zap.Error(err))
			continue
		}
		s.conns.put(newConnection(fd, s.cfg.MaxOutbound))
		s.m.Accepted()
		s.log.Debug("accepted", zap.Int("fd", fd), zap.Int("conns", len(s.conns)))
	}
}
