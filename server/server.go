// Package server 实现单 goroutine、水平触发的事件循环：
// 接受连接、读取并成帧请求、分发命令、在背压下写回响应。
package server

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/B33Boy/BYOR/internal/metrics"
	"github.com/B33Boy/BYOR/internal/netutil"
	"github.com/B33Boy/BYOR/poller"
	"github.com/B33Boy/BYOR/protocol"
)

// Dispatcher 执行一条已解析的命令。实现不得阻塞。
type Dispatcher interface {
	Dispatch(args []string) protocol.Response
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Engine) Option {
	return func(s *Server) { s.m = m }
}

// Server 持有监听套接字、连接表与 poller。除 Stop 外，方法只能在同一个 goroutine 中调用。
type Server struct {
	cfg    Config
	sys    netutil.Sockets
	pl     poller.Poller
	d      Dispatcher
	parser *protocol.Parser
	log    *zap.Logger
	m      *metrics.Engine

	lfd   int
	addr  netip.AddrPort
	conns connTable

	rbuf    []byte
	scratch []byte

	// 持续的 accept 错误（如 EMFILE）每次唤醒都会出现，告警按时间间隔采样
	acceptWarn rate.Sometimes
	acceptErrs int

	stopped atomic.Bool
	closed  bool
}

// New 校验 cfg 并组装事件循环；此时尚未创建任何套接字。
func New(cfg Config, sys netutil.Sockets, pl poller.Poller, d Dispatcher, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		sys:    sys,
		pl:     pl,
		d:      d,
		parser: &protocol.Parser{MaxFrame: cfg.MaxFrame, MaxArgs: cfg.MaxArgs},
		log:    zap.NewNop(),
		lfd:    -1,
		conns:  make(connTable),
		rbuf:   make([]byte, cfg.ReadChunk),

		acceptWarn: rate.Sometimes{First: 1, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr 返回实际绑定的地址；端口 0 在 Listen 后被解析为内核分配的端口。
func (s *Server) Addr() netip.AddrPort { return s.addr }

// NumConns 返回连接表中的连接数。
func (s *Server) NumConns() int { return len(s.conns) }

// Step 执行一次 Wait 并处理返回的整批事件。
func (s *Server) Step() error {
	if s.closed {
		return ErrClosed
	}
	if s.lfd < 0 {
		return ErrNotListening
	}
	events, err := s.pl.Wait()
	if err != nil {
		return fmt.Errorf("server: wait: %w", err)
	}
	s.m.Wakeup()
	for _, ev := range events {
		s.handle(ev)
	}
	return nil
}

// Serve 循环执行 Step，直到 Stop 被调用或 ctx 结束。
func (s *Server) Serve(ctx context.Context) error {
	if s.lfd < 0 {
		return ErrNotListening
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Stop() })
	defer stop()

	s.log.Info("serving", zap.Stringer("addr", s.addr))
	for !s.stopped.Load() {
		if err := s.Step(); err != nil {
			return err
		}
	}
	s.log.Info("stopped", zap.Int("conns", len(s.conns)))
	return nil
}

// Stop 请求事件循环在当前批次处理完后退出，可在任意 goroutine 调用。
func (s *Server) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	return s.pl.Wake()
}

// Close 拆除所有连接并关闭监听套接字与 poller。须在 Serve 返回后调用。
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopped.Store(true)
	for _, fd := range s.conns.fds() {
		s.closeConn(fd, metrics.ReasonShutdown)
	}
	var first error
	if s.lfd >= 0 {
		_ = s.pl.Unregister(s.lfd)
		if err := s.sys.Close(s.lfd); err != nil {
			first = fmt.Errorf("server: close listener: %w", err)
		}
		s.lfd = -1
	}
	if err := s.pl.Close(); err != nil && first == nil {
		first = fmt.Errorf("server: close poller: %w", err)
	}
	return first
}

func (s *Server) handle(ev poller.Event) {
	if ev.FD == s.lfd {
		s.acceptAll()
		return
	}
	c := s.conns.get(ev.FD)
	if c == nil {
		// 表中无此连接：只撤销注册
		if err := s.pl.Unregister(ev.FD); err != nil {
			s.log.Warn("unregister unknown fd", zap.Int("fd", ev.FD), zap.Error(err))
		}
		return
	}
	if ev.Flags.Has(poller.EventError | poller.EventHangup) {
		s.teardown(c, metrics.ReasonHangup)
		return
	}
	switch c.state {
	case stateAwaitingRequest:
		if ev.Flags.Has(poller.EventRead) {
			s.onReadable(c)
		}
	case statePendingOutput:
		if ev.Flags.Has(poller.EventWrite) {
			s.onWritable(c)
		}
	}
}
