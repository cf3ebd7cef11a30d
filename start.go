package byor

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/B33Boy/BYOR/internal/metrics"
	"github.com/B33Boy/BYOR/internal/netutil"
	"github.com/B33Boy/BYOR/kv"
	"github.com/B33Boy/BYOR/poller"
	"github.com/B33Boy/BYOR/server"
)

// Options 为 Start 的参数。
type Options struct {
	Server server.Config
	// Logger 为 nil 时不输出日志
	Logger *zap.Logger
	// Registerer 非 nil 时注册事件循环指标
	Registerer prometheus.Registerer
	// Ready 在监听成功后、进入事件循环前以实际地址调用
	Ready func(addr netip.AddrPort)
	// Store 为 nil 时新建
	Store *kv.Store
}

// Start 监听 opts.Server.Address 并在当前 goroutine 运行事件循环，直到 ctx 结束。
// 返回前关闭所有连接、监听套接字与 poller。监听失败时返回包装后的错误。
func Start(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := opts.Server.Validate(); err != nil {
		return err
	}
	pl, err := poller.New(opts.Server.MaxEvents)
	if err != nil {
		return fmt.Errorf("byor: poller: %w", err)
	}
	var m *metrics.Engine
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}
	srv, err := server.New(opts.Server, netutil.NewSockets(), pl, kv.NewDispatcher(opts.Store),
		server.WithLogger(log), server.WithMetrics(m))
	if err != nil {
		pl.Close()
		return err
	}
	defer srv.Close()

	if err := srv.Listen(); err != nil {
		return err
	}
	if opts.Ready != nil {
		opts.Ready(srv.Addr())
	}
	return srv.Serve(ctx)
}
