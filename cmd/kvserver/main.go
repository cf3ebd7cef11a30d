// Command kvserver 运行单线程事件循环键值服务。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	byor "github.com/B33Boy/BYOR"
	"github.com/B33Boy/BYOR/internal/logging"
)

// 构建信息，由 ldflags 注入
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "kvserver",
		Usage:   "single-loop key-value server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"BYOR_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "listen address (overrides server.address)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides log.level)",
			},
			&cli.StringFlag{
				Name:  "metrics-address",
				Usage: "serve Prometheus metrics on this address (overrides metrics.address)",
			},
		},
		Action: run,
	}
}

// overrides 收集显式设置的 flag，作为最高优先级的配置来源。
func overrides(c *cli.Context) map[string]any {
	m := make(map[string]any)
	for flag, key := range map[string]string{
		"address":         "server.address",
		"log-level":       "log.level",
		"metrics-address": "metrics.address",
	} {
		if c.IsSet(flag) {
			m[key] = c.String(flag)
		}
	}
	return m
}

func run(c *cli.Context) error {
	cfg, err := byor.LoadConfig(c.String("config"), overrides(c))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting kvserver",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", c.String("config")))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var failed error
	g := taskgroup.New(func(err error) {
		if failed == nil {
			failed = err
		}
		stop()
	})
	g.Go(func() error {
		err := byor.Start(ctx, byor.Options{
			Server:     cfg.Server,
			Logger:     log,
			Registerer: reg,
			Ready: func(addr netip.AddrPort) {
				log.Info("ready", zap.Stringer("addr", addr))
			},
		})
		if err != nil {
			log.Error("server", zap.Error(err))
		}
		return err
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return serveMetrics(ctx, log, cfg.Metrics.Address, reg) })
	}
	g.Wait()

	log.Info("kvserver stopped")
	return failed
}

func serveMetrics(ctx context.Context, log *zap.Logger, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics", zap.Error(err))
		return err
	}
	return nil
}
