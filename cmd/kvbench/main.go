// Command kvbench 对 kvserver 进行闭环压测。
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/B33Boy/BYOR/internal/bench"
)

var version = "dev"

func main() {
	if err := app(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	d := bench.DefaultOptions()
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Value: d.Addr, EnvVars: []string{"BYOR_ADDR"}, Usage: "server address"},
		&cli.IntFlag{Name: "requests", Aliases: []string{"n"}, Value: d.Requests, Usage: "requests per measurement"},
		&cli.IntFlag{Name: "conns", Aliases: []string{"c"}, Value: d.Conns, Usage: "concurrent connections (throughput)"},
		&cli.IntFlag{Name: "value-size", Value: d.ValueSize, Usage: "value size in bytes (first step for latency)"},
		&cli.IntFlag{Name: "steps", Value: d.Steps, Usage: "value sizes measured (latency)"},
		&cli.IntFlag{Name: "growth", Value: d.Growth, Usage: "value size multiplier per step (latency)"},
		&cli.Float64Flag{Name: "rate", Usage: "requests per second, 0 for unlimited"},
		&cli.DurationFlag{Name: "timeout", Value: d.Timeout, Usage: "per-request timeout"},
	}
}

func options(c *cli.Context) bench.Options {
	return bench.Options{
		Addr:      c.String("addr"),
		Requests:  c.Int("requests"),
		Conns:     c.Int("conns"),
		ValueSize: c.Int("value-size"),
		Steps:     c.Int("steps"),
		Growth:    c.Int("growth"),
		Rate:      c.Float64("rate"),
		Timeout:   c.Duration("timeout"),
	}
}

func app(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "kvbench",
		Usage:   "closed-loop benchmark driver for kvserver",
		Version: version,
		Writer:  out,
		Commands: []*cli.Command{
			{
				Name:  "latency",
				Usage: "per-request latency at geometrically growing value sizes",
				Flags: append(flags(),
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write per-request latencies as CSV (.zst for zstd)"}),
				Action: func(c *cli.Context) error {
					steps, err := bench.Latency(c.Context, options(c))
					for _, st := range steps {
						fmt.Fprintf(out, "value_size=%d %v\n", st.ValueSize, st.Stats)
					}
					if err != nil {
						return err
					}
					if path := c.String("out"); path != "" {
						if err := bench.Export(path, steps); err != nil {
							return fmt.Errorf("export %s: %w", path, err)
						}
						fmt.Fprintf(out, "wrote %s\n", path)
					}
					return nil
				},
			},
			{
				Name:  "throughput",
				Usage: "requests per second across concurrent connections",
				Flags: flags(),
				Action: func(c *cli.Context) error {
					res, err := bench.Throughput(c.Context, options(c))
					fmt.Fprintf(out, "requests=%d conns=%d elapsed=%v rps=%.0f\n",
						res.Requests, res.Conns, res.Elapsed, res.RPS())
					return err
				},
			},
		},
	}
}
