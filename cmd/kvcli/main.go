// Command kvcli 发送一条命令并打印响应。
//
//	kvcli --addr 127.0.0.1:1234 set k v
//	status=OK payload=k set to v
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/B33Boy/BYOR/client"
)

var version = "dev"

func main() {
	if err := app(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "kvcli",
		Usage:     "send one command to a kvserver",
		UsageText: "kvcli [--addr host:port] <get|set|del> [args...]",
		Version:   version,
		Writer:    out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "server address",
				EnvVars: []string{"BYOR_ADDR"},
				Value:   "127.0.0.1:1234",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowAppHelp(c)
			}
			cl, err := client.DialContext(c.Context, c.String("addr"), client.WithTimeout(c.Duration("timeout")))
			if err != nil {
				return fmt.Errorf("dial %s: %w", c.String("addr"), err)
			}
			defer cl.Close()
			resp, err := cl.Do(c.Args().Slice()...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "status=%s payload=%s\n", resp.Status, resp.Payload)
			return err
		},
	}
}
