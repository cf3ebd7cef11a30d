package bench

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/time/rate"

	"github.com/B33Boy/BYOR/client"
	"github.com/B33Boy/BYOR/protocol"
)

var ErrBadOptions = errors.New("bench: invalid options")

type Options struct {
	Addr      string
	Requests  int     // 每个测量点（latency）或总计（throughput）的请求数
	Conns     int     // throughput 并发连接数
	ValueSize int     // 起始值大小（字节）
	Steps     int     // latency 测量点数，值大小每步乘以 Growth
	Growth    int     // 值大小增长倍数
	Rate      float64 // 每秒请求上限，<=0 不限速
	Timeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Addr:      "127.0.0.1:1234",
		Requests:  1000,
		Conns:     1,
		ValueSize: 32,
		Steps:     5,
		Growth:    8,
		Timeout:   10 * time.Second,
	}
}

func (o Options) validate() error {
	if o.Requests <= 0 || o.Conns <= 0 || o.ValueSize < 0 || o.Steps <= 0 || o.Growth <= 0 {
		return fmt.Errorf("%w: %+v", ErrBadOptions, o)
	}
	return nil
}

func (o Options) limiter() *rate.Limiter {
	if o.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.Rate), 1)
}

func (o Options) dial(ctx context.Context) (*client.Client, error) {
	return client.DialContext(ctx, o.Addr, client.WithTimeout(o.Timeout))
}

// StepResult 为一个值大小下的全部样本。
type StepResult struct {
	ValueSize int
	Samples   []time.Duration
	Stats     Stats
}

// do 发送一条 set 并校验响应。
func do(c *client.Client, k, v string) error {
	resp, err := c.Do("set", k, v)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("bench: set %s: status %v", k, resp.Status)
	}
	return nil
}

// Latency 在单个连接上，对每个值大小串行发送 Requests 条 set，逐条计时。
func Latency(ctx context.Context, o Options) ([]StepResult, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	c, err := o.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("bench: dial: %w", err)
	}
	defer c.Close()
	lim := o.limiter()

	var out []StepResult
	size := o.ValueSize
	for step := 0; step < o.Steps; step++ {
		k := "latency/" + strconv.Itoa(size)
		v := strings.Repeat("*", size)
		samples := make([]time.Duration, o.Requests)
		for i := range samples {
			if err := lim.Wait(ctx); err != nil {
				return out, err
			}
			start := time.Now()
			if err := do(c, k, v); err != nil {
				return out, err
			}
			samples[i] = time.Since(start)
		}
		out = append(out, StepResult{ValueSize: size, Samples: samples, Stats: Summarize(samples)})
		size *= o.Growth
	}
	return out, nil
}

// ThroughputResult 为吞吐测试结果。
type ThroughputResult struct {
	Requests int
	Conns    int
	Elapsed  time.Duration
}

func (r ThroughputResult) RPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// Throughput 在 Conns 个连接上并发发送共 Requests 条 set，共享一个限速器。
func Throughput(ctx context.Context, o Options) (ThroughputResult, error) {
	if err := o.validate(); err != nil {
		return ThroughputResult{}, err
	}
	lim := o.limiter()
	v := strings.Repeat("*", o.ValueSize)
	var next, done atomic.Int64

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var first error
	var once atomic.Bool
	g := taskgroup.New(func(err error) {
		if once.CompareAndSwap(false, true) {
			first = err
			cancel()
		}
	})
	start := time.Now()
	for w := 0; w < o.Conns; w++ {
		g.Go(func() error {
			c, err := o.dial(ctx)
			if err != nil {
				return fmt.Errorf("bench: dial: %w", err)
			}
			defer c.Close()
			k := "throughput/" + strconv.Itoa(w)
			for next.Add(1) <= int64(o.Requests) {
				if err := lim.Wait(ctx); err != nil {
					return err
				}
				if err := do(c, k, v); err != nil {
					return err
				}
				done.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	res := ThroughputResult{Requests: int(done.Load()), Conns: o.Conns, Elapsed: time.Since(start)}
	return res, first
}
