// Package bench 为闭环压测驱动：延迟分布（值大小几何增长）与吞吐量。
package bench

import (
	"fmt"
	"slices"
	"time"
)

// Stats 为一组延迟样本的摘要。
type Stats struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// Summarize 计算样本摘要，分位数取排序后下标 floor(q*n) 的样本。不修改 samples。
func Summarize(samples []time.Duration) Stats {
	n := len(samples)
	if n == 0 {
		return Stats{}
	}
	s := slices.Clone(samples)
	slices.Sort(s)
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	q := func(p float64) time.Duration { return s[min(int(p*float64(n)), n-1)] }
	return Stats{
		Count: n,
		Min:   s[0],
		Avg:   sum / time.Duration(n),
		P50:   q(0.50),
		P95:   q(0.95),
		P99:   q(0.99),
		Max:   s[n-1],
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (s Stats) String() string {
	return fmt.Sprintf("n=%d min=%.3fms avg=%.3fms p50=%.3fms p95=%.3fms p99=%.3fms max=%.3fms",
		s.Count, ms(s.Min), ms(s.Avg), ms(s.P50), ms(s.P95), ms(s.P99), ms(s.Max))
}
