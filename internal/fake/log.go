// Package fake 提供可编排的 Poller 与 Sockets 测试替身，二者共享一份有序调用日志。
package fake

import (
	"fmt"
	"slices"
)

// Call 为一次被记录的调用。
type Call struct {
	Op string // 如 "poller.Register"、"sys.Close"
	FD int
}

func (c Call) String() string { return fmt.Sprintf("%s(%d)", c.Op, c.FD) }

// Log 为 Poller 与 Sockets 共享的有序调用日志。
type Log struct {
	calls []Call
}

func (l *Log) add(op string, fd int) { l.calls = append(l.calls, Call{Op: op, FD: fd}) }

// Calls 返回全部调用的副本。
func (l *Log) Calls() []Call { return slices.Clone(l.calls) }

// For 返回与 fd 相关的调用。
func (l *Log) For(fd int) []Call {
	var out []Call
	for _, c := range l.calls {
		if c.FD == fd {
			out = append(out, c)
		}
	}
	return out
}

// Count 返回 op 作用于 fd 的次数。
func (l *Log) Count(op string, fd int) int {
	n := 0
	for _, c := range l.calls {
		if c.Op == op && c.FD == fd {
			n++
		}
	}
	return n
}

func (l *Log) Reset() { l.calls = nil }
