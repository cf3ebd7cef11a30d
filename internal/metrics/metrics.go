// Package metrics 定义事件循环的 Prometheus 指标。
// Engine 的所有方法对 nil 接收者为空操作。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "byor"
	subsystem = "server"
)

// 连接关闭原因
const (
	ReasonPeerClosed = "peer_closed"
	ReasonReadError  = "read_error"
	ReasonWriteError = "write_error"
	ReasonHangup     = "hangup"
	ReasonProtocol   = "protocol"
	ReasonOverflow   = "outbound_overflow"
	ReasonPoller     = "poller_error"
	ReasonShutdown   = "shutdown"
)

// Engine 汇总事件循环指标。
type Engine struct {
	ConnsActive    prometheus.Gauge
	ConnsAccepted  prometheus.Counter
	ConnsRejected  prometheus.Counter
	ConnsClosed    *prometheus.CounterVec
	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter
	Requests       *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	Wakeups        prometheus.Counter
}

// New 创建指标并注册到 registry；registry 为 nil 时不注册。
func New(registry prometheus.Registerer) *Engine {
	e := &Engine{
		ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Client connections currently registered with the poller",
		}),
		ConnsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted",
		}),
		ConnsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Client connections closed on accept because the table was full",
		}),
		ConnsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Client connections torn down, by reason",
		}, []string{"reason"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_read_total",
			Help:      "Bytes read from client connections",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_written_total",
			Help:      "Bytes written to client connections",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Requests dispatched, by response status",
		}, []string{"status"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Malformed frames received",
		}),
		Wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wakeups_total",
			Help:      "Poller wait calls that returned",
		}),
	}
	if registry != nil {
		registry.MustRegister(
			e.ConnsActive,
			e.ConnsAccepted,
			e.ConnsRejected,
			e.ConnsClosed,
			e.BytesRead,
			e.BytesWritten,
			e.Requests,
			e.ProtocolErrors,
			e.Wakeups,
		)
	}
	return e
}

func (e *Engine) Accepted() {
	if e == nil {
		return
	}
	e.ConnsAccepted.Inc()
	e.ConnsActive.Inc()
}

func (e *Engine) Rejected() {
	if e == nil {
		return
	}
	e.ConnsRejected.Inc()
}

func (e *Engine) Closed(reason string) {
	if e == nil {
		return
	}
	e.ConnsClosed.WithLabelValues(reason).Inc()
	e.ConnsActive.Dec()
}

func (e *Engine) Read(n int) {
	if e == nil || n <= 0 {
		return
	}
	e.BytesRead.Add(float64(n))
}

func (e *Engine) Written(n int) {
	if e == nil || n <= 0 {
		return
	}
	e.BytesWritten.Add(float64(n))
}

func (e *Engine) Request(status string) {
	if e == nil {
		return
	}
	e.Requests.WithLabelValues(status).Inc()
}

func (e *Engine) ProtocolError() {
	if e == nil {
		return
	}
	e.ProtocolErrors.Inc()
}

func (e *Engine) Wakeup() {
	if e == nil {
		return
	}
	e.Wakeups.Inc()
}
