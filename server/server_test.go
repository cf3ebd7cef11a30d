package server

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/B33Boy/BYOR/internal/fake"
	"github.com/B33Boy/BYOR/internal/metrics"
	"github.com/B33Boy/BYOR/kv"
	"github.com/B33Boy/BYOR/poller"
	"github.com/B33Boy/BYOR/protocol"
)

const lfd = 3 // fake.Sockets 分配的第一个描述符

type harness struct {
	t   *testing.T
	log *fake.Log
	sys *fake.Sockets
	pl  *fake.Poller
	m   *metrics.Engine
	srv *Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{t: t, log: new(fake.Log)}
	h.sys = fake.NewSockets(h.log)
	h.pl = fake.NewPoller(h.log)
	h.m = metrics.New(prometheus.NewRegistry())
	srv, err := New(cfg, h.sys, h.pl, kv.NewDispatcher(nil), WithMetrics(h.m))
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: unexpected error: %v", err)
	}
	h.srv = srv
	h.log.Reset()
	return h
}

func (h *harness) step(events ...poller.Event) {
	h.t.Helper()
	h.pl.Push(events...)
	if err := h.srv.Step(); err != nil {
		h.t.Fatalf("Step: unexpected error: %v", err)
	}
}

func (h *harness) accept(fds ...int) {
	h.t.Helper()
	for _, fd := range fds {
		h.sys.QueueAccept(fd)
	}
	h.step(poller.Event{FD: lfd, Flags: poller.EventRead})
}

func (h *harness) conn(fd int) *connection {
	h.t.Helper()
	c := h.srv.conns.get(fd)
	if c == nil {
		h.t.Fatalf("fd %d not in connection table", fd)
	}
	return c
}

func (h *harness) closedCount(reason string) float64 {
	return testutil.ToFloat64(h.m.ConnsClosed.WithLabelValues(reason))
}

func readable(fd int) poller.Event { return poller.Event{FD: fd, Flags: poller.EventRead} }
func writable(fd int) poller.Event { return poller.Event{FD: fd, Flags: poller.EventWrite} }

func request(args ...string) []byte { return protocol.AppendRequest(nil, args...) }

func response(st protocol.Status, payload string) []byte {
	return protocol.AppendResponse(nil, st, []byte(payload))
}

func TestListen(t *testing.T) {
	log := new(fake.Log)
	sys := fake.NewSockets(log)
	pl := fake.NewPoller(log)
	srv, err := New(DefaultConfig(), sys, pl, kv.NewDispatcher(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Step(); !errors.Is(err, ErrNotListening) {
		t.Errorf("Step before Listen: got %v, want ErrNotListening", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	want := []fake.Call{
		{Op: "sys.Socket", FD: lfd},
		{Op: "sys.SetReuseAddr", FD: lfd},
		{Op: "sys.Bind", FD: lfd},
		{Op: "sys.SetNonblock", FD: lfd},
		{Op: "sys.Listen", FD: lfd},
		{Op: "poller.Register", FD: lfd},
	}
	if diff := cmp.Diff(want, log.Calls()); diff != "" {
		t.Errorf("listen calls (-want +got):\n%s", diff)
	}
	if got := srv.Addr().Port(); got != 1234 {
		t.Errorf("Addr port: got %d, want 1234", got)
	}
	if got := sys.Backlog(); got != 128 {
		t.Errorf("backlog: got %d, want 128", got)
	}
	if err := srv.Listen(); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Listen: got %v, want ErrAlreadyListening", err)
	}
}

func TestListenFailureClosesSocket(t *testing.T) {
	sys := fake.NewSockets(nil)
	sys.BindErr = fake.ErrIO
	srv, err := New(DefaultConfig(), sys, fake.NewPoller(nil), kv.NewDispatcher(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Listen(); !errors.Is(err, fake.ErrIO) {
		t.Fatalf("Listen: got %v, want %v", err, fake.ErrIO)
	}
	if got := sys.Closed(lfd); got != 1 {
		t.Errorf("listener closed %d times, want 1", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadChunk = 0
	if _, err := New(cfg, fake.NewSockets(nil), fake.NewPoller(nil), kv.NewDispatcher(nil)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New: got %v, want ErrInvalidConfig", err)
	}
}

func TestAcceptUntilWouldBlock(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10, 11)

	if got := h.srv.NumConns(); got != 2 {
		t.Fatalf("NumConns: got %d, want 2", got)
	}
	for _, fd := range []int{10, 11} {
		if !h.sys.Nonblocking(fd) {
			t.Errorf("fd %d: not set non-blocking", fd)
		}
		if in, ok := h.pl.Interest(fd); !ok || in != poller.InterestRead {
			t.Errorf("fd %d: interest %v registered=%v, want readable", fd, in, ok)
		}
		if st := h.conn(fd).state; st != stateAwaitingRequest {
			t.Errorf("fd %d: state %v, want %v", fd, st, stateAwaitingRequest)
		}
	}
	// 两次成功加一次 would-block
	if got := h.log.Count("sys.Accept", lfd); got != 3 {
		t.Errorf("accept calls: got %d, want 3", got)
	}
	if got := testutil.ToFloat64(h.m.ConnsActive); got != 2 {
		t.Errorf("active connections: got %v, want 2", got)
	}
}

func TestAcceptErrorEndsLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.sys.QueueAcceptErr(fake.ErrIO)
	h.sys.QueueAccept(10)
	h.step(readable(lfd))
	if got := h.srv.NumConns(); got != 0 {
		t.Fatalf("NumConns after accept error: got %d, want 0", got)
	}
	// 水平触发：下一次唤醒继续接受
	h.step(readable(lfd))
	if got := h.srv.NumConns(); got != 1 {
		t.Errorf("NumConns: got %d, want 1", got)
	}
}

func TestMaxConns(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConns = 1 })
	h.accept(10, 11)

	if got := h.srv.NumConns(); got != 1 {
		t.Fatalf("NumConns: got %d, want 1", got)
	}
	if got := h.sys.Closed(11); got != 1 {
		t.Errorf("rejected fd closed %d times, want 1", got)
	}
	if h.pl.Registered(11) {
		t.Error("rejected fd is registered")
	}
	if got := testutil.ToFloat64(h.m.ConnsRejected); got != 1 {
		t.Errorf("rejected: got %v, want 1", got)
	}
}

func TestRequestWrittenImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)
	h.sys.QueueRead(10, request("set", "k", "v"))
	h.step(readable(10))

	if diff := cmp.Diff(response(protocol.StatusOK, "k set to v"), h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if got := h.log.Count("poller.Mod.w", 10); got != 0 {
		t.Errorf("switched to writable %d times, want 0", got)
	}
	if st := h.conn(10).state; st != stateAwaitingRequest {
		t.Errorf("state: got %v, want %v", st, stateAwaitingRequest)
	}
}

func TestPartialReads(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReadChunk = 8 })
	h.accept(10)
	req := request("get", "missing")
	h.sys.QueueRead(10, req)

	for i := 0; len(h.sys.Written(10)) == 0; i++ {
		if i > len(req) {
			t.Fatalf("no response after %d reads", i)
		}
		h.step(readable(10))
	}
	if diff := cmp.Diff(response(protocol.StatusNotFound, ""), h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if got := len(h.conn(10).in); got != 0 {
		t.Errorf("leftover input: got %d bytes, want 0", got)
	}
}

func TestPipelinedRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)

	var in []byte
	in = append(in, request("set", "a", "1")...)
	in = append(in, request("get", "a")...)
	in = append(in, request("del", "a")...)
	tail := request("get", "a")
	in = append(in, tail[:6]...)
	h.sys.QueueRead(10, in)
	h.step(readable(10))

	var want []byte
	want = append(want, response(protocol.StatusOK, "a set to 1")...)
	want = append(want, response(protocol.StatusOK, "1")...)
	want = append(want, response(protocol.StatusOK, "")...)
	if diff := cmp.Diff(want, h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if got := len(h.conn(10).in); got != 6 {
		t.Errorf("leftover input: got %d bytes, want 6", got)
	}

	h.sys.QueueRead(10, tail[6:])
	h.step(readable(10))
	want = append(want, response(protocol.StatusNotFound, "")...)
	if diff := cmp.Diff(want, h.sys.Written(10)); diff != "" {
		t.Errorf("written after tail (-want +got):\n%s", diff)
	}
}

func TestTrailingBytesThenPipelined(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)

	// total 多声明了两个字节，它们随该帧一起被丢弃
	in := protocol.AppendRequest(nil, "get", "a")
	in[0] += 2
	in = append(in, 'x', 'y')
	in = append(in, request("set", "a", "1")...)
	in = append(in, request("get", "a")...)
	h.sys.QueueRead(10, in)
	h.step(readable(10))

	var want []byte
	want = append(want, response(protocol.StatusNotFound, "")...)
	want = append(want, response(protocol.StatusOK, "a set to 1")...)
	want = append(want, response(protocol.StatusOK, "1")...)
	if diff := cmp.Diff(want, h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if h.srv.NumConns() != 1 {
		t.Error("connection closed after frame with trailing bytes")
	}
	if got := testutil.ToFloat64(h.m.ProtocolErrors); got != 0 {
		t.Errorf("protocol errors: got %v, want 0", got)
	}
}

func TestApplicationErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)
	h.sys.QueueRead(10, request("incr", "k"))
	h.step(readable(10))

	if diff := cmp.Diff(response(protocol.StatusErr, ""), h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if h.srv.NumConns() != 1 {
		t.Error("connection closed after application error")
	}
	if got := testutil.ToFloat64(h.m.Requests.WithLabelValues("ERR")); got != 1 {
		t.Errorf("ERR requests: got %v, want 1", got)
	}
}

func TestBackpressure(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)
	want := response(protocol.StatusOK, "k set to v")

	h.sys.QueueWrite(10, 3)
	h.sys.QueueRead(10, request("set", "k", "v"))
	h.step(readable(10))

	if in, _ := h.pl.Interest(10); in != poller.InterestWrite {
		t.Fatalf("interest after short write: got %v, want w", in)
	}
	if st := h.conn(10).state; st != statePendingOutput {
		t.Fatalf("state: got %v, want %v", st, statePendingOutput)
	}
	if got := h.conn(10).out.Len(); got != len(want)-3 {
		t.Errorf("pending output: got %d, want %d", got, len(want)-3)
	}

	// 有待写数据时不再读取
	reads := h.log.Count("sys.Read", 10)
	h.sys.QueueRead(10, request("get", "k"))
	h.step(readable(10))
	if got := h.log.Count("sys.Read", 10); got != reads {
		t.Errorf("read while output pending: %d reads, want %d", got, reads)
	}

	// would-block 不改变状态
	h.sys.QueueWrite(10, 0)
	h.step(writable(10))
	if st := h.conn(10).state; st != statePendingOutput {
		t.Errorf("state after would-block: got %v, want %v", st, statePendingOutput)
	}

	h.step(writable(10))
	if diff := cmp.Diff(want, h.sys.Written(10)); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if in, _ := h.pl.Interest(10); in != poller.InterestRead {
		t.Errorf("interest after drain: got %v, want r", in)
	}
	if st := h.conn(10).state; st != stateAwaitingRequest {
		t.Errorf("state after drain: got %v, want %v", st, stateAwaitingRequest)
	}
	if got := h.sys.PendingReads(10); got != 1 {
		t.Errorf("pending reads: got %d, want 1", got)
	}
}

func TestMalformedFrameTeardown(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxFrame = 64 })
	h.accept(10)
	h.log.Reset()
	h.sys.QueueRead(10, []byte{0xff, 0xff, 0xff, 0x7f})
	h.step(readable(10))

	want := []fake.Call{
		{Op: "sys.Read", FD: 10},
		{Op: "poller.Unregister", FD: 10},
		{Op: "sys.Close", FD: 10},
	}
	if diff := cmp.Diff(want, h.log.For(10)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if len(h.sys.Written(10)) != 0 {
		t.Errorf("wrote %d bytes in response to a malformed frame", len(h.sys.Written(10)))
	}
	if h.srv.NumConns() != 0 {
		t.Error("connection still in table")
	}
	if got := testutil.ToFloat64(h.m.ProtocolErrors); got != 1 {
		t.Errorf("protocol errors: got %v, want 1", got)
	}
	if got := h.closedCount(metrics.ReasonProtocol); got != 1 {
		t.Errorf("closed(protocol): got %v, want 1", got)
	}
}

func TestTeardownReasons(t *testing.T) {
	tests := []struct {
		name   string
		script func(h *harness)
		event  poller.Event
		reason string
	}{
		{"peer closed", func(h *harness) { h.sys.QueueEOF(10) }, readable(10), metrics.ReasonPeerClosed},
		{"read error", func(h *harness) { h.sys.QueueReadErr(10, fake.ErrIO) }, readable(10), metrics.ReasonReadError},
		{"write error", func(h *harness) {
			h.sys.QueueRead(10, request("get", "k"))
			h.sys.QueueWriteErr(10, fake.ErrIO)
		}, readable(10), metrics.ReasonWriteError},
		{"hangup", func(*harness) {}, poller.Event{FD: 10, Flags: poller.EventHangup | poller.EventRead}, metrics.ReasonHangup},
		{"error", func(*harness) {}, poller.Event{FD: 10, Flags: poller.EventError}, metrics.ReasonHangup},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.accept(10)
			tc.script(h)
			h.step(tc.event)

			if h.srv.NumConns() != 0 {
				t.Fatal("connection still in table")
			}
			if h.pl.Registered(10) {
				t.Error("fd still registered")
			}
			if got := h.sys.Closed(10); got != 1 {
				t.Errorf("fd closed %d times, want 1", got)
			}
			if got := h.closedCount(tc.reason); got != 1 {
				t.Errorf("closed(%s): got %v, want 1", tc.reason, got)
			}
		})
	}
}

func TestReadWouldBlock(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)
	h.step(readable(10))
	if h.srv.NumConns() != 1 {
		t.Error("connection closed on would-block")
	}
	if len(h.sys.Written(10)) != 0 {
		t.Error("unexpected write")
	}
}

func TestUnknownDescriptor(t *testing.T) {
	h := newHarness(t, nil)
	h.step(readable(99))
	want := []fake.Call{{Op: "poller.Unregister", FD: 99}}
	if diff := cmp.Diff(want, h.log.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)
	h.log.Reset()

	h.srv.closeConn(10, metrics.ReasonShutdown)
	h.srv.closeConn(10, metrics.ReasonShutdown)
	h.srv.closeConn(77, metrics.ReasonShutdown)

	want := []fake.Call{
		{Op: "poller.Unregister", FD: 10},
		{Op: "sys.Close", FD: 10},
	}
	if diff := cmp.Diff(want, h.log.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if got := h.closedCount(metrics.ReasonShutdown); got != 1 {
		t.Errorf("closed(shutdown): got %v, want 1", got)
	}
}

func TestOutboundLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxOutbound = 32 })
	h.accept(10)

	h.sys.QueueRead(10, request("set", "k", string(bytes.Repeat([]byte{'v'}, 40))))
	h.step(readable(10))

	if h.srv.NumConns() != 0 {
		t.Fatal("connection kept after exceeding the outbound limit")
	}
	if got := h.closedCount(metrics.ReasonOverflow); got != 1 {
		t.Errorf("closed(outbound_overflow): got %v, want 1", got)
	}
}

func TestOutboundLimitPipelined(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxOutbound = 64 })
	h.accept(10)
	one := response(protocol.StatusNotFound, "")

	// 单次读取中的请求在写出前全部入队；第 64/5+1 个响应超出上限
	var in []byte
	for i := 0; i < 64/len(one)+1; i++ {
		in = append(in, request("get", "k")...)
	}
	h.sys.QueueRead(10, in)
	h.step(readable(10))

	if h.srv.NumConns() != 0 {
		t.Fatal("connection kept after exceeding the outbound limit")
	}
	if len(h.sys.Written(10)) != 0 {
		t.Errorf("wrote %d bytes before teardown", len(h.sys.Written(10)))
	}

	// 恰好在上限内则全部写出
	h2 := newHarness(t, func(c *Config) { c.MaxOutbound = 64 })
	h2.accept(10)
	h2.sys.QueueRead(10, in[:len(in)-len(request("get", "k"))])
	h2.step(readable(10))
	if got, want := len(h2.sys.Written(10)), (64/len(one))*len(one); got != want {
		t.Errorf("written: got %d bytes, want %d", got, want)
	}
}

func TestOutboundReleasedAfterDrain(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10)

	val := string(bytes.Repeat([]byte{'v'}, 100<<10))
	h.sys.QueueRead(10, request("set", "k", val))
	h.step(readable(10))
	h.step(readable(10))
	if got := h.conn(10).out.Cap(); got != outInitialCap {
		t.Fatalf("out cap after set response drained: got %d, want %d", got, outInitialCap)
	}

	h.sys.QueueWrite(10, 1000)
	h.sys.QueueRead(10, request("get", "k"))
	h.step(readable(10))
	if got := h.conn(10).out.Cap(); got <= outShrinkCap {
		t.Fatalf("out cap while pending: got %d, want > %d", got, outShrinkCap)
	}

	h.step(writable(10))
	if diff := cmp.Diff(response(protocol.StatusOK, val), h.sys.Written(10)[len(response(protocol.StatusOK, "k set to "+val)):]); diff != "" {
		t.Errorf("written (-want +got):\n%s", diff)
	}
	if got := h.conn(10).out.Cap(); got != outInitialCap {
		t.Errorf("out cap after drain: got %d, want %d", got, outInitialCap)
	}
	if got := h.conn(10).out.Limit(); got != DefaultConfig().MaxOutbound {
		t.Errorf("out limit after release: got %d, want %d", got, DefaultConfig().MaxOutbound)
	}
}

func TestAcceptErrorWarningSampled(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := new(fake.Log)
	sys := fake.NewSockets(log)
	pl := fake.NewPoller(log)
	srv, err := New(DefaultConfig(), sys, pl, kv.NewDispatcher(nil), WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// 监听套接字持续就绪而 accept 持续失败
	const wakes = 5
	for i := 0; i < wakes; i++ {
		sys.QueueAcceptErr(fake.ErrIO)
		pl.Push(readable(lfd))
		if err := srv.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if got := log.Count("sys.Accept", lfd); got != wakes {
		t.Errorf("accept calls: got %d, want %d", got, wakes)
	}
	warns := logs.FilterMessage("accept").All()
	if len(warns) != 1 {
		t.Fatalf("accept warnings: got %d, want 1", len(warns))
	}
	if got := warns[0].ContextMap()["errors"]; got != int64(1) {
		t.Errorf("errors field: got %v, want 1", got)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	h.accept(10, 11)

	if err := h.srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, fd := range []int{10, 11, lfd} {
		if got := h.sys.Closed(fd); got != 1 {
			t.Errorf("fd %d closed %d times, want 1", fd, got)
		}
	}
	if !h.pl.Closed() {
		t.Error("poller not closed")
	}
	if err := h.srv.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.srv.Step(); !errors.Is(err, ErrClosed) {
		t.Errorf("Step after Close: got %v, want ErrClosed", err)
	}
}

func TestServeStop(t *testing.T) {
	defer leaktest.Check(t)()

	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if err := h.srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	if got := h.pl.Wakes(); got != 1 {
		t.Errorf("wakes: got %d, want 1", got)
	}
}

func TestServeContextCancel(t *testing.T) {
	defer leaktest.Check(t)()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeWaitError(t *testing.T) {
	h := newHarness(t, nil)
	h.pl.PushErr(fake.ErrIO)
	if err := h.srv.Serve(context.Background()); !errors.Is(err, fake.ErrIO) {
		t.Errorf("Serve: got %v, want %v", err, fake.ErrIO)
	}
}
