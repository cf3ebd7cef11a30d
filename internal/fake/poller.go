package fake

import (
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/B33Boy/BYOR/poller"
)

// Poller 为可编排的 poller.Poller。Wait 依次返回 Push 的批次，脚本为空时返回空批次。
type Poller struct {
	Log *Log

	// 注入错误；非 nil 时对应调用直接返回该错误
	RegisterErr error
	ModErr      error

	batches *queue.Queue
	reg     map[int]poller.Interest
	wakes   atomic.Int32
	closed  bool
}

type waitResult struct {
	events []poller.Event
	err    error
}

// NewPoller 返回记录到 log 的 Poller；log 为 nil 时新建。
func NewPoller(log *Log) *Poller {
	if log == nil {
		log = new(Log)
	}
	return &Poller{Log: log, batches: queue.New(), reg: make(map[int]poller.Interest)}
}

// Push 追加一个 Wait 批次。
func (p *Poller) Push(events ...poller.Event) {
	p.batches.Add(waitResult{events: events})
}

// PushErr 使后续某次 Wait 返回 err。
func (p *Poller) PushErr(err error) {
	p.batches.Add(waitResult{err: err})
}

// Pending 返回尚未消费的批次数。
func (p *Poller) Pending() int { return p.batches.Length() }

func (p *Poller) Register(fd int) error {
	p.Log.add("poller.Register", fd)
	if p.RegisterErr != nil {
		return p.RegisterErr
	}
	if _, ok := p.reg[fd]; !ok {
		p.reg[fd] = poller.InterestRead
	}
	return nil
}

func (p *Poller) Mod(fd int, in poller.Interest) error {
	p.Log.add("poller.Mod."+in.String(), fd)
	if p.ModErr != nil {
		return p.ModErr
	}
	if _, ok := p.reg[fd]; !ok {
		return poller.ErrNotRegistered
	}
	p.reg[fd] = in
	return nil
}

func (p *Poller) Unregister(fd int) error {
	p.Log.add("poller.Unregister", fd)
	delete(p.reg, fd)
	return nil
}

func (p *Poller) Wait() ([]poller.Event, error) {
	if p.closed {
		return nil, poller.ErrClosed
	}
	if p.batches.Length() == 0 {
		return nil, nil
	}
	r := p.batches.Remove().(waitResult)
	return r.events, r.err
}

func (p *Poller) Wake() error {
	p.wakes.Add(1)
	return nil
}

func (p *Poller) Close() error {
	p.closed = true
	return nil
}

// Interest 返回 fd 当前关注集合；未注册时 ok 为 false。
func (p *Poller) Interest(fd int) (in poller.Interest, ok bool) {
	in, ok = p.reg[fd]
	return in, ok
}

func (p *Poller) Registered(fd int) bool {
	_, ok := p.reg[fd]
	return ok
}

// NumRegistered 返回当前注册的描述符数。
func (p *Poller) NumRegistered() int { return len(p.reg) }

// Wakes 可在任意 goroutine 调用。
func (p *Poller) Wakes() int { return int(p.wakes.Load()) }

func (p *Poller) Closed() bool { return p.closed }

var _ poller.Poller = (*Poller)(nil)
