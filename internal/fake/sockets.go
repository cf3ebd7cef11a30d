package fake

import (
	"errors"
	"net/netip"

	"github.com/eapache/queue"

	"github.com/B33Boy/BYOR/internal/netutil"
)

var (
	// ErrBadFD 对未知或已关闭的描述符操作
	ErrBadFD = errors.New("fake: bad file descriptor")
	// ErrIO 用于编排一般 I/O 失败
	ErrIO = errors.New("fake: i/o error")
)

const oNonblock = 0x800

type step struct {
	data []byte
	n    int // 写：单次最多接受的字节数
	fd   int
	err  error
	eof  bool
}

// Sockets 为可编排的 netutil.Sockets。未编排的 Accept/Read 返回 ErrWouldBlock，未编排的 Write 全部接受。
type Sockets struct {
	Log *Log

	// 注入错误
	SocketErr, BindErr, ListenErr, NonblockErr error

	next    int
	flags   map[int]int
	open    map[int]bool
	closed  map[int]int
	bound   netip.AddrPort
	backlog int

	accepts *queue.Queue
	reads   map[int]*queue.Queue
	partial map[int][]byte
	writes  map[int]*queue.Queue
	written map[int][]byte
}

// NewSockets 返回记录到 log 的 Sockets；log 为 nil 时新建。新建描述符从 3 开始编号。
func NewSockets(log *Log) *Sockets {
	if log == nil {
		log = new(Log)
	}
	return &Sockets{
		Log:     log,
		next:    3,
		flags:   make(map[int]int),
		open:    make(map[int]bool),
		closed:  make(map[int]int),
		accepts: queue.New(),
		reads:   make(map[int]*queue.Queue),
		partial: make(map[int][]byte),
		writes:  make(map[int]*queue.Queue),
		written: make(map[int][]byte),
	}
}

func script(m map[int]*queue.Queue, fd int) *queue.Queue {
	q, ok := m[fd]
	if !ok {
		q = queue.New()
		m[fd] = q
	}
	return q
}

// QueueAccept 编排下一次 Accept 返回 fd。
func (s *Sockets) QueueAccept(fd int) { s.accepts.Add(step{fd: fd}) }

// QueueAcceptErr 编排下一次 Accept 返回 err。
func (s *Sockets) QueueAcceptErr(err error) { s.accepts.Add(step{err: err}) }

// QueueRead 编排 fd 的下一次读取返回 data；data 超出读缓冲时剩余部分留给后续读取。
func (s *Sockets) QueueRead(fd int, data []byte) { script(s.reads, fd).Add(step{data: data}) }

// QueueEOF 编排 fd 的下一次读取返回 0 字节。
func (s *Sockets) QueueEOF(fd int) { script(s.reads, fd).Add(step{eof: true}) }

// QueueReadErr 编排 fd 的下一次读取返回 err。
func (s *Sockets) QueueReadErr(fd int, err error) { script(s.reads, fd).Add(step{err: err}) }

// QueueWrite 编排 fd 的下一次写入最多接受 n 字节；n 为 0 表示返回 ErrWouldBlock。
func (s *Sockets) QueueWrite(fd, n int) { script(s.writes, fd).Add(step{n: n}) }

// QueueWriteErr 编排 fd 的下一次写入返回 err。
func (s *Sockets) QueueWriteErr(fd int, err error) { script(s.writes, fd).Add(step{err: err}) }

func (s *Sockets) alloc() int {
	fd := s.next
	s.next++
	s.open[fd] = true
	return fd
}

func (s *Sockets) Socket(fam netutil.Family) (int, error) {
	if s.SocketErr != nil {
		return -1, s.SocketErr
	}
	fd := s.alloc()
	s.Log.add("sys.Socket", fd)
	return fd, nil
}

func (s *Sockets) SetReuseAddr(fd int) error {
	s.Log.add("sys.SetReuseAddr", fd)
	return s.check(fd)
}

func (s *Sockets) Bind(fd int, addr netip.AddrPort) error {
	s.Log.add("sys.Bind", fd)
	if s.BindErr != nil {
		return s.BindErr
	}
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), 40000)
	}
	s.bound = addr
	return s.check(fd)
}

func (s *Sockets) Listen(fd, backlog int) error {
	s.Log.add("sys.Listen", fd)
	if s.ListenErr != nil {
		return s.ListenErr
	}
	s.backlog = backlog
	return s.check(fd)
}

func (s *Sockets) Accept(fd int) (int, error) {
	s.Log.add("sys.Accept", fd)
	if s.accepts.Length() == 0 {
		return -1, netutil.ErrWouldBlock
	}
	st := s.accepts.Remove().(step)
	if st.err != nil {
		return -1, st.err
	}
	s.open[st.fd] = true
	delete(s.closed, st.fd)
	return st.fd, nil
}

func (s *Sockets) GetFlags(fd int) (int, error) {
	s.Log.add("sys.GetFlags", fd)
	if err := s.check(fd); err != nil {
		return 0, err
	}
	return s.flags[fd], nil
}

func (s *Sockets) SetNonblock(fd int) error {
	s.Log.add("sys.SetNonblock", fd)
	if s.NonblockErr != nil {
		return s.NonblockErr
	}
	if err := s.check(fd); err != nil {
		return err
	}
	s.flags[fd] |= oNonblock
	return nil
}

func (s *Sockets) Read(fd int, p []byte) (int, error) {
	s.Log.add("sys.Read", fd)
	if err := s.check(fd); err != nil {
		return 0, err
	}
	data := s.partial[fd]
	if len(data) == 0 {
		q := s.reads[fd]
		if q == nil || q.Length() == 0 {
			return 0, netutil.ErrWouldBlock
		}
		st := q.Remove().(step)
		switch {
		case st.err != nil:
			return 0, st.err
		case st.eof:
			return 0, nil
		}
		data = st.data
	}
	n := copy(p, data)
	s.partial[fd] = data[n:]
	return n, nil
}

func (s *Sockets) Write(fd int, p []byte) (int, error) {
	s.Log.add("sys.Write", fd)
	if err := s.check(fd); err != nil {
		return 0, err
	}
	n := len(p)
	if q := s.writes[fd]; q != nil && q.Length() > 0 {
		st := q.Remove().(step)
		if st.err != nil {
			return 0, st.err
		}
		if st.n == 0 {
			return 0, netutil.ErrWouldBlock
		}
		n = min(n, st.n)
	}
	s.written[fd] = append(s.written[fd], p[:n]...)
	return n, nil
}

func (s *Sockets) Close(fd int) error {
	s.Log.add("sys.Close", fd)
	if !s.open[fd] {
		return ErrBadFD
	}
	delete(s.open, fd)
	s.closed[fd]++
	return nil
}

func (s *Sockets) LocalAddr(fd int) (netip.AddrPort, error) {
	if err := s.check(fd); err != nil {
		return netip.AddrPort{}, err
	}
	return s.bound, nil
}

func (s *Sockets) check(fd int) error {
	if !s.open[fd] {
		return ErrBadFD
	}
	return nil
}

// Written 返回已写入 fd 的全部字节。
func (s *Sockets) Written(fd int) []byte { return s.written[fd] }

// Closed 返回 fd 被成功关闭的次数。
func (s *Sockets) Closed(fd int) int { return s.closed[fd] }

// Open 报告 fd 当前是否打开。
func (s *Sockets) Open(fd int) bool { return s.open[fd] }

// Nonblocking 报告 fd 是否已设置为非阻塞。
func (s *Sockets) Nonblocking(fd int) bool { return s.flags[fd]&oNonblock != 0 }

// Backlog 返回 Listen 收到的 backlog。
func (s *Sockets) Backlog() int { return s.backlog }

// PendingReads 返回 fd 尚未消费的编排读取数。
func (s *Sockets) PendingReads(fd int) int {
	n := 0
	if len(s.partial[fd]) > 0 {
		n++
	}
	if q := s.reads[fd]; q != nil {
		n += q.Length()
	}
	return n
}

var _ netutil.Sockets = (*Sockets)(nil)
