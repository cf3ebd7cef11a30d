// Package client 为阻塞式客户端：按帧发送请求，按帧读取响应。
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/B33Boy/BYOR/protocol"
)

// ErrUnexpectedStatus 响应状态不是调用方期望的值
var ErrUnexpectedStatus = errors.New("client: unexpected status")

type Option func(*Client)

// WithTimeout 为每次 Do 设置读写截止时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxFrame 设置接受的最大响应长度。
func WithMaxFrame(n int) Option {
	return func(c *Client) { c.prs.MaxFrame = n }
}

type Client struct {
	conn    net.Conn
	prs     *protocol.Parser
	timeout time.Duration
	mu      sync.Mutex
	// 接收缓冲，跨多次 Read 累积，避免半包丢失
	rb  []byte
	buf []byte
	wb  []byte
}

func Dial(address string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), address, opts...)
}

func DialContext(ctx context.Context, address string, opts ...Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: nc, prs: protocol.NewParser(), buf: make([]byte, 64<<10)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send 写出一个请求帧，不等待响应；与 Recv 配合实现流水线。
func (c *Client) Send(args ...string) error {
	c.wb = protocol.AppendRequest(c.wb[:0], args...)
	_, err := c.conn.Write(c.wb)
	return err
}

// SendRaw 原样写出字节。
func (c *Client) SendRaw(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

// Recv 读取下一个响应帧。
func (c *Client) Recv() (protocol.Response, error) {
	for {
		resp, n, err := c.prs.ExtractResponse(c.rb)
		if err == nil {
			c.rb = c.rb[:copy(c.rb, c.rb[n:])]
			return resp, nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return protocol.Response{}, err
		}
		m, err := c.conn.Read(c.buf)
		if m > 0 {
			c.rb = append(c.rb, c.buf[:m]...)
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		} else if errors.Is(err, io.EOF) && len(c.rb) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return protocol.Response{}, err
	}
}

// Do 发送一条命令并等待其响应。
func (c *Client) Do(args ...string) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.Send(args...); err != nil {
		return protocol.Response{}, fmt.Errorf("client: send: %w", err)
	}
	resp, err := c.Recv()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: recv: %w", err)
	}
	return resp, nil
}

// Get 返回 k 的值；不存在时 ok 为 false。
func (c *Client) Get(k string) (v string, ok bool, err error) {
	resp, err := c.Do("get", k)
	if err != nil {
		return "", false, err
	}
	switch resp.Status {
	case protocol.StatusOK:
		return string(resp.Payload), true, nil
	case protocol.StatusNotFound:
		return "", false, nil
	}
	return "", false, fmt.Errorf("%w: %v", ErrUnexpectedStatus, resp.Status)
}

func (c *Client) Set(k, v string) error {
	return c.expectOK(c.Do("set", k, v))
}

func (c *Client) Del(k string) error {
	return c.expectOK(c.Do("del", k))
}

func (c *Client) expectOK(resp protocol.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("%w: %v", ErrUnexpectedStatus, resp.Status)
	}
	return nil
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) Close() error { return c.conn.Close() }
