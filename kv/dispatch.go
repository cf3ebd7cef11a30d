package kv

import (
	"github.com/B33Boy/BYOR/protocol"
)

const (
	cmdGet = "get"
	cmdSet = "set"
	cmdDel = "del"
)

// Dispatcher 将参数列表映射为对 Store 的操作。
type Dispatcher struct {
	store *Store
}

// NewDispatcher 返回持有 store 的分发器；store 为 nil 时新建。
func NewDispatcher(store *Store) *Dispatcher {
	if store == nil {
		store = NewStore()
	}
	return &Dispatcher{store: store}
}

func (d *Dispatcher) Store() *Store { return d.store }

// Dispatch 执行一条命令。参数个数或命令名不匹配时返回 StatusErr，连接保持打开。
func (d *Dispatcher) Dispatch(args []string) protocol.Response {
	switch {
	case len(args) == 2 && args[0] == cmdGet:
		v, ok := d.store.Get(args[1])
		if !ok {
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		return protocol.Response{Status: protocol.StatusOK, Payload: []byte(v)}
	case len(args) == 3 && args[0] == cmdSet:
		d.store.Set(args[1], args[2])
		return protocol.Response{Status: protocol.StatusOK, Payload: []byte(args[1] + " set to " + args[2])}
	case len(args) == 2 && args[0] == cmdDel:
		d.store.Del(args[1])
		return protocol.Response{Status: protocol.StatusOK}
	}
	return protocol.Response{Status: protocol.StatusErr}
}
