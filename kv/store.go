// Package kv 实现内存键值存储与 get/set/del 命令分发。
package kv

// Store 为不加锁的内存映射，仅由事件循环 goroutine 访问。
type Store struct {
	m map[string]string
}

func NewStore() *Store {
	return &Store{m: make(map[string]string)}
}

func (s *Store) Get(k string) (string, bool) {
	v, ok := s.m[k]
	return v, ok
}

// Set 插入或覆盖。
func (s *Store) Set(k, v string) { s.m[k] = v }

// Del 删除 k，返回其此前是否存在。
func (s *Store) Del(k string) bool {
	_, ok := s.m[k]
	delete(s.m, k)
	return ok
}

func (s *Store) Len() int { return len(s.m) }
