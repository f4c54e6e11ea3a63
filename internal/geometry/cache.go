package geometry

import (
	"container/list"
	"sync"
	"time"
)

// 文档注释：父单元 → 子单元列表的本地 LRU 缓存
// 背景：同一父单元在一次编辑中会被反复打散/愈合，PIP 扫描子图层代价较高；TTL 可调。
// 约束：缓存值是只读切片，返回前复制，调用方可以自由修改。
type LRU struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	now  func() time.Time
	lst  *list.List
	dict map[string]*list.Element
}

type kv struct {
	k   string
	v   []string
	exp time.Time
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{cap: capacity, ttl: ttl, now: time.Now, lst: list.New(), dict: make(map[string]*list.Element)}
}

func (c *LRU) Get(k string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.dict[k]
	if !ok {
		return nil, false
	}
	it := e.Value.(kv)
	if c.now().Before(it.exp) {
		c.lst.MoveToFront(e)
		return append([]string(nil), it.v...), true
	}
	c.lst.Remove(e)
	delete(c.dict, k)
	return nil, false
}

func (c *LRU) Set(k string, v []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := kv{k: k, v: append([]string(nil), v...), exp: c.now().Add(c.ttl)}
	if e, ok := c.dict[k]; ok {
		e.Value = it
		c.lst.MoveToFront(e)
		return
	}
	c.dict[k] = c.lst.PushFront(it)
	for c.lst.Len() > c.cap {
		back := c.lst.Back()
		delete(c.dict, back.Value.(kv).k)
		c.lst.Remove(back)
	}
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}
