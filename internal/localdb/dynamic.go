package localdb

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNoBackend：动态存储尚未设置后端
var ErrNoBackend = errors.New("local store backend not set")

type holder struct{ s Store }

// Dynamic：可热切换后端的存储包装器
// 背景：通过 atomic.Value 无锁切换当前实现（如 SQLite 不可用时切到文件存储，恢复后再切回），
// 正在进行的调用继续使用切换前的实现。
type Dynamic struct{ v atomic.Value }

func NewDynamic(s Store) *Dynamic {
	d := &Dynamic{}
	d.Set(s)
	return d
}

// Set：切换当前实现，返回旧实现（可能为 nil），由调用方负责关闭
func (d *Dynamic) Set(s Store) Store {
	old := d.v.Swap(holder{s: s})
	if old == nil {
		return nil
	}
	return old.(holder).s
}

func (d *Dynamic) current() (Store, error) {
	x := d.v.Load()
	if x == nil || x.(holder).s == nil {
		return nil, ErrNoBackend
	}
	return x.(holder).s, nil
}

func (d *Dynamic) Put(ctx context.Context, rec Record) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.Put(ctx, rec)
}

func (d *Dynamic) Get(ctx context.Context, id string) (Record, error) {
	s, err := d.current()
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, id)
}

func (d *Dynamic) Delete(ctx context.Context, id string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.Delete(ctx, id)
}

func (d *Dynamic) List(ctx context.Context) ([]Record, error) {
	s, err := d.current()
	if err != nil {
		return nil, err
	}
	return s.List(ctx)
}

// Close：关闭当前实现
func (d *Dynamic) Close() error {
	s, err := d.current()
	if err != nil {
		return nil
	}
	return s.Close()
}
