package localdb

import (
	"context"
	"errors"

	"districtr-sync/internal/logger"
)

// Chain：按优先级组合多个本地存储
// 背景：写入镜像到所有后端（如 SQLite + 便携 JSON 导出），读取先查高优先级，未命中再退回下一级；
// 任一后端写失败都会返回错误，调用方据此进入降级模式。
type Chain struct {
	list []Store
}

// NewChain：构建存储链，nil 项会被跳过
func NewChain(list ...Store) *Chain {
	out := make([]Store, 0, len(list))
	for _, s := range list {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Chain{list: out}
}

func (c *Chain) Put(ctx context.Context, rec Record) error {
	var errs []error
	for i, s := range c.list {
		if err := s.Put(ctx, rec); err != nil {
			logger.L().Warn("localdb_chain_put_fail", "backend", i, "id", rec.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get：按优先级读取
// 约束：某一级返回非 ErrNotFound 的错误时继续尝试下一级，全部失败才返回该错误。
func (c *Chain) Get(ctx context.Context, id string) (Record, error) {
	var firstErr error
	for i, s := range c.list {
		rec, err := s.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			logger.L().Warn("localdb_chain_get_fail", "backend", i, "id", id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return Record{}, firstErr
	}
	return Record{}, ErrNotFound
}

func (c *Chain) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, s := range c.list {
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List：合并各级结果，同一 id 以高优先级为准
func (c *Chain) List(ctx context.Context) ([]Record, error) {
	seen := make(map[string]struct{})
	var out []Record
	var errs []error
	ok := false
	for _, s := range c.list {
		recs, err := s.List(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok = true
		for _, r := range recs {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	if !ok && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (c *Chain) Close() error {
	var errs []error
	for _, s := range c.list {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
