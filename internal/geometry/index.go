package geometry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
)

var ErrUnknownParent = errors.New("unknown parent unit")

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = time.Hour
)

// 文档注释：父子图层上的子单元查询
// 背景：打散需要“父单元包含哪些子单元”。子要素自带 parent_path 时直接按属性归属；
// 否则取子要素代表点，对父要素做包围盒预筛加 PIP 判定。结果按父单元缓存。
// 约束：两个图层加载后只读，Index 可并发使用。
type Index struct {
	parents  *Layer
	children *Layer
	byParent map[string][]string
	cache    *LRU
}

// NewIndex：预先按 parent_path 属性建立父子表；没有该属性的子要素留给 PIP 查询
func NewIndex(parents, children *Layer, cache *LRU) *Index {
	if cache == nil {
		cache = NewLRU(DefaultCacheSize, DefaultCacheTTL)
	}
	ix := &Index{parents: parents, children: children, byParent: make(map[string][]string), cache: cache}
	for _, c := range children.Features {
		if c.ParentPath != "" {
			ix.byParent[c.ParentPath] = append(ix.byParent[c.ParentPath], c.ID)
		}
	}
	for _, kids := range ix.byParent {
		sort.Strings(kids)
	}
	return ix
}

// LoadIndex：并发加载父层与子层
func LoadIndex(ctx context.Context, parentPath, childPath string, cache *LRU) (*Index, error) {
	var parents, children *Layer
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		parents, err = LoadLayer(parentPath)
		return err
	})
	g.Go(func() error {
		var err error
		children, err = LoadLayer(childPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewIndex(parents, children, cache), nil
}

// Children：返回父单元的子单元 id（排序）
// 异常：父单元不在父图层中返回 ErrUnknownParent；父单元存在但没有任何子单元时返回空切片，由调用方判定能否打散。
func (ix *Index) Children(ctx context.Context, parent string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := ix.cache.Get(parent); ok {
		metrics.GeometryLookupsTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	pf, ok := ix.parents.Feature(parent)
	if !ok {
		metrics.GeometryLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, parent)
	}
	metrics.GeometryLookupsTotal.WithLabelValues("miss").Inc()

	out := append([]string(nil), ix.byParent[parent]...)
	if len(out) == 0 {
		out = ix.contained(pf)
	}
	ix.cache.Set(parent, out)
	logger.L().Debug("geometry_children", "parent", parent, "children", len(out))
	return out, nil
}

// contained：代表点落在父要素内、且没有通过属性声明其他父单元的子要素
func (ix *Index) contained(pf Feature) []string {
	var out []string
	for _, c := range ix.children.Features {
		if c.ParentPath != "" {
			continue
		}
		pt, ok := samplePoint(c)
		if !ok {
			continue
		}
		if pointInFeature(pt, pf) {
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out
}
