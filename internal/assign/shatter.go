package assign

import (
	"context"
	"errors"
	"fmt"
)

// ErrDecomposition：子单元查询失败，状态未被修改，可重试
var ErrDecomposition = errors.New("decomposition failed")

// ChildSource：几何/邻接服务契约，仅打散时使用
type ChildSource interface {
	Children(ctx context.Context, parent string) ([]string, error)
}

// ChildSourceFunc：函数适配器，便于测试桩
type ChildSourceFunc func(ctx context.Context, parent string) ([]string, error)

func (f ChildSourceFunc) Children(ctx context.Context, parent string) ([]string, error) {
	return f(ctx, parent)
}

// Shatter：查询子单元并打散父单元（全有或全无）
// 背景：查询前先做一次廉价的状态检查，避免对已打散的父单元发起外部调用。
// 返回：新暴露的子单元集合；查询失败包装为 ErrDecomposition。
func (p *Plan) Shatter(ctx context.Context, src ChildSource, parent string) ([]string, Commit, error) {
	if err := p.CanShatter(parent); err != nil {
		return nil, Commit{}, err
	}
	children, err := src.Children(ctx, parent)
	if err != nil {
		return nil, Commit{}, fmt.Errorf("%w: %s: %v", ErrDecomposition, parent, err)
	}
	c, err := p.ApplyShatter(parent, children)
	if err != nil {
		return nil, Commit{}, err
	}
	return p.ChildrenOf(parent), c, nil
}

// CanShatter：打散前置检查
func (p *Plan) CanShatter(parent string) error {
	if _, ok := p.shattered[parent]; ok {
		return ErrAlreadyShattered
	}
	if _, ok := p.childParent[parent]; ok {
		return ErrNotParent
	}
	return nil
}
