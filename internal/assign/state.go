package assign

import (
	"fmt"
	"sort"

	"districtr-sync/internal/model"
)

// ShatterState：打散状态的只读视图（拷贝），供图层过滤使用
type ShatterState struct {
	Parents  []string
	Children []string
	Mapping  map[string][]string
}

func (s ShatterState) HasParent(p string) bool {
	_, ok := s.Mapping[p]
	return ok
}

func (s ShatterState) HasChild(c string) bool {
	i := sort.SearchStrings(s.Children, c)
	return i < len(s.Children) && s.Children[i] == c
}

func (p *Plan) ShatterView() ShatterState {
	st := ShatterState{Mapping: make(map[string][]string, len(p.shattered))}
	for parent, kids := range p.shattered {
		st.Parents = append(st.Parents, parent)
		st.Mapping[parent] = append([]string(nil), kids...)
	}
	for c := range p.childParent {
		st.Children = append(st.Children, c)
	}
	sort.Strings(st.Parents)
	sort.Strings(st.Children)
	return st
}

// Snapshot：渲染用分配表拷贝
// 约束：打散中的父单元条目已失效，不出现在快照里
func (p *Plan) Snapshot() map[string]model.Zone {
	out := make(map[string]model.Zone, len(p.zones))
	for k, z := range p.zones {
		if _, ok := p.shattered[k]; ok {
			continue
		}
		out[k] = z
	}
	return out
}

// Entries：生成持久化/推送用的行集合（按 geo_id 排序）
// 背景：打散关系不单独存储，靠子单元行上的 parent_path 恢复。
func (p *Plan) Entries() []model.Assignment {
	rows := make([]model.Assignment, 0, len(p.zones))
	for k, z := range p.zones {
		rows = append(rows, model.Assignment{GeoID: k, Zone: z, ParentPath: p.childParent[k]})
	}
	model.SortAssignments(rows)
	return rows
}

func (p *Plan) Len() int { return len(p.zones) }

// Restore：用持久化行整体替换分配表与打散状态，并清空暂存区与撤销/重做栈
// 背景：行来自本地存储或服务端，属于外部数据，违例以错误返回而不是 panic。
// 约束：失败时原状态保持不变。
func (p *Plan) Restore(rows []model.Assignment) error {
	zones := make(map[string]model.Zone, len(rows))
	shattered := make(map[string][]string)
	childParent := make(map[string]string)
	for _, r := range rows {
		if r.GeoID == "" {
			return fmt.Errorf("%w: empty geo id", ErrInvalidRow)
		}
		if !r.Zone.Valid(p.opts.NumDistricts) {
			return fmt.Errorf("%w: %s zone %d outside [1,%d]", ErrInvalidRow, r.GeoID, r.Zone, p.opts.NumDistricts)
		}
		if _, dup := zones[r.GeoID]; dup {
			return fmt.Errorf("%w: duplicate geo id %s", ErrInvalidRow, r.GeoID)
		}
		zones[r.GeoID] = r.Zone
		if r.ParentPath == "" {
			continue
		}
		if r.ParentPath == r.GeoID {
			return fmt.Errorf("%w: %s is its own parent", ErrInvalidRow, r.GeoID)
		}
		childParent[r.GeoID] = r.ParentPath
		shattered[r.ParentPath] = append(shattered[r.ParentPath], r.GeoID)
	}
	for parent, kids := range shattered {
		if _, ok := childParent[parent]; ok {
			return fmt.Errorf("%w: %s is both parent and child", ErrInvalidRow, parent)
		}
		sort.Strings(kids)
	}
	p.zones = zones
	p.shattered = shattered
	p.childParent = childParent
	p.staged = make(map[string]model.Zone)
	p.undo = nil
	p.redo = nil
	return nil
}

// checkInvariants：测试与调试用的完整一致性校验
func (p *Plan) checkInvariants() error {
	for parent, kids := range p.shattered {
		if len(kids) == 0 {
			return fmt.Errorf("parent %s has no children", parent)
		}
		if _, ok := p.childParent[parent]; ok {
			return fmt.Errorf("parent %s is also a child", parent)
		}
		for _, c := range kids {
			if p.childParent[c] != parent {
				return fmt.Errorf("child %s not indexed under %s", c, parent)
			}
		}
	}
	for c, parent := range p.childParent {
		if _, ok := p.shattered[parent]; !ok {
			return fmt.Errorf("child %s points at unshattered %s", c, parent)
		}
		if _, ok := p.shattered[c]; ok {
			return fmt.Errorf("child %s is also a parent", c)
		}
	}
	return nil
}
