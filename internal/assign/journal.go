package assign

import (
	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
)

type stepKind int

const (
	stepSet stepKind = iota
	stepShatter
	stepHeal
)

// step：日志中的最小可逆操作
// 背景：分配变更携带“是否存在”标记，愈合删除的子条目在撤销时才能按原样恢复；
// 打散/愈合只改簿记，不改分区值，分区值变化由相邻的 set 步骤表达。
type step struct {
	kind     stepKind
	path     string
	prev     model.Zone
	next     model.Zone
	hadPrev  bool
	hasNext  bool
	children []string
}

type entry struct{ steps []step }

func (s step) inverse() step {
	switch s.kind {
	case stepSet:
		return step{kind: stepSet, path: s.path, prev: s.next, hadPrev: s.hasNext, next: s.prev, hasNext: s.hadPrev}
	case stepShatter:
		return step{kind: stepHeal, path: s.path, children: s.children}
	default:
		return step{kind: stepShatter, path: s.path, children: s.children}
	}
}

func (e entry) inverse() entry {
	out := make([]step, len(e.steps))
	for i, s := range e.steps {
		out[len(e.steps)-1-i] = s.inverse()
	}
	return entry{steps: out}
}

// applySet：写入分区并返回携带当前旧值的步骤
func (p *Plan) applySet(path string, z model.Zone, present bool) step {
	prev, had := p.zones[path]
	if present {
		p.zones[path] = z
	} else {
		delete(p.zones, path)
	}
	return step{kind: stepSet, path: path, prev: prev, hadPrev: had, next: z, hasNext: present}
}

// applyStructural：修改打散簿记
// 约束：任何破坏 I1/I2 的操作都说明簿记已损坏，直接 panic
func (p *Plan) applyStructural(s step) step {
	switch s.kind {
	case stepShatter:
		if _, ok := p.shattered[s.path]; ok {
			panic("assign: shatter of already shattered parent " + s.path)
		}
		if _, ok := p.childParent[s.path]; ok {
			panic("assign: shatter of child " + s.path)
		}
		if len(s.children) == 0 {
			panic("assign: shatter with empty children " + s.path)
		}
		for _, c := range s.children {
			if _, ok := p.childParent[c]; ok {
				panic("assign: child tracked twice " + c)
			}
			if _, ok := p.shattered[c]; ok {
				panic("assign: child is a shattered parent " + c)
			}
		}
		kids := append([]string(nil), s.children...)
		p.shattered[s.path] = kids
		for _, c := range kids {
			p.childParent[c] = s.path
		}
	case stepHeal:
		kids, ok := p.shattered[s.path]
		if !ok {
			panic("assign: heal of parent not shattered " + s.path)
		}
		if len(kids) == 0 {
			panic("assign: heal with empty children " + s.path)
		}
		for _, c := range kids {
			delete(p.childParent, c)
		}
		delete(p.shattered, s.path)
	default:
		panic("assign: structural apply of set step")
	}
	return s
}

// structuralApplies：打散/愈合步骤在当前簿记下是否仍可执行
// 背景：撤销时自动愈合产生的步骤进入重做栈，撤销栈里更早的条目并不知道父单元已合回；
// 目标状态已经成立（或前提不再满足）的结构步骤在重放时跳过，不写入新条目。
func (p *Plan) structuralApplies(s step) bool {
	switch s.kind {
	case stepShatter:
		if len(s.children) == 0 {
			return false
		}
		if _, ok := p.shattered[s.path]; ok {
			return false
		}
		if _, ok := p.childParent[s.path]; ok {
			return false
		}
		for _, c := range s.children {
			if _, ok := p.childParent[c]; ok {
				return false
			}
			if _, ok := p.shattered[c]; ok {
				return false
			}
		}
		return true
	case stepHeal:
		kids, ok := p.shattered[s.path]
		return ok && len(kids) > 0
	}
	return false
}

// replay：按顺序重放步骤；set 步骤重新捕获当前旧值，保证生成的新日志条目可再次求逆
func (p *Plan) replay(steps []step) []step {
	out := make([]step, 0, len(steps))
	for _, s := range steps {
		if s.kind == stepSet {
			out = append(out, p.applySet(s.path, s.next, s.hasNext))
			continue
		}
		if !p.structuralApplies(s) {
			logger.L().Debug("plan_replay_skip_structural", "path", s.path, "heal", s.kind == stepHeal)
			continue
		}
		out = append(out, p.applyStructural(s))
	}
	return out
}

func (p *Plan) record(e entry) {
	p.undo = append(p.undo, e)
	if over := len(p.undo) - p.opts.JournalDepth; over > 0 {
		p.undo = append([]entry(nil), p.undo[over:]...)
	}
	p.redo = nil
}

func (p *Plan) CanUndo() bool { return len(p.undo) > 0 }
func (p *Plan) CanRedo() bool { return len(p.redo) > 0 }

// Undo：以新提交的方式回放上一条日志的逆操作
// 背景：撤销同样经过愈合判定（例如撤销后某父单元的子单元重新一致）；实际生成的条目压入重做栈。
func (p *Plan) Undo() (Commit, bool) {
	if len(p.undo) == 0 {
		return Commit{}, false
	}
	e := p.undo[len(p.undo)-1]
	p.undo = p.undo[:len(p.undo)-1]
	applied := p.applyJournaled(e.inverse())
	p.redo = append(p.redo, applied)
	return summarize(applied.steps), true
}

// Redo：撤销的对称操作
func (p *Plan) Redo() (Commit, bool) {
	if len(p.redo) == 0 {
		return Commit{}, false
	}
	e := p.redo[len(p.redo)-1]
	p.redo = p.redo[:len(p.redo)-1]
	applied := p.applyJournaled(e.inverse())
	p.undo = append(p.undo, applied)
	if over := len(p.undo) - p.opts.JournalDepth; over > 0 {
		p.undo = append([]entry(nil), p.undo[over:]...)
	}
	return summarize(applied.steps), true
}

// applyJournaled：重放后对被触及的父单元做愈合判定
// 约束：本次重放中重新打散的父单元跳过判定，其子单元的赋值只是打散时的复制。
func (p *Plan) applyJournaled(e entry) entry {
	steps := p.replay(e.steps)
	reshattered := make(map[string]struct{})
	for _, s := range steps {
		if s.kind == stepShatter {
			reshattered[s.path] = struct{}{}
		}
	}
	steps = append(steps, p.healTouched(steps, reshattered)...)
	return entry{steps: steps}
}

func summarize(steps []step) Commit {
	var c Commit
	for _, s := range steps {
		switch s.kind {
		case stepSet:
			c.Changes = append(c.Changes, Change{Path: s.path, Prev: s.prev, Next: s.next})
		case stepShatter:
			c.Shattered = append(c.Shattered, s.path)
		case stepHeal:
			c.Healed = append(c.Healed, s.path)
		}
	}
	return c
}
