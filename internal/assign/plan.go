// 包 assign：地理单元 → 分区的分配表，以及打散（shatter）/愈合（heal）簿记与撤销/重做日志
//
// 约束：Plan 不做内部加锁，所有变更须由调用方串行化（单写者模型）；
// 分配变更全部同步完成，不在此包内发起任何可能挂起的调用。
package assign

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
)

var (
	ErrAlreadyShattered = errors.New("parent already shattered")
	ErrNotParent        = errors.New("path is a shattered child, cannot be decomposed")
	ErrNoChildren       = errors.New("decomposition returned no children")
	ErrChildConflict    = errors.New("child path already tracked")
	ErrInvalidRow       = errors.New("invalid assignment row")
)

const defaultJournalDepth = 100

// Options：分配表行为参数
// HealUnassigned：子单元全部未分配时是否也视为“一致”并愈合回未分配的父单元（默认否）
type Options struct {
	NumDistricts   int
	HealUnassigned bool
	JournalDepth   int
	Clock          func() time.Time
}

// Plan：分配表 + 打散状态 + 暂存区 + 撤销/重做栈
type Plan struct {
	opts Options

	zones       map[string]model.Zone
	shattered   map[string][]string // parent -> 有序子单元
	childParent map[string]string   // child -> parent，与 shattered 同步增量维护
	staged      map[string]model.Zone

	undo []entry
	redo []entry

	zoneUpdated map[model.Zone]time.Time
}

// New：创建空分配表
// 约束：NumDistricts 必须 ≥ 1，否则视为调用方错误直接 panic
func New(opts Options) *Plan {
	if opts.NumDistricts < 1 {
		panic(fmt.Sprintf("assign: num districts must be positive, got %d", opts.NumDistricts))
	}
	if opts.JournalDepth <= 0 {
		opts.JournalDepth = defaultJournalDepth
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Plan{
		opts:        opts,
		zones:       make(map[string]model.Zone),
		shattered:   make(map[string][]string),
		childParent: make(map[string]string),
		staged:      make(map[string]model.Zone),
		zoneUpdated: make(map[model.Zone]time.Time),
	}
}

func (p *Plan) Options() Options { return p.opts }

// Change：一次提交中单个单元的 (Path, 旧分区, 新分区)
type Change struct {
	Path string
	Prev model.Zone
	Next model.Zone
}

// Commit：一次提交的可观测结果，供会话层记录日志、指标与事件
type Commit struct {
	Changes   []Change
	Shattered []string
	Healed    []string
}

func (c Commit) Empty() bool {
	return len(c.Changes) == 0 && len(c.Shattered) == 0 && len(c.Healed) == 0
}

// Zone：读取单元当前分区
// 约束：处于打散状态的父单元其自身条目已失效，返回未命中
func (p *Plan) Zone(path string) (model.Zone, bool) {
	if _, ok := p.shattered[path]; ok {
		return model.NoZone, false
	}
	z, ok := p.zones[path]
	return z, ok
}

// Assign：将 units 一次性设为 zone，并触发受影响父单元的愈合判定
func (p *Plan) Assign(zone model.Zone, units []string) Commit {
	changes := make(map[string]model.Zone, len(units))
	for _, u := range units {
		changes[u] = zone
	}
	return p.commit(changes)
}

// Stage：连续涂抹期间累积编辑，不写入正式分配表
func (p *Plan) Stage(zone model.Zone, units []string) {
	p.mustValidZone(zone)
	for _, u := range units {
		p.staged[u] = zone
	}
}

// StagedZone：读取叠加暂存区后的分区，供涂抹过程中的即时渲染
func (p *Plan) StagedZone(path string) (model.Zone, bool) {
	if z, ok := p.staged[path]; ok {
		return z, true
	}
	return p.Zone(path)
}

// Staged：仅查询暂存区，未暂存的单元返回 ok=false
func (p *Plan) Staged(path string) (model.Zone, bool) {
	z, ok := p.staged[path]
	return z, ok
}

func (p *Plan) StagedCount() int { return len(p.staged) }

func (p *Plan) DiscardStaged() { p.staged = make(map[string]model.Zone) }

// CommitStaged：将暂存编辑一次性合入正式分配表，整次手势只产生一次愈合判定与一条日志
func (p *Plan) CommitStaged() Commit {
	if len(p.staged) == 0 {
		return Commit{}
	}
	changes := p.staged
	p.staged = make(map[string]model.Zone)
	return p.commit(changes)
}

func (p *Plan) commit(changes map[string]model.Zone) Commit {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	now := p.opts.Clock()
	var steps []step
	for _, path := range paths {
		z := changes[path]
		p.mustValidZone(z)
		if _, ok := p.shattered[path]; ok {
			logger.L().Debug("plan_assign_skip_shattered_parent", "path", path)
			continue
		}
		cur, ok := p.zones[path]
		if ok && cur == z {
			continue
		}
		steps = append(steps, p.applySet(path, z, true))
		if z != model.NoZone {
			p.zoneUpdated[z] = now
		}
		if ok && cur != model.NoZone {
			p.zoneUpdated[cur] = now
		}
	}
	if len(steps) == 0 {
		return Commit{}
	}
	steps = append(steps, p.healTouched(steps, nil)...)
	p.record(entry{steps: steps})
	return summarize(steps)
}

// healTouched：仅对本次提交触及其子单元的父单元做愈合判定
// 背景：判定只依赖各父单元自身子单元的状态，遍历顺序不影响结果；排序仅为日志与日志条目稳定。
func (p *Plan) healTouched(steps []step, skip map[string]struct{}) []step {
	touched := make(map[string]struct{})
	for _, s := range steps {
		if s.kind != stepSet {
			continue
		}
		if parent, ok := p.childParent[s.path]; ok {
			if _, skipped := skip[parent]; skipped {
				continue
			}
			touched[parent] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return nil
	}
	parents := make([]string, 0, len(touched))
	for parent := range touched {
		parents = append(parents, parent)
	}
	sort.Strings(parents)
	var out []step
	for _, parent := range parents {
		out = append(out, p.healIfUniform(parent)...)
	}
	return out
}

// ShouldHeal：子单元是否全部落在同一分区
// 约束：全部未分配只有在 HealUnassigned 打开时才算一致
func ShouldHeal(children []string, zoneOf func(string) model.Zone, healUnassigned bool) (model.Zone, bool) {
	if len(children) == 0 {
		panic("assign: heal evaluated with empty children set")
	}
	z0 := zoneOf(children[0])
	for _, c := range children[1:] {
		if zoneOf(c) != z0 {
			return model.NoZone, false
		}
	}
	if z0 == model.NoZone && !healUnassigned {
		return model.NoZone, false
	}
	return z0, true
}

func (p *Plan) healIfUniform(parent string) []step {
	children, ok := p.shattered[parent]
	if !ok {
		return nil
	}
	z, uniform := ShouldHeal(children, func(c string) model.Zone { return p.zones[c] }, p.opts.HealUnassigned)
	if !uniform {
		return nil
	}
	steps := make([]step, 0, len(children)+2)
	for _, c := range children {
		steps = append(steps, p.applySet(c, model.NoZone, false))
	}
	steps = append(steps, p.applyStructural(step{kind: stepHeal, path: parent, children: children}))
	steps = append(steps, p.applySet(parent, z, true))
	logger.L().Debug("plan_heal", "parent", parent, "zone", int(z), "children", len(children))
	return steps
}

// ApplyShatter：打散的同步部分（子单元查询由调用方在外部完成）
// 背景：父单元当前分区（可为空）会复制到每个新子单元，保证更细粒度下视觉与逻辑分配不变；
// 打散本身不触发愈合判定，否则一致的子单元会立即被合回。
// 异常：父单元已打散、本身是子单元、子集为空或与已有簿记冲突时返回错误且不修改任何状态。
func (p *Plan) ApplyShatter(parent string, children []string) (Commit, error) {
	if _, ok := p.shattered[parent]; ok {
		return Commit{}, ErrAlreadyShattered
	}
	if _, ok := p.childParent[parent]; ok {
		return Commit{}, ErrNotParent
	}
	uniq := dedupe(children)
	if len(uniq) == 0 {
		return Commit{}, ErrNoChildren
	}
	for _, c := range uniq {
		if c == parent {
			return Commit{}, fmt.Errorf("%w: %s", ErrChildConflict, c)
		}
		if _, ok := p.shattered[c]; ok {
			return Commit{}, fmt.Errorf("%w: %s", ErrChildConflict, c)
		}
		if _, ok := p.childParent[c]; ok {
			return Commit{}, fmt.Errorf("%w: %s", ErrChildConflict, c)
		}
	}
	z := p.zones[parent]
	steps := make([]step, 0, len(uniq)+1)
	steps = append(steps, p.applyStructural(step{kind: stepShatter, path: parent, children: uniq}))
	for _, c := range uniq {
		steps = append(steps, p.applySet(c, z, true))
	}
	p.record(entry{steps: steps})
	return summarize(steps), nil
}

func (p *Plan) IsShattered(parent string) bool {
	_, ok := p.shattered[parent]
	return ok
}

// ParentOf：子单元 → 父单元反向索引
func (p *Plan) ParentOf(child string) (string, bool) {
	parent, ok := p.childParent[child]
	return parent, ok
}

func (p *Plan) ChildrenOf(parent string) []string {
	return append([]string(nil), p.shattered[parent]...)
}

func (p *Plan) mustValidZone(z model.Zone) {
	if !z.Valid(p.opts.NumDistricts) {
		panic(fmt.Sprintf("assign: zone %d outside [1,%d]", z, p.opts.NumDistricts))
	}
}

// ZoneUpdatedAt：分区最近一次被涂抹/擦除的时间，供外部平局裁决使用
func (p *Plan) ZoneUpdatedAt(z model.Zone) (time.Time, bool) {
	t, ok := p.zoneUpdated[z]
	return t, ok
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
