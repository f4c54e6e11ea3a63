package session

import (
	"context"
	"fmt"
	"time"

	"districtr-sync/internal/assign"
	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
)

// Assign：一次性把 units 设为 zone
func (s *Session) Assign(zone model.Zone, units []string) assign.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logger.L().Warn("session_mutation_after_close", "document", s.doc.ID, "op", "assign")
		return assign.Commit{}
	}
	c := s.plan.Assign(zone, units)
	s.afterCommitLocked(c, "assign")
	return c
}

// Stage：涂抹手势中的暂存编辑，不触发持久化
func (s *Session) Stage(zone model.Zone, units []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.plan.Stage(zone, units)
}

func (s *Session) CommitStaged() assign.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logger.L().Warn("session_mutation_after_close", "document", s.doc.ID, "op", "commit_staged")
		return assign.Commit{}
	}
	c := s.plan.CommitStaged()
	s.afterCommitLocked(c, "staged")
	return c
}

func (s *Session) DiscardStaged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan.DiscardStaged()
}

func (s *Session) Undo() (assign.Commit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return assign.Commit{}, false
	}
	c, ok := s.plan.Undo()
	s.afterCommitLocked(c, "undo")
	return c, ok
}

func (s *Session) Redo() (assign.Commit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return assign.Commit{}, false
	}
	c, ok := s.plan.Redo()
	s.afterCommitLocked(c, "redo")
	return c, ok
}

// Shatter：子单元查询期间不持有会话锁，涂抹可以继续
// 异常：查询失败包装为 assign.ErrDecomposition，状态不变；查询返回后父单元若已被他处打散则返回 assign 的错误。
func (s *Session) Shatter(ctx context.Context, parent string) ([]string, assign.Commit, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, assign.Commit{}, ErrClosed
	}
	if s.cfg.Children == nil {
		s.mu.Unlock()
		return nil, assign.Commit{}, ErrNoChildSource
	}
	err := s.plan.CanShatter(parent)
	s.mu.Unlock()
	if err != nil {
		metrics.ShatterFailTotal.Inc()
		return nil, assign.Commit{}, err
	}

	children, err := s.cfg.Children.Children(ctx, parent)
	if err != nil {
		metrics.ShatterFailTotal.Inc()
		logger.L().Warn("session_shatter_lookup_fail", "parent", parent, "err", err)
		return nil, assign.Commit{}, fmt.Errorf("%w: %s: %v", assign.ErrDecomposition, parent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, assign.Commit{}, ErrClosed
	}
	c, err := s.plan.ApplyShatter(parent, children)
	if err != nil {
		metrics.ShatterFailTotal.Inc()
		return nil, assign.Commit{}, err
	}
	s.afterCommitLocked(c, "shatter")
	return s.plan.ChildrenOf(parent), c, nil
}

// afterCommitLocked：非空提交推进代号、标脏并安排去抖持久化
func (s *Session) afterCommitLocked(c assign.Commit, source string) {
	if c.Empty() {
		return
	}
	s.gen++
	s.dirty = true
	s.clientUpdated = s.cfg.Clock()
	metrics.PlanCommitsTotal.WithLabelValues(source).Inc()
	metrics.PlanUnitsChanged.Observe(float64(len(c.Changes)))
	if n := len(c.Shattered); n > 0 {
		metrics.ShattersTotal.Add(float64(n))
	}
	if n := len(c.Healed); n > 0 {
		metrics.HealsTotal.Add(float64(n))
	}
	logger.L().Debug("plan_commit", "document", s.doc.ID, "source", source, "gen", s.gen,
		"changes", len(c.Changes), "shattered", c.Shattered, "healed", c.Healed)
	s.schedulePersistLocked()
}

func (s *Session) schedulePersistLocked() {
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.PersistDelay, s.onPersistTimer)
		return
	}
	s.timer.Reset(s.cfg.PersistDelay)
}

func (s *Session) onPersistTimer() {
	_ = s.persist(context.Background(), false)
}

// Flush：立即持久化当前已提交状态（不含暂存区）
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.persist(ctx, true)
}

func (s *Session) recordLocked() localdb.Record {
	return localdb.Record{
		ID:                s.doc.ID,
		Document:          s.doc.Clone(),
		Assignments:       s.plan.Entries(),
		ClientLastUpdated: s.clientUpdated,
		Dirty:             s.dirty,
	}
}

// persist：把当前代写入本地存储
// 约束：persistMu 保证快照与写入成对串行，后写入的代号不小于先写入的；写失败发出降级事件，恢复后发出恢复事件。
func (s *Session) persist(ctx context.Context, force bool) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if !force && (s.closed || s.gen <= s.persistedGen) {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	rec := s.recordLocked()
	s.mu.Unlock()

	err := s.cfg.Local.Put(ctx, rec)

	var events []Event
	s.mu.Lock()
	if err != nil {
		metrics.LocalPersistFailTotal.Inc()
		logger.L().Warn("session_persist_fail", "document", rec.ID, "gen", gen, "err", err)
		if !s.degraded {
			s.degraded = true
			events = append(events, Event{Kind: Degraded, DocumentID: rec.ID, Err: err})
		}
	} else {
		if gen > s.persistedGen {
			s.persistedGen = gen
		}
		logger.L().Debug("session_persist_ok", "document", rec.ID, "gen", gen, "rows", len(rec.Assignments))
		if s.degraded {
			s.degraded = false
			events = append(events, Event{Kind: Recovered, DocumentID: rec.ID})
		}
	}
	s.mu.Unlock()
	s.emit(events)
	return err
}

// Close：停止去抖定时器并落盘；拒绝后续编辑。进行中的保存独立完成，只写回本文档的本地记录
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	pending := s.gen > s.persistedGen
	id := s.doc.ID
	s.mu.Unlock()

	var err error
	if pending {
		err = s.persist(ctx, true)
	}
	logger.L().Info("session_close", "document", id, "flushed", pending)
	return err
}
