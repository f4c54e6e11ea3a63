package session

import (
	"context"
	"errors"
	"fmt"

	"districtr-sync/internal/assign"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/syncer"
)

// Save：以推送开始时刻的最新已提交状态执行一次保存
// 背景：暂存区不参与保存；推送期间到达的新提交保持脏标记，由下一次保存负责。
// 返回：同一时刻只允许一个保存或冲突解决在途（ErrSaveInFlight）；冲突不是错误，结果 State=Conflict。
func (s *Session) Save(ctx context.Context, overwrite bool) (syncer.Result, error) {
	s.mu.Lock()
	if s.cfg.Syncer == nil {
		s.mu.Unlock()
		return syncer.Result{}, errors.New("save: no remote configured")
	}
	if s.saving {
		s.mu.Unlock()
		return syncer.Result{}, ErrSaveInFlight
	}
	s.saving = true
	id := s.doc.ID
	pushedGen := s.gen
	req := syncer.Request{
		Document:      s.doc.Clone(),
		Entries:       s.plan.Entries(),
		ClientUpdated: s.clientUpdated,
		Overwrite:     overwrite,
	}
	s.mu.Unlock()

	logger.L().Info("session_save_begin", "document", id, "gen", pushedGen, "rows", len(req.Entries), "overwrite", overwrite)
	res, err := s.cfg.Syncer.Push(ctx, req)

	s.mu.Lock()
	s.saving = false
	if s.doc.ID != id {
		s.mu.Unlock()
		logger.L().Info("save_result_discarded", "document", id, "current", s.Document().ID, "state", res.State.String())
		return res, err
	}
	var events []Event
	persistNow := false
	switch res.State {
	case syncer.Done:
		s.doc.Version = res.Document.Version
		s.conflict = nil
		if s.gen == pushedGen {
			s.dirty = false
		} else if s.persistedGen > pushedGen {
			// 同步器刚用推送快照覆盖了本地记录，推送期间已落盘的编辑需要重新写回
			s.persistedGen = pushedGen
		}
		persistNow = true
		events = append(events, Event{Kind: SaveDone, DocumentID: id, Version: res.Document.Version})
		if errors.Is(err, syncer.ErrLocalUpdate) && !s.degraded {
			s.degraded = true
			events = append(events, Event{Kind: Degraded, DocumentID: id, Err: err})
		}
	case syncer.Conflict:
		s.conflict = &pendingConflict{req: req, info: *res.Conflict}
		events = append(events, Event{Kind: Conflict, DocumentID: id, Conflict: res.Conflict})
	default:
		events = append(events, Event{Kind: SaveFatal, DocumentID: id, Err: err})
	}
	midPush := s.gen != pushedGen
	s.mu.Unlock()
	s.emit(events)

	// 推送完成后以新版本重写本地记录：推送期间的编辑保持脏标记
	if persistNow {
		if perr := s.persist(ctx, true); perr != nil {
			logger.L().Warn("session_post_save_persist_fail", "document", id, "err", perr)
		}
	}
	logger.L().Info("session_save_end", "document", id, "state", res.State.String(), "edits_during_push", midPush)
	return res, err
}

// Resolve：对挂起的冲突执行一种解决方式
// 背景：网络往返不持锁；提交阶段在 persistMu + 会话锁内先写本地存储再替换内存状态，二者之间不存在可见的中间态。
// 约束：use-server 丢弃解决期间的本地编辑；其余方式保留它们并维持脏标记。fork 不改动原文档的本地记录。
func (s *Session) Resolve(ctx context.Context, r syncer.Resolution) (syncer.Outcome, error) {
	s.mu.Lock()
	if s.conflict == nil {
		s.mu.Unlock()
		return syncer.Outcome{}, ErrNoConflict
	}
	if s.saving {
		s.mu.Unlock()
		return syncer.Outcome{}, ErrSaveInFlight
	}
	s.saving = true
	pc := *s.conflict
	pc.req.Document = s.doc.Clone()
	pc.req.Entries = s.plan.Entries()
	pc.req.ClientUpdated = s.clientUpdated
	pc.req.Overwrite = false
	startGen := s.gen
	id := s.doc.ID
	s.mu.Unlock()

	out, err := s.cfg.Syncer.Resolve(ctx, r, pc.req, pc.info)
	if err != nil {
		s.mu.Lock()
		s.saving = false
		s.mu.Unlock()
		return out, err
	}
	events, dirty, err := s.commitOutcome(ctx, r, out, id, startGen)
	s.emit(events)
	if err != nil {
		return out, err
	}
	logger.L().Info("session_resolved", "document", id, "resolution", string(r), "result_document", out.Document.ID, "dirty", dirty)
	return out, nil
}

// commitOutcome：暂存后提交；本地写失败只发降级事件，内存状态照常切换
func (s *Session) commitOutcome(ctx context.Context, r syncer.Resolution, out syncer.Outcome, id string, startGen uint64) ([]Event, bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false
	if s.doc.ID != id {
		logger.L().Info("save_result_discarded", "document", id, "resolution", string(r))
		return nil, false, nil
	}

	var plan *assign.Plan
	if r == syncer.UseServer {
		var err error
		plan, err = s.buildPlan(out.Document, out.Entries)
		if err != nil {
			return nil, false, fmt.Errorf("apply %s: %w", r, err)
		}
	}
	now := s.cfg.Clock()
	rec := out.Record(now)
	if plan == nil && s.gen != startGen {
		rec.Assignments = s.plan.Entries()
		rec.Dirty = true
	}
	putErr := s.cfg.Local.Put(ctx, rec)

	s.doc = out.Document.Clone()
	if plan != nil {
		s.plan = plan
	}
	s.dirty = rec.Dirty
	s.clientUpdated = now
	s.conflict = nil
	s.gen++
	events := []Event{{Kind: Resolved, DocumentID: s.doc.ID, Version: s.doc.Version, Outcome: &out}}
	if putErr != nil {
		logger.L().Warn("session_resolve_persist_fail", "document", rec.ID, "err", putErr)
		if !s.degraded {
			s.degraded = true
			events = append(events, Event{Kind: Degraded, DocumentID: rec.ID, Err: putErr})
		}
	} else {
		s.persistedGen = s.gen
	}
	return events, rec.Dirty, nil
}
