// 包 session：单个文档的编辑会话编排
//
// 背景：分配表变更同步完成且由会话互斥锁串行化；持久化通过 time.AfterFunc 去抖；
// 保存与冲突解决的网络往返不持有会话锁，期间的新编辑留给下一次保存。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"districtr-sync/internal/assign"
	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
	"districtr-sync/internal/syncer"
)

var (
	ErrSaveInFlight    = errors.New("save already in flight")
	ErrNoConflict      = errors.New("no pending conflict")
	ErrClosed          = errors.New("session closed")
	ErrNoChildSource   = errors.New("no child source configured")
	ErrInvalidDocument = errors.New("invalid document")
)

const DefaultPersistDelay = 500 * time.Millisecond

// Config：会话依赖全部显式注入
type Config struct {
	DocumentID     string
	Local          localdb.Store
	Syncer         *syncer.Syncer
	Children       assign.ChildSource
	HealUnassigned bool
	JournalDepth   int
	PersistDelay   time.Duration
	Clock          func() time.Time
	Listener       func(Event)
}

func (c Config) withDefaults() Config {
	if c.PersistDelay <= 0 {
		c.PersistDelay = DefaultPersistDelay
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type pendingConflict struct {
	req  syncer.Request
	info syncer.ConflictInfo
}

// Session：单文档会话
// 约束：gen 每次非空提交递增；persistedGen 为已写入本地存储的最新代；persistMu 串行化本地写入，保证写入按代单调。
type Session struct {
	cfg Config

	mu            sync.Mutex
	doc           model.Document
	plan          *assign.Plan
	gen           uint64
	persistedGen  uint64
	dirty         bool
	clientUpdated time.Time
	timer         *time.Timer
	saving        bool
	degraded      bool
	closed        bool
	conflict      *pendingConflict

	persistMu sync.Mutex
}

// Open：优先从本地存储恢复；本地不存在时从远端拉取并立即落盘
// 异常：本地存储读失败时退回远端并发出降级事件；两边都拿不到则返回错误。
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.DocumentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidDocument)
	}
	s := &Session{cfg: cfg}
	var events []Event
	rec, err := cfg.Local.Get(ctx, cfg.DocumentID)
	switch {
	case err == nil:
		if err := s.load(rec.Document, rec.Assignments); err != nil {
			return nil, err
		}
		s.dirty = rec.Dirty
		s.clientUpdated = rec.ClientLastUpdated
		logger.L().Info("session_open_local", "document", rec.ID, "rows", len(rec.Assignments), "dirty", rec.Dirty, "version", rec.Document.Version)
		return s, nil
	case errors.Is(err, localdb.ErrNotFound):
	default:
		logger.L().Warn("session_local_read_fail", "document", cfg.DocumentID, "err", err)
		metrics.LocalPersistFailTotal.Inc()
		s.degraded = true
		events = append(events, Event{Kind: Degraded, DocumentID: cfg.DocumentID, Err: err})
	}
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("open %s: not stored locally and no remote configured", cfg.DocumentID)
	}
	doc, rows, err := fetchRemote(ctx, cfg.Syncer, cfg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DocumentID, err)
	}
	if err := s.load(doc, rows); err != nil {
		return nil, err
	}
	s.clientUpdated = cfg.Clock()
	logger.L().Info("session_open_remote", "document", doc.ID, "rows", len(rows), "version", doc.Version)
	s.emit(events)
	if err := s.Flush(ctx); err != nil {
		logger.L().Warn("session_initial_persist_fail", "document", doc.ID, "err", err)
	}
	return s, nil
}

func fetchRemote(ctx context.Context, sy *syncer.Syncer, id string) (model.Document, []model.Assignment, error) {
	var (
		doc  model.Document
		rows []model.Assignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		doc, err = sy.Remote().GetDocument(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = sy.Remote().GetAssignments(gctx, id)
		return err
	})
	return doc, rows, g.Wait()
}

// load：校验文档并构建分配表（调用方持锁或对象尚未发布）
func (s *Session) load(doc model.Document, rows []model.Assignment) error {
	plan, err := s.buildPlan(doc, rows)
	if err != nil {
		return err
	}
	s.doc = doc.Clone()
	s.plan = plan
	return nil
}

func (s *Session) buildPlan(doc model.Document, rows []model.Assignment) (*assign.Plan, error) {
	if doc.NumDistricts < 1 {
		return nil, fmt.Errorf("%w: %s has num_districts %d", ErrInvalidDocument, doc.ID, doc.NumDistricts)
	}
	plan := assign.New(assign.Options{
		NumDistricts:   doc.NumDistricts,
		HealUnassigned: s.cfg.HealUnassigned,
		JournalDepth:   s.cfg.JournalDepth,
		Clock:          s.cfg.Clock,
	})
	if err := plan.Restore(rows); err != nil {
		return nil, fmt.Errorf("restore %s: %w", doc.ID, err)
	}
	return plan, nil
}

func (s *Session) emit(events []Event) {
	if s.cfg.Listener == nil {
		return
	}
	for _, e := range events {
		s.cfg.Listener(e)
	}
}

// 读视图

func (s *Session) Document() model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

func (s *Session) Snapshot() map[string]model.Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Snapshot()
}

func (s *Session) ShatterState() assign.ShatterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.ShatterView()
}

func (s *Session) Entries() []model.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Entries()
}

func (s *Session) Zone(path string) (model.Zone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Zone(path)
}

func (s *Session) StagedZone(path string) (model.Zone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.StagedZone(path)
}

// Staged：只看暂存区，用于区分“涂抹中”与已提交的分区
func (s *Session) Staged(path string) (model.Zone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Staged(path)
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.CanRedo()
}

func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// PendingConflict：尚未解决的冲突（无则 nil）
func (s *Session) PendingConflict() *syncer.ConflictInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict == nil {
		return nil
	}
	info := s.conflict.info
	return &info
}

func (s *Session) ZoneUpdatedAt(z model.Zone) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.ZoneUpdatedAt(z)
}
