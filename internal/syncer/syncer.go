// 包 syncer：乐观并发推送 + 写后校验的同步状态机，以及冲突解决
//
// 状态：Idle → Pushing → Verifying → Done | Fatal；Pushing → Conflict（版本过期）。
// 网络/版本错误以类型化结果返回，不用 panic 做控制流。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
)

type State int

const (
	Idle State = iota
	Pushing
	Verifying
	Done
	Fatal
	Conflict
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Verifying:
		return "verifying"
	case Done:
		return "done"
	case Fatal:
		return "fatal"
	case Conflict:
		return "conflict"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrVerifyMismatch：写后校验发现服务端行与提交行不一致（本次保存不可恢复，不自动重试）
var ErrVerifyMismatch = errors.New("post-write verification mismatch")

const maxReportedDiffs = 20

// VerifyError：校验失败详情，最多列出 20 个不一致的 geo_id
type VerifyError struct {
	DocumentID string
	Version    string
	Count      int
	GeoIDs     []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%v: document %s version %s: %d differing entries [%s]",
		ErrVerifyMismatch, e.DocumentID, e.Version, e.Count, strings.Join(e.GeoIDs, ","))
}

func (e *VerifyError) Unwrap() error { return ErrVerifyMismatch }

// Request：一次保存的输入
// 背景：Document.Version 即客户端最后一次观察到的服务端版本（期望版本）；Entries 为推送开始时刻的最新已提交状态。
type Request struct {
	Document      model.Document
	Entries       []model.Assignment
	ClientUpdated time.Time
	Overwrite     bool
}

// ConflictInfo：检测到分歧时刻的本地/远端文档对
type ConflictInfo struct {
	Local         model.Document
	LocalUpdated  time.Time
	Remote        model.Document
	RemoteUpdated time.Time
}

// Result：一次保存的终态
type Result struct {
	State    State
	Document model.Document
	Entries  []model.Assignment
	Conflict *ConflictInfo
}

// Option：可选项
type Option func(*Syncer)

// WithStateHook：状态迁移回调（测试与 UI 进度展示用）
func WithStateHook(fn func(docID string, s State)) Option {
	return func(s *Syncer) { s.hook = fn }
}

// WithClock：替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer：持有远端客户端与本地存储句柄，本身无可变状态，可被多个会话共享
type Syncer struct {
	remote remote.Client
	local  localdb.Store
	now    func() time.Time
	hook   func(string, State)
}

func New(rc remote.Client, ls localdb.Store, opts ...Option) *Syncer {
	s := &Syncer{remote: rc, local: ls, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Syncer) Remote() remote.Client { return s.remote }

func (s *Syncer) transition(id string, st State) {
	logger.L().Debug("sync_state", "document", id, "state", st.String())
	if s.hook != nil {
		s.hook(id, st)
	}
}

// Push：推送 → 校验 → 成功时用服务端确认的行与新版本覆盖本地记录
// 返回：版本过期时 State=Conflict 且 err 为 nil；校验失败返回 *VerifyError 且本地记录不变。
func (s *Syncer) Push(ctx context.Context, req Request) (Result, error) {
	t0 := s.now()
	res, err := s.pushAndVerify(ctx, req)
	metrics.SaveDurationMs.Observe(float64(s.now().Sub(t0).Milliseconds()))
	metrics.SavesTotal.WithLabelValues(res.State.String()).Inc()
	if err != nil || res.State != Done {
		return res, err
	}
	if s.local != nil {
		rec := localdb.Record{
			ID:                res.Document.ID,
			Document:          res.Document,
			Assignments:       res.Entries,
			ClientLastUpdated: req.ClientUpdated,
		}
		if rec.ClientLastUpdated.IsZero() {
			rec.ClientLastUpdated = s.now()
		}
		if err := s.local.Put(ctx, rec); err != nil {
			// 远端已经成功，本地写失败只作为降级信号由调用方处理
			logger.L().Warn("sync_local_update_fail", "document", res.Document.ID, "err", err)
			metrics.LocalPersistFailTotal.Inc()
			return res, fmt.Errorf("%w: %v", ErrLocalUpdate, err)
		}
	}
	logger.L().Info("sync_done", "document", res.Document.ID, "version", res.Document.Version, "rows", len(res.Entries))
	return res, nil
}

// ErrLocalUpdate：推送与校验均成功，但本地记录未能更新
var ErrLocalUpdate = errors.New("local store update after sync failed")

func (s *Syncer) pushAndVerify(ctx context.Context, req Request) (Result, error) {
	id := req.Document.ID
	entries := append([]model.Assignment(nil), req.Entries...)
	model.SortAssignments(entries)

	s.transition(id, Pushing)
	version, err := s.remote.PushAssignments(ctx, id, entries, req.Document.Version, req.Overwrite)
	if errors.Is(err, remote.ErrStaleVersion) {
		return s.conflict(ctx, req)
	}
	if err != nil {
		s.transition(id, Fatal)
		logger.L().Warn("sync_push_fail", "document", id, "err", err)
		return Result{State: Fatal}, fmt.Errorf("push %s: %w", id, err)
	}

	s.transition(id, Verifying)
	got, err := s.remote.GetAssignments(ctx, id)
	if err != nil {
		s.transition(id, Fatal)
		logger.L().Warn("sync_verify_fetch_fail", "document", id, "version", version, "err", err)
		return Result{State: Fatal}, fmt.Errorf("verify fetch %s: %w", id, err)
	}
	if diffs := CompareEntries(entries, got); len(diffs) > 0 {
		s.transition(id, Fatal)
		metrics.VerifyMismatchTotal.Inc()
		ve := &VerifyError{DocumentID: id, Version: version, Count: len(diffs), GeoIDs: diffs}
		if len(ve.GeoIDs) > maxReportedDiffs {
			ve.GeoIDs = ve.GeoIDs[:maxReportedDiffs]
		}
		logger.L().Error("sync_verify_mismatch", "document", id, "version", version, "count", len(diffs), "sample", ve.GeoIDs)
		return Result{State: Fatal}, ve
	}

	doc := req.Document.Clone()
	doc.Version = version
	s.transition(id, Done)
	return Result{State: Done, Document: doc, Entries: normalize(got)}, nil
}

// conflict：版本过期后拉取远端文档构造冲突信息
func (s *Syncer) conflict(ctx context.Context, req Request) (Result, error) {
	id := req.Document.ID
	rdoc, err := s.remote.GetDocument(ctx, id)
	if err != nil {
		s.transition(id, Fatal)
		return Result{State: Fatal}, fmt.Errorf("fetch remote %s after stale version: %w", id, err)
	}
	info := &ConflictInfo{
		Local:        req.Document.Clone(),
		LocalUpdated: req.ClientUpdated,
		Remote:       rdoc,
	}
	if t, err := model.ParseTime(rdoc.Version); err == nil {
		info.RemoteUpdated = t
	}
	s.transition(id, Conflict)
	logger.L().Info("sync_conflict", "document", id, "local_version", req.Document.Version, "remote_version", rdoc.Version)
	return Result{State: Conflict, Document: req.Document.Clone(), Conflict: info}, nil
}

// CompareEntries：双向逐条比较（geo_id, zone, parent_path），返回不一致的 geo_id（已排序）
// 约束：zone 为空且无 parent_path 的行与缺失等价。
func CompareEntries(want, got []model.Assignment) []string {
	w := index(want)
	g := index(got)
	var out []string
	for id, a := range w {
		if b, ok := g[id]; !ok || a != b {
			out = append(out, id)
		}
	}
	for id := range g {
		if _, ok := w[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func index(rows []model.Assignment) map[string]model.Assignment {
	m := make(map[string]model.Assignment, len(rows))
	for _, r := range rows {
		if r.Zone == model.NoZone && r.ParentPath == "" {
			continue
		}
		m[r.GeoID] = r
	}
	return m
}

func normalize(rows []model.Assignment) []model.Assignment {
	out := append([]model.Assignment(nil), rows...)
	model.SortAssignments(out)
	return out
}
