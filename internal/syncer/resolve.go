package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
)

// Resolution：四种互斥的冲突解决方式
type Resolution string

const (
	UseServer Resolution = "use-server"
	UseLocal  Resolution = "use-local"
	Fork      Resolution = "fork"
	KeepLocal Resolution = "keep-local"
)

var Resolutions = []Resolution{UseServer, UseLocal, Fork, KeepLocal}

// ParseResolution：解析 CLI/环境变量输入（大小写与下划线宽松）
func ParseResolution(s string) (Resolution, error) {
	v := Resolution(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, r := range Resolutions {
		if r == v {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown conflict resolution %q", s)
}

// Outcome：解决后的暂存状态，由调用方一次性提交到内存分配表与本地存储
// 约束：ForkedFrom 仅在 fork 时非空，此时原文档的本地记录保持不动，Document 为新文档。
type Outcome struct {
	Resolution Resolution
	Document   model.Document
	Entries    []model.Assignment
	Dirty      bool
	ForkedFrom string
}

// Record：把结果渲染为本地记录
func (o Outcome) Record(clientUpdated time.Time) localdb.Record {
	return localdb.Record{
		ID:                o.Document.ID,
		Document:          o.Document.Clone(),
		Assignments:       append([]model.Assignment(nil), o.Entries...),
		ClientLastUpdated: clientUpdated,
		Dirty:             o.Dirty,
	}
}

// Resolve：执行恰好一种解决方式；网络失败时返回错误，调用方状态保持冲突前的样子
// 背景：use-server 并发拉取文档与分配行；use-local 带 overwrite 重新推送并校验；
// fork 以本地分配创建新文档并校验；keep-local 不发起任何网络调用。
func (s *Syncer) Resolve(ctx context.Context, r Resolution, req Request, info ConflictInfo) (Outcome, error) {
	id := req.Document.ID
	logger.L().Info("sync_resolve_begin", "document", id, "resolution", string(r),
		"local_version", info.Local.Version, "remote_version", info.Remote.Version)
	var (
		out Outcome
		err error
	)
	switch r {
	case UseServer:
		out, err = s.useServer(ctx, id)
	case UseLocal:
		out, err = s.useLocal(ctx, req)
	case Fork:
		out, err = s.fork(ctx, req)
	case KeepLocal:
		out = Outcome{Document: req.Document.Clone(), Entries: normalize(req.Entries), Dirty: true}
	default:
		return Outcome{}, fmt.Errorf("unknown conflict resolution %q", r)
	}
	if err != nil {
		logger.L().Warn("sync_resolve_fail", "document", id, "resolution", string(r), "err", err)
		return Outcome{}, err
	}
	out.Resolution = r
	metrics.ConflictResolutionsTotal.WithLabelValues(string(r)).Inc()
	logger.L().Info("sync_resolve_done", "document", id, "resolution", string(r),
		"result_document", out.Document.ID, "version", out.Document.Version, "rows", len(out.Entries))
	return out, nil
}

func (s *Syncer) useServer(ctx context.Context, id string) (Outcome, error) {
	var (
		doc  model.Document
		rows []model.Assignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		doc, err = s.remote.GetDocument(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = s.remote.GetAssignments(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return Outcome{}, fmt.Errorf("use-server fetch %s: %w", id, err)
	}
	return Outcome{Document: doc, Entries: normalize(rows)}, nil
}

func (s *Syncer) useLocal(ctx context.Context, req Request) (Outcome, error) {
	req.Overwrite = true
	res, err := s.pushAndVerify(ctx, req)
	metrics.SavesTotal.WithLabelValues(res.State.String()).Inc()
	if err != nil {
		return Outcome{}, err
	}
	if res.State != Done {
		return Outcome{}, fmt.Errorf("use-local push %s ended in state %s", req.Document.ID, res.State)
	}
	return Outcome{Document: res.Document, Entries: res.Entries}, nil
}

// fork：新 id 由 uuid 生成，PublicID 不继承
func (s *Syncer) fork(ctx context.Context, req Request) (Outcome, error) {
	doc := req.Document.Clone()
	doc.ID = uuid.NewString()
	doc.PublicID = ""
	doc.Version = ""
	doc.Status = model.StatusDraft
	entries := normalize(req.Entries)
	created, err := s.remote.CreateDocument(ctx, doc, entries)
	if err != nil {
		return Outcome{}, fmt.Errorf("fork %s: %w", req.Document.ID, err)
	}
	got, err := s.remote.GetAssignments(ctx, created.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("fork verify fetch %s: %w", created.ID, err)
	}
	if diffs := CompareEntries(entries, got); len(diffs) > 0 {
		metrics.VerifyMismatchTotal.Inc()
		ve := &VerifyError{DocumentID: created.ID, Version: created.Version, Count: len(diffs), GeoIDs: diffs}
		if len(ve.GeoIDs) > maxReportedDiffs {
			ve.GeoIDs = ve.GeoIDs[:maxReportedDiffs]
		}
		return Outcome{}, ve
	}
	logger.L().Info("sync_fork_created", "from", req.Document.ID, "document", created.ID, "version", created.Version)
	return Outcome{Document: created, Entries: normalize(got), ForkedFrom: req.Document.ID}, nil
}
