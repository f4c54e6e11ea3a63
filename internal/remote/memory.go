package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
)

type memDoc struct {
	doc  model.Document
	rows []model.Assignment
}

// Memory：进程内权威存储，版本规则与 Postgres 实现一致
// 背景：用于测试与 CLI 的离线演示模式；版本令牌由 NextVersion 生成，默认是严格递增的毫秒时间戳。
type Memory struct {
	mu   sync.Mutex
	docs map[string]*memDoc
	last time.Time

	NextVersion func() string
	Now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memDoc), Now: time.Now}
}

// Seed：直接写入一份文档（测试与导入用），不做版本检查
func (m *Memory) Seed(doc model.Document, rows []model.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = &memDoc{doc: doc.Clone(), rows: cloneRows(rows)}
}

func (m *Memory) GetDocument(ctx context.Context, id string) (model.Document, error) {
	if err := ctx.Err(); err != nil {
		return model.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return model.Document{}, ErrNotFound
	}
	return d.doc.Clone(), nil
}

func (m *Memory) GetAssignments(ctx context.Context, id string) ([]model.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRows(d.rows), nil
}

func (m *Memory) Snapshot(ctx context.Context, id string) (model.Document, []model.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return model.Document{}, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return model.Document{}, nil, ErrNotFound
	}
	return d.doc.Clone(), cloneRows(d.rows), nil
}

// ListDocuments：按 id 排序的全部文档元数据
func (m *Memory) ListDocuments(ctx context.Context) ([]model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d.doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PushAssignments(ctx context.Context, id string, entries []model.Assignment, expectedVersion string, overwrite bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return "", ErrNotFound
	}
	if !overwrite && d.doc.Version != expectedVersion {
		logger.L().Debug("remote_push_stale", "document", id, "expected", expectedVersion, "current", d.doc.Version)
		return "", ErrStaleVersion
	}
	d.rows = cloneRows(entries)
	d.doc.Version = m.version()
	return d.doc.Version, nil
}

// CreateDocument：新建文档；id 为空时生成 uuid
func (m *Memory) CreateDocument(ctx context.Context, doc model.Document, entries []model.Assignment) (model.Document, error) {
	if err := ctx.Err(); err != nil {
		return model.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, ok := m.docs[doc.ID]; ok {
		return model.Document{}, fmt.Errorf("%w: %s", ErrExists, doc.ID)
	}
	doc = doc.Clone()
	doc.Version = m.version()
	m.docs[doc.ID] = &memDoc{doc: doc, rows: cloneRows(entries)}
	return doc.Clone(), nil
}

// version：调用方已持锁
func (m *Memory) version() string {
	if m.NextVersion != nil {
		return m.NextVersion()
	}
	now := m.Now().UTC().Truncate(time.Millisecond)
	if !now.After(m.last) {
		now = m.last.Add(time.Millisecond)
	}
	m.last = now
	return model.FormatTime(now)
}

func cloneRows(rows []model.Assignment) []model.Assignment {
	out := append([]model.Assignment(nil), rows...)
	model.SortAssignments(out)
	return out
}

var _ Authority = (*Memory)(nil)
