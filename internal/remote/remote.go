// 包 remote：权威文档存储的客户端契约及两种实现（进程内、HTTP）
package remote

import (
	"context"
	"errors"

	"districtr-sync/internal/model"
)

var (
	ErrNotFound     = errors.New("remote document not found")
	ErrStaleVersion = errors.New("stale document version")
	ErrExists       = errors.New("remote document already exists")
)

// Client：权威存储契约
// 背景：PushAssignments 仅在 expectedVersion 与服务端当前版本一致或 overwrite=true 时接受写入，
// 成功返回新版本令牌；不一致返回 ErrStaleVersion。CreateDocument 供 fork 使用，新文档不存在版本冲突。
type Client interface {
	GetDocument(ctx context.Context, id string) (model.Document, error)
	GetAssignments(ctx context.Context, id string) ([]model.Assignment, error)
	PushAssignments(ctx context.Context, id string, entries []model.Assignment, expectedVersion string, overwrite bool) (string, error)
	CreateDocument(ctx context.Context, doc model.Document, entries []model.Assignment) (model.Document, error)
}

// Directory：带文档列表的权威存储（服务端路由与 CLI 使用）
type Directory interface {
	Client
	ListDocuments(ctx context.Context) ([]model.Document, error)
}

// Authority：服务端持有的权威存储
// 约束：Snapshot 返回同一时刻的文档元数据与全部分配行，版本令牌与行集合一一对应。
type Authority interface {
	Directory
	Snapshot(ctx context.Context, id string) (model.Document, []model.Assignment, error)
}

// 传输结构：服务端路由与 HTTPClient 共用

type AssignmentsResponse struct {
	DocumentID  string             `json:"document_id"`
	Version     string             `json:"updated_at"`
	Assignments []model.Assignment `json:"assignments"`
}

type PushRequest struct {
	Assignments []model.Assignment `json:"assignments"`
}

type PushResponse struct {
	DocumentID string `json:"document_id"`
	Version    string `json:"updated_at"`
}

type CreateRequest struct {
	Document    model.Document     `json:"document"`
	Assignments []model.Assignment `json:"assignments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Version string `json:"updated_at,omitempty"`
}
