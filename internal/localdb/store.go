// 包 localdb：离线优先的本地方案存储（按文档 id 整条记录读写）
//
// 约束：写入为整条记录替换，不做字段级部分更新；读取不得观察到写了一半的记录。
// 存储失败原样返回，重试策略由上层决定。
package localdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"districtr-sync/internal/model"
)

var ErrNotFound = errors.New("local record not found")

// Record：单个文档在本地的完整快照
// 背景：打散关系不单独存储，通过 Assignments 中非空的 ParentPath 恢复；
// Dirty 表示本地存在尚未被服务端确认的编辑（keep-local 依赖它）。
type Record struct {
	ID                string             `json:"id"`
	Document          model.Document     `json:"document_metadata"`
	Assignments       []model.Assignment `json:"assignments"`
	ClientLastUpdated time.Time          `json:"clientLastUpdated"`
	Dirty             bool               `json:"dirty,omitempty"`
}

// Clone：深拷贝，避免调用方修改已写入存储的切片
func (r Record) Clone() Record {
	r.Document = r.Document.Clone()
	r.Assignments = append([]model.Assignment(nil), r.Assignments...)
	return r
}

// Validate：写入前的最小校验
func (r Record) Validate() error {
	if r.ID == "" {
		return errors.New("local record: empty id")
	}
	if r.Document.ID != "" && r.Document.ID != r.ID {
		return fmt.Errorf("local record: id %q does not match document %q", r.ID, r.Document.ID)
	}
	seen := make(map[string]struct{}, len(r.Assignments))
	for _, a := range r.Assignments {
		if a.GeoID == "" {
			return fmt.Errorf("local record %s: empty geo id", r.ID)
		}
		if _, dup := seen[a.GeoID]; dup {
			return fmt.Errorf("local record %s: duplicate geo id %s", r.ID, a.GeoID)
		}
		seen[a.GeoID] = struct{}{}
	}
	return nil
}

// Store：本地存储契约
// List 每次调用都重新查询，返回的切片只反映调用时刻的内容。
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}
