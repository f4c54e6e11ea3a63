// 包 model：引擎与各存储层共享的最小数据结构（文档元数据、分配行、分区编号）
package model

import (
	"sort"
	"time"
)

// Zone：分区编号，合法区间 [1, N]；NoZone 表示未分配
// 约束：显式的 NoZone 条目与缺失条目在读取时等价
type Zone int

const NoZone Zone = 0

// Valid：判断分区编号是否落在 [0, n] 内（0 为未分配）
func (z Zone) Valid(n int) bool { return z >= 0 && int(z) <= n }

// 文档状态
const (
	StatusDraft  = "draft"
	StatusReady  = "ready"
	StatusShared = "shared"
)

// Document：一次划区方案的元数据
// 背景：Version 为服务端 updated_at 的不透明版本令牌，作为整套分配的唯一乐观并发版本号；客户端只做相等比较。
type Document struct {
	ID           string   `json:"document_id"`
	PublicID     string   `json:"public_id,omitempty"`
	NumDistricts int      `json:"num_districts"`
	ParentLayer  string   `json:"parent_layer"`
	ChildLayer   string   `json:"child_layer,omitempty"`
	Version      string   `json:"updated_at"`
	Name         string   `json:"name,omitempty"`
	Status       string   `json:"status,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Clone：深拷贝，避免 Tags 切片在多个记录间共享
func (d Document) Clone() Document {
	if d.Tags != nil {
		d.Tags = append([]string(nil), d.Tags...)
	}
	return d
}

// Assignment：持久化/传输行 (geo_id, zone, parent_path)
// 约束：ParentPath 仅对当前处于打散状态的子单元非空；重载时据此恢复打散关系。
type Assignment struct {
	GeoID      string `json:"geo_id"`
	Zone       Zone   `json:"zone"`
	ParentPath string `json:"parent_path,omitempty"`
}

// SortAssignments：按 geo_id 排序，保证比较与落盘顺序稳定
func SortAssignments(rows []Assignment) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].GeoID < rows[j].GeoID })
}

// FormatTime / ParseTime：客户端时间戳统一使用 RFC3339（毫秒精度，UTC）
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
