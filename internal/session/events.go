package session

import "districtr-sync/internal/syncer"

type EventKind int

const (
	SaveDone EventKind = iota
	SaveFatal
	Conflict
	Resolved
	Degraded
	Recovered
)

func (k EventKind) String() string {
	switch k {
	case SaveDone:
		return "save_done"
	case SaveFatal:
		return "save_fatal"
	case Conflict:
		return "conflict"
	case Resolved:
		return "resolved"
	case Degraded:
		return "degraded"
	case Recovered:
		return "recovered"
	}
	return "unknown"
}

// Event：推送给 UI 层的通知
// Degraded 表示本地持久化失败（内存状态仍然有效，但刷新后可能丢失）。
type Event struct {
	Kind       EventKind
	DocumentID string
	Version    string
	Conflict   *syncer.ConflictInfo
	Outcome    *syncer.Outcome
	Err        error
}
