package session

import (
	"context"
	"sync"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
)

// Manager：持有当前活动会话，负责文档切换
// 约束：切换时先打开新会话再关闭旧会话；旧会话在途的保存独立完成，只会写回它自己文档的本地记录。
type Manager struct {
	base Config

	mu  sync.Mutex
	cur *Session
}

func NewManager(base Config) *Manager {
	return &Manager{base: base}
}

func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Switch：打开 id 对应的会话并替换当前会话；打开失败时保留当前会话
func (m *Manager) Switch(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.Document().ID == id {
		return m.cur, nil
	}
	cfg := m.base
	cfg.DocumentID = id
	next, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	prev := m.cur
	m.cur = next
	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			logger.L().Warn("session_switch_close_fail", "document", prev.Document().ID, "err", err)
		}
	}
	logger.L().Info("session_switch", "document", id)
	return next, nil
}

// Stored：本地存储里的全部文档（每次重新查询）
func (m *Manager) Stored(ctx context.Context) ([]localdb.Record, error) {
	return m.base.Local.List(ctx)
}

func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	err := m.cur.Close(ctx)
	m.cur = nil
	return err
}
