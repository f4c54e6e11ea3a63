package migrate

import (
	"context"
	"database/sql"

	"districtr-sync/internal/logger"
)

// 背景：首次运行自动创建权威文档存储所需表与索引
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；zone 为 NULL 表示未分配，parent_path 仅打散子单元非空
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
            document_id   TEXT PRIMARY KEY,
            public_id     TEXT,
            num_districts INT NOT NULL CHECK (num_districts >= 1),
            parent_layer  TEXT NOT NULL DEFAULT '',
            child_layer   TEXT NOT NULL DEFAULT '',
            name          TEXT NOT NULL DEFAULT '',
            status        TEXT NOT NULL DEFAULT 'draft',
            tags          TEXT[] NOT NULL DEFAULT '{}',
            created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_documents_public_id ON documents(public_id) WHERE public_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS document_assignments (
            document_id TEXT NOT NULL REFERENCES documents(document_id) ON DELETE CASCADE,
            geo_id      TEXT NOT NULL,
            zone        INT,
            parent_path TEXT,
            PRIMARY KEY (document_id, geo_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_document_assignments_parent ON document_assignments(document_id, parent_path) WHERE parent_path IS NOT NULL`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
