// 包 store: 权威文档存储的 PostgreSQL 实现，负责乐观版本校验与分配行的整体替换
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
)

// Store: 数据库访问入口，持有连接池并实现 remote.Authority
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

// Open: 使用 DSN 打开数据库连接并配置连接池参数
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	return AttachDB(db), nil
}

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const docColumns = `document_id, COALESCE(public_id, ''), num_districts, parent_layer, child_layer, name, status, tags, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanDocument(r rowScanner) (model.Document, error) {
	var (
		d  model.Document
		ts time.Time
	)
	if err := r.Scan(&d.ID, &d.PublicID, &d.NumDistricts, &d.ParentLayer, &d.ChildLayer, &d.Name, &d.Status, pq.Array(&d.Tags), &ts); err != nil {
		return model.Document{}, err
	}
	d.Version = model.FormatTime(ts)
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (model.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE document_id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, remote.ErrNotFound
	}
	return d, err
}

// ListDocuments: 按 document_id 排序
func (s *Store) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+docColumns+` FROM documents ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetAssignments: 文档的全部分配行（按 geo_id 排序）；文档不存在返回 remote.ErrNotFound
func (s *Store) GetAssignments(ctx context.Context, id string) ([]model.Assignment, error) {
	_, rows, err := s.Snapshot(ctx, id)
	return rows, err
}

// Snapshot：在同一个可重复读只读事务内读取文档元数据与全部分配行
// 背景：READ COMMITTED 下两条语句各取快照，中间提交的推送会让版本与行错位。
func (s *Store) Snapshot(ctx context.Context, id string) (model.Document, []model.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return model.Document{}, nil, err
	}
	defer tx.Rollback()
	d, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE document_id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, nil, remote.ErrNotFound
	}
	if err != nil {
		return model.Document{}, nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT geo_id, zone, parent_path FROM document_assignments WHERE document_id=$1 ORDER BY geo_id`, id)
	if err != nil {
		return model.Document{}, nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		var (
			a    model.Assignment
			zone sql.NullInt64
			pp   sql.NullString
		)
		if err := rows.Scan(&a.GeoID, &zone, &pp); err != nil {
			return model.Document{}, nil, err
		}
		a.Zone = model.Zone(zone.Int64)
		a.ParentPath = pp.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return model.Document{}, nil, err
	}
	return d, out, tx.Commit()
}

// 文档注释：带乐观版本校验的整体替换
// 背景：对文档行加 FOR UPDATE 锁后比较版本令牌，校验与替换在同一事务内完成，并发推送只会有一个成功。
// 约束：overwrite=true 跳过比较；新版本严格大于旧版本（毫秒精度），保证令牌每次推送都变化。
// 返回：新版本令牌；令牌不一致返回 remote.ErrStaleVersion，文档不存在返回 remote.ErrNotFound。
func (s *Store) PushAssignments(ctx context.Context, id string, entries []model.Assignment, expectedVersion string, overwrite bool) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var prev time.Time
	if err := tx.QueryRowContext(ctx, `SELECT updated_at FROM documents WHERE document_id=$1 FOR UPDATE`, id).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", remote.ErrNotFound
		}
		return "", err
	}
	if !overwrite && model.FormatTime(prev) != expectedVersion {
		logger.L().Info("store_push_stale", "document", id, "expected", expectedVersion, "current", model.FormatTime(prev))
		return "", remote.ErrStaleVersion
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_assignments WHERE document_id=$1`, id); err != nil {
		return "", err
	}
	if err := copyAssignments(ctx, tx, id, entries); err != nil {
		return "", err
	}
	next := nextVersion(prev, s.now())
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at=$2 WHERE document_id=$1`, id, next); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logger.L().Debug("store_push_ok", "document", id, "rows", len(entries), "overwrite", overwrite)
	return model.FormatTime(next), nil
}

// CreateDocument: id 为空时生成 uuid；重复 id 返回 remote.ErrExists
func (s *Store) CreateDocument(ctx context.Context, doc model.Document, entries []model.Assignment) (model.Document, error) {
	doc = doc.Clone()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = "draft"
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	ts := s.now().UTC().Truncate(time.Millisecond)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Document{}, err
	}
	defer tx.Rollback()
	var publicID any
	if doc.PublicID != "" {
		publicID = doc.PublicID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO documents(document_id, public_id, num_districts, parent_layer, child_layer, name, status, tags, created_at, updated_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		doc.ID, publicID, doc.NumDistricts, doc.ParentLayer, doc.ChildLayer, doc.Name, doc.Status, pq.Array(doc.Tags), ts)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.Document{}, fmt.Errorf("%w: %s", remote.ErrExists, doc.ID)
		}
		return model.Document{}, err
	}
	if err := copyAssignments(ctx, tx, doc.ID, entries); err != nil {
		return model.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Document{}, err
	}
	doc.Version = model.FormatTime(ts)
	logger.L().Info("store_document_created", "document", doc.ID, "rows", len(entries))
	return doc, nil
}

// copyAssignments：COPY 批量写入；zone 0 与空 parent_path 存为 NULL
func copyAssignments(ctx context.Context, tx *sql.Tx, id string, entries []model.Assignment) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("document_assignments", "document_id", "geo_id", "zone", "parent_path"))
	if err != nil {
		return err
	}
	for _, a := range entries {
		var zone, pp any
		if a.Zone != model.NoZone {
			zone = int64(a.Zone)
		}
		if a.ParentPath != "" {
			pp = a.ParentPath
		}
		if _, err := stmt.ExecContext(ctx, id, a.GeoID, zone, pp); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	return stmt.Close()
}

func nextVersion(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Millisecond)
	if floor := prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond); next.Before(floor) {
		next = floor
	}
	return next
}

var _ remote.Authority = (*Store)(nil)
