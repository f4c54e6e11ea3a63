// 包 sqlite：基于 modernc.org/sqlite（纯 Go）的本地方案存储
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		metadata TEXT NOT NULL,
		client_last_updated TEXT NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS plan_assignments (
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		geo_id TEXT NOT NULL,
		zone INTEGER,
		parent_path TEXT,
		PRIMARY KEY (plan_id, geo_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plan_assignments_parent ON plan_assignments(plan_id, parent_path)`,
}

// Store：SQLite 本地存储
// 背景：单连接串行化写入；WAL 模式下读事务看到的是一致快照，配合整条记录事务替换，读者不会观察到半条记录。
type Store struct {
	db   *sql.DB
	path string
}

// Open：打开（必要时创建）数据库文件并建表
// 约束：PRAGMA 失败只记录调试日志，建表失败返回错误并关闭连接。
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(p); err != nil {
			logger.L().Debug("localdb_pragma_fail", "pragma", p, "err", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init local db schema: %w", err)
		}
	}
	logger.L().Info("localdb_open_ok", "path", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Put：单事务内替换元数据与全部分配行
func (s *Store) Put(ctx context.Context, rec localdb.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(rec.Document)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO plans(id, metadata, client_last_updated, dirty) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET metadata=excluded.metadata, client_last_updated=excluded.client_last_updated, dirty=excluded.dirty`,
		rec.ID, string(meta), model.FormatTime(rec.ClientLastUpdated), boolInt(rec.Dirty))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_assignments WHERE plan_id=?`, rec.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO plan_assignments(plan_id, geo_id, zone, parent_path) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range rec.Assignments {
		if _, err := stmt.ExecContext(ctx, rec.ID, a.GeoID, zoneValue(a.Zone), nullString(a.ParentPath)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.L().Debug("localdb_put", "id", rec.ID, "rows", len(rec.Assignments), "dirty", rec.Dirty)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (localdb.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdb.Record{}, err
	}
	defer tx.Rollback()
	var (
		meta, ts string
		dirty    int
	)
	err = tx.QueryRowContext(ctx, `SELECT metadata, client_last_updated, dirty FROM plans WHERE id=?`, id).Scan(&meta, &ts, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return localdb.Record{}, localdb.ErrNotFound
	}
	if err != nil {
		return localdb.Record{}, err
	}
	rec, err := decodeRecord(id, meta, ts, dirty)
	if err != nil {
		return localdb.Record{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT geo_id, zone, parent_path FROM plan_assignments WHERE plan_id=? ORDER BY geo_id`, id)
	if err != nil {
		return localdb.Record{}, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return localdb.Record{}, err
		}
		rec.Assignments = append(rec.Assignments, a)
	}
	if err := rows.Err(); err != nil {
		return localdb.Record{}, err
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_assignments WHERE plan_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// List：单个读事务内取出全部记录，按 id 排序
func (s *Store) List(ctx context.Context) ([]localdb.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	prows, err := tx.QueryContext(ctx, `SELECT id, metadata, client_last_updated, dirty FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []localdb.Record
	idx := make(map[string]int)
	for prows.Next() {
		var (
			id, meta, ts string
			dirty        int
		)
		if err := prows.Scan(&id, &meta, &ts, &dirty); err != nil {
			prows.Close()
			return nil, err
		}
		rec, err := decodeRecord(id, meta, ts, dirty)
		if err != nil {
			prows.Close()
			return nil, err
		}
		idx[id] = len(out)
		out = append(out, rec)
	}
	if err := prows.Close(); err != nil {
		return nil, err
	}
	arows, err := tx.QueryContext(ctx, `SELECT plan_id, geo_id, zone, parent_path FROM plan_assignments ORDER BY plan_id, geo_id`)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var (
			planID string
			geoID  string
			zone   sql.NullInt64
			parent sql.NullString
		)
		if err := arows.Scan(&planID, &geoID, &zone, &parent); err != nil {
			return nil, err
		}
		i, ok := idx[planID]
		if !ok {
			continue
		}
		out[i].Assignments = append(out[i].Assignments, model.Assignment{GeoID: geoID, Zone: model.Zone(zone.Int64), ParentPath: parent.String})
	}
	return out, arows.Err()
}

func (s *Store) Close() error {
	logger.L().Debug("localdb_close", "path", s.path)
	return s.db.Close()
}

func decodeRecord(id, meta, ts string, dirty int) (localdb.Record, error) {
	rec := localdb.Record{ID: id, Dirty: dirty != 0}
	if err := json.Unmarshal([]byte(meta), &rec.Document); err != nil {
		return localdb.Record{}, fmt.Errorf("local record %s: decode metadata: %w", id, err)
	}
	t, err := model.ParseTime(ts)
	if err != nil {
		return localdb.Record{}, fmt.Errorf("local record %s: decode timestamp: %w", id, err)
	}
	rec.ClientLastUpdated = t
	return rec, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanAssignment(r scanner) (model.Assignment, error) {
	var (
		a      model.Assignment
		zone   sql.NullInt64
		parent sql.NullString
	)
	if err := r.Scan(&a.GeoID, &zone, &parent); err != nil {
		return a, err
	}
	a.Zone = model.Zone(zone.Int64)
	a.ParentPath = parent.String
	return a, nil
}

// zoneValue：未分配写为 NULL
func zoneValue(z model.Zone) any {
	if z == model.NoZone {
		return nil
	}
	return int64(z)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ localdb.Store = (*Store)(nil)
