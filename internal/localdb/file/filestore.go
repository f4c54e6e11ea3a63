// 包 file：每个文档一个 JSON 文件的本地存储
package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
)

const ext = ".json"

// Store：目录下每个文档一个 <id>.json
// 约束：写入先落到同目录临时文件，fsync 后 rename 覆盖，POSIX 下读者只会看到旧记录或新记录。
type Store struct {
	dir string
}

// Open：确保目录存在并返回文件存储
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logger.L().Debug("filestore_init", "dir", dir)
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// path：文档 id 经 PathEscape 编码后作为文件名，避免路径穿越
func (s *Store) path(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+ext)
}

// Put：整条记录原子替换
func (s *Store) Put(ctx context.Context, rec localdb.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()
	model.SortAssignments(rec.Assignments)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".put-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		os.Remove(tmp)
		return err
	}
	logger.L().Debug("filestore_put", "id", rec.ID, "rows", len(rec.Assignments), "bytes", len(b))
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (localdb.Record, error) {
	if err := ctx.Err(); err != nil {
		return localdb.Record{}, err
	}
	return s.read(s.path(id))
}

func (s *Store) read(fp string) (localdb.Record, error) {
	b, err := os.ReadFile(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return localdb.Record{}, localdb.ErrNotFound
	}
	if err != nil {
		return localdb.Record{}, err
	}
	var rec localdb.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return localdb.Record{}, err
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List：扫描目录下的全部记录（按 id 排序）
// 背景：单个文件损坏只记录告警并跳过，不影响其他文档的恢复。
func (s *Store) List(ctx context.Context) ([]localdb.Record, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []localdb.Record
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			logger.L().Warn("filestore_list_skip", "file", name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error { return nil }
