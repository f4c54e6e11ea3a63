package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"districtr-sync/internal/assign"
	"districtr-sync/internal/geometry"
	"districtr-sync/internal/localdb"
	"districtr-sync/internal/localdb/file"
	"districtr-sync/internal/localdb/sqlite"
	"districtr-sync/internal/logger"
	"districtr-sync/internal/remote"
	"districtr-sync/internal/session"
	"districtr-sync/internal/syncer"
)

// 文档注释：离线编辑客户端
// 背景：在终端里驱动单文档编辑会话（涂抹、打散、撤销、保存、冲突解决），本地存储与远端存储均由环境变量选择。
// 约束：同一时刻只有一个活动文档；切换文档前会把当前文档落盘。
type config struct {
	localPath    string
	exportDir    string
	remoteKind   string
	remoteURL    string
	planID       string
	resolution   syncer.Resolution
	heal         bool
	persistDelay time.Duration
	parentLayer  string
	childLayer   string
}

func configFromEnv() (config, error) {
	c := config{
		localPath:   os.Getenv("LOCAL_DB_PATH"),
		exportDir:   os.Getenv("LOCAL_EXPORT_DIR"),
		remoteKind:  strings.ToLower(os.Getenv("REMOTE")),
		remoteURL:   os.Getenv("REMOTE_URL"),
		planID:      os.Getenv("PLAN_ID"),
		heal:        os.Getenv("HEAL_UNASSIGNED") == "true",
		parentLayer: os.Getenv("GEOMETRY_PARENT_LAYER"),
		childLayer:  os.Getenv("GEOMETRY_CHILD_LAYER"),
	}
	if c.localPath == "" {
		c.localPath = filepath.Join("data", "local", "plans.db")
	}
	if c.remoteKind == "" {
		c.remoteKind = "http"
	}
	if c.remoteURL == "" {
		c.remoteURL = "http://127.0.0.1:8080/api"
	}
	if s := os.Getenv("CONFLICT_RESOLUTION"); s != "" {
		r, err := syncer.ParseResolution(s)
		if err != nil {
			return config{}, err
		}
		c.resolution = r
	}
	if s := os.Getenv("PERSIST_DELAY_MS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			c.persistDelay = time.Duration(n) * time.Millisecond
		}
	}
	return c, nil
}

// openPrimary：优先 SQLite；打不开时退回同目录下的 JSON 文件存储
func openPrimary(path string) (localdb.Store, error) {
	db, err := sqlite.Open(path)
	if err == nil {
		logger.L().Info("local_store_sqlite", "path", path)
		return db, nil
	}
	dir := filepath.Join(filepath.Dir(path), "plans")
	logger.L().Warn("local_sqlite_open_fail", "path", path, "err", err, "fallback", dir)
	fs, ferr := file.Open(dir)
	if ferr != nil {
		return nil, fmt.Errorf("open local store: sqlite: %v; file: %w", err, ferr)
	}
	return fs, nil
}

// openLocal：主存储可选镜像到 LOCAL_EXPORT_DIR，整体包在可热切换的 Dynamic 里
func openLocal(c config) (*localdb.Dynamic, error) {
	primary, err := openPrimary(c.localPath)
	if err != nil {
		return nil, err
	}
	return localdb.NewDynamic(withExport(primary, c.exportDir)), nil
}

func withExport(primary localdb.Store, exportDir string) localdb.Store {
	if exportDir == "" {
		return primary
	}
	export, err := file.Open(exportDir)
	if err != nil {
		logger.L().Warn("local_export_open_fail", "dir", exportDir, "err", err)
		return primary
	}
	logger.L().Info("local_store_export", "dir", exportDir)
	return localdb.NewChain(primary, export)
}

// openRemote：memory 模式用本地已存的文档做种子，便于完全离线演示
func openRemote(ctx context.Context, c config, local localdb.Store) (remote.Directory, error) {
	switch c.remoteKind {
	case "http":
		return remote.NewHTTPClient(c.remoteURL, nil), nil
	case "memory":
		mem := remote.NewMemory()
		recs, err := local.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			mem.Seed(r.Document, r.Assignments)
		}
		return mem, nil
	}
	return nil, fmt.Errorf("unknown REMOTE %q (http|memory)", c.remoteKind)
}

// openChildren：两个图层都配置时才支持打散
func openChildren(ctx context.Context, c config) (assign.ChildSource, error) {
	if c.parentLayer == "" || c.childLayer == "" {
		return nil, nil
	}
	ix, err := geometry.LoadIndex(ctx, c.parentLayer, c.childLayer, nil)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	ctx := context.Background()

	c, err := configFromEnv()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	local, err := openLocal(c)
	if err != nil {
		l.Error("local_store_error", "err", err)
		os.Exit(1)
	}
	defer local.Close()
	rc, err := openRemote(ctx, c, local)
	if err != nil {
		l.Error("remote_error", "err", err)
		os.Exit(1)
	}
	children, err := openChildren(ctx, c)
	if err != nil {
		l.Error("geometry_error", "err", err)
		os.Exit(1)
	}

	r := newREPL(os.Stdout, local, rc, c.resolution)
	r.reopen = func() (localdb.Store, error) {
		primary, err := openPrimary(c.localPath)
		if err != nil {
			return nil, err
		}
		return withExport(primary, c.exportDir), nil
	}
	base := session.Config{
		Local:          local,
		Syncer:         syncer.New(rc, local),
		HealUnassigned: c.heal,
		PersistDelay:   c.persistDelay,
		Listener:       r.onEvent,
		Children:       children,
	}
	r.m = session.NewManager(base)
	defer r.m.Close(ctx)

	if c.planID != "" {
		r.exec(ctx, "open "+c.planID)
	}
	fmt.Fprintln(r.out, "plan-sync ready")
	r.help()
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(r.out, "> ")
		if !in.Scan() {
			break
		}
		if r.exec(ctx, in.Text()) {
			return
		}
	}
}
