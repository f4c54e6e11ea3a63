package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
	"districtr-sync/internal/session"
	"districtr-sync/internal/syncer"
)

type repl struct {
	mu  sync.Mutex
	out io.Writer

	m      *session.Manager
	local  *localdb.Dynamic
	dir    remote.Directory
	auto   syncer.Resolution
	reopen func() (localdb.Store, error)
}

func newREPL(out io.Writer, local *localdb.Dynamic, dir remote.Directory, auto syncer.Resolution) *repl {
	return &repl{out: out, local: local, dir: dir, auto: auto}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// onEvent：会话事件可能来自去抖定时器的 goroutine
func (r *repl) onEvent(e session.Event) {
	switch e.Kind {
	case session.SaveDone:
		r.printf("[%s] saved version %s\n", e.DocumentID, e.Version)
	case session.Conflict:
		r.printf("[%s] conflict: server version %s (%s), local edits from %s; resolve with: %s\n",
			e.DocumentID, e.Conflict.Remote.Version, model.FormatTime(e.Conflict.RemoteUpdated),
			model.FormatTime(e.Conflict.LocalUpdated), resolutionList())
	case session.Resolved:
		r.printf("[%s] resolved with %s, version %s\n", e.DocumentID, e.Outcome.Resolution, e.Version)
	default:
		if e.Err != nil {
			r.printf("[%s] %s: %v\n", e.DocumentID, e.Kind, e.Err)
			return
		}
		r.printf("[%s] %s\n", e.DocumentID, e.Kind)
	}
}

func resolutionList() string {
	names := make([]string, 0, len(syncer.Resolutions))
	for _, res := range syncer.Resolutions {
		names = append(names, string(res))
	}
	return strings.Join(names, "|")
}

func (r *repl) help() {
	r.printf("commands:\n")
	r.printf("  list                         local plans\n")
	r.printf("  remote                       server documents\n")
	r.printf("  open <id>                    switch active plan\n")
	r.printf("  show [geo_id...]             plan summary or zones of units\n")
	r.printf("  assign <zone> <geo_id...>    commit a paint\n")
	r.printf("  paint <zone> <geo_id...>     stage a paint; commit / discard\n")
	r.printf("  shatter <parent>             split a parent unit into children\n")
	r.printf("  undo | redo\n")
	r.printf("  save [overwrite]\n")
	r.printf("  resolve <%s>\n", resolutionList())
	r.printf("  flush                        persist now\n")
	r.printf("  reopen                       reopen the local store\n")
	r.printf("  help | exit\n")
}

// exec：执行一行命令，返回 true 表示退出
func (r *repl) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	if err := r.run(ctx, cmd, args); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		r.printf("error: %v\n", err)
	}
	return false
}

var (
	errQuit    = errors.New("quit")
	errNoPlan  = errors.New("no plan open (use: open <id>)")
	errUsage   = errors.New("usage")
	errNoStore = errors.New("reopen not configured")
)

func (r *repl) active() (*session.Session, error) {
	s := r.m.Current()
	if s == nil {
		return nil, errNoPlan
	}
	return s, nil
}

func parseZone(s string) (model.Zone, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad zone %q", s)
	}
	return model.Zone(n), nil
}

func (r *repl) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "exit", "quit":
		return errQuit
	case "help":
		r.help()
	case "list":
		recs, err := r.m.Stored(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			r.printf("%s  version=%s  rows=%d  dirty=%t  updated=%s\n", rec.ID, rec.Document.Version,
				len(rec.Assignments), rec.Dirty, model.FormatTime(rec.ClientLastUpdated))
		}
	case "remote":
		docs, err := r.dir.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			r.printf("%s  version=%s  districts=%d  %s\n", d.ID, d.Version, d.NumDistricts, d.Name)
		}
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("%w: open <id>", errUsage)
		}
		s, err := r.m.Switch(ctx, args[0])
		if err != nil {
			return err
		}
		r.printf("opened %s (version %s)\n", s.Document().ID, s.Document().Version)
	case "show":
		s, err := r.active()
		if err != nil {
			return err
		}
		r.show(s, args)
	case "assign", "paint":
		if len(args) < 2 {
			return fmt.Errorf("%w: %s <zone> <geo_id...>", errUsage, cmd)
		}
		z, err := parseZone(args[0])
		if err != nil {
			return err
		}
		s, err := r.active()
		if err != nil {
			return err
		}
		if !z.Valid(s.Document().NumDistricts) {
			return fmt.Errorf("zone %d outside [0,%d]", z, s.Document().NumDistricts)
		}
		if cmd == "paint" {
			s.Stage(z, args[1:])
			return nil
		}
		c := s.Assign(z, args[1:])
		r.printf("changed=%d healed=%v\n", len(c.Changes), c.Healed)
	case "commit":
		s, err := r.active()
		if err != nil {
			return err
		}
		c := s.CommitStaged()
		r.printf("changed=%d healed=%v\n", len(c.Changes), c.Healed)
	case "discard":
		s, err := r.active()
		if err != nil {
			return err
		}
		s.DiscardStaged()
	case "shatter":
		if len(args) != 1 {
			return fmt.Errorf("%w: shatter <parent>", errUsage)
		}
		s, err := r.active()
		if err != nil {
			return err
		}
		kids, _, err := s.Shatter(ctx, args[0])
		if err != nil {
			return err
		}
		r.printf("%s -> %s\n", args[0], strings.Join(kids, " "))
	case "undo", "redo":
		s, err := r.active()
		if err != nil {
			return err
		}
		ok := false
		if cmd == "undo" {
			_, ok = s.Undo()
		} else {
			_, ok = s.Redo()
		}
		if !ok {
			r.printf("nothing to %s\n", cmd)
		}
	case "save":
		s, err := r.active()
		if err != nil {
			return err
		}
		overwrite := len(args) > 0 && args[0] == "overwrite"
		res, err := s.Save(ctx, overwrite)
		if err != nil {
			return err
		}
		if res.State == syncer.Conflict && r.auto != "" {
			return r.resolve(ctx, s, r.auto)
		}
	case "resolve":
		if len(args) != 1 {
			return fmt.Errorf("%w: resolve <%s>", errUsage, resolutionList())
		}
		res, err := syncer.ParseResolution(args[0])
		if err != nil {
			return err
		}
		s, err := r.active()
		if err != nil {
			return err
		}
		return r.resolve(ctx, s, res)
	case "flush":
		s, err := r.active()
		if err != nil {
			return err
		}
		return s.Flush(ctx)
	case "reopen":
		if r.reopen == nil {
			return errNoStore
		}
		st, err := r.reopen()
		if err != nil {
			return err
		}
		if old := r.local.Set(st); old != nil {
			_ = old.Close()
		}
		r.printf("local store reopened\n")
		if s := r.m.Current(); s != nil {
			return s.Flush(ctx)
		}
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (r *repl) resolve(ctx context.Context, s *session.Session, res syncer.Resolution) error {
	out, err := s.Resolve(ctx, res)
	if err != nil {
		return err
	}
	if out.ForkedFrom != "" {
		// fork 之后继续编辑新文档
		if _, err := r.m.Switch(ctx, out.Document.ID); err != nil {
			return err
		}
		r.printf("forked %s -> %s\n", out.ForkedFrom, out.Document.ID)
	}
	return nil
}

func (r *repl) show(s *session.Session, units []string) {
	if len(units) > 0 {
		for _, u := range units {
			if z, ok := s.Staged(u); ok {
				r.printf("%s  zone=%d (staged)\n", u, z)
				continue
			}
			z, _ := s.Zone(u)
			r.printf("%s  zone=%d\n", u, z)
		}
		return
	}
	d := s.Document()
	snap := s.Snapshot()
	per := make(map[model.Zone]int)
	for _, z := range snap {
		per[z]++
	}
	zones := make([]int, 0, len(per))
	for z := range per {
		zones = append(zones, int(z))
	}
	sort.Ints(zones)
	r.printf("%s  version=%s  districts=%d  dirty=%t  degraded=%t\n", d.ID, d.Version, d.NumDistricts, s.Dirty(), s.Degraded())
	for _, z := range zones {
		r.printf("  zone %d: %d units\n", z, per[model.Zone(z)])
	}
	if st := s.ShatterState(); len(st.Parents) > 0 {
		r.printf("  shattered: %s\n", strings.Join(st.Parents, " "))
	}
	if c := s.PendingConflict(); c != nil {
		r.printf("  pending conflict with server version %s\n", c.Remote.Version)
	}
	r.printf("  undo=%t redo=%t\n", s.CanUndo(), s.CanRedo())
}
