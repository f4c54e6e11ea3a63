// 包 api：集中注册权威文档存储的 HTTP 路由以解耦主入口
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
)

type server struct {
	st    remote.Authority
	cache docCache
}

// 构建并返回 API 路由：独立 ServeMux 便于在主入口挂载到 API_BASE 前缀
// 背景：st 可以是 Postgres 存储或进程内存储；rc 为 nil 时不启用文档缓存。
func BuildRoutes(st remote.Authority, rc *redis.Client) *http.ServeMux {
	s := &server{st: st, cache: docCache{ttl: DocCacheTTL}}
	if rc != nil {
		s.cache.rc = rc
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /documents", s.listDocuments)
	mux.HandleFunc("POST /documents", s.createDocument)
	mux.HandleFunc("GET /documents/{id}", s.getDocument)
	mux.HandleFunc("GET /documents/{id}/assignments", s.getAssignments)
	mux.HandleFunc("PUT /documents/{id}/assignments", s.pushAssignments)
	return mux
}

func writeJSON(w http.ResponseWriter, route string, code int, v any) {
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError：哨兵错误映射为状态码（404/409），其余视为 500
func writeError(w http.ResponseWriter, route string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, remote.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, remote.ErrStaleVersion), errors.Is(err, remote.ErrExists):
		code = http.StatusConflict
	default:
		logger.L().Error("api_error", "route", route, "err", err)
	}
	writeJSON(w, route, code, remote.ErrorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, route string, err error) {
	writeJSON(w, route, http.StatusBadRequest, remote.ErrorResponse{Error: err.Error()})
}

func (s *server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.st.ListDocuments(r.Context())
	if err != nil {
		writeError(w, "list", err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, "list", http.StatusOK, docs)
}

func (s *server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "create", err)
		return
	}
	if req.Document.NumDistricts < 1 {
		badRequest(w, "create", fmt.Errorf("num_districts must be >= 1"))
		return
	}
	if err := validateRows(req.Document, req.Assignments); err != nil {
		badRequest(w, "create", err)
		return
	}
	doc, err := s.st.CreateDocument(r.Context(), req.Document, req.Assignments)
	if err != nil {
		writeError(w, "create", err)
		return
	}
	s.cache.invalidate(r.Context(), doc.ID)
	logger.L().Info("api_document_created", "document", doc.ID, "rows", len(req.Assignments))
	writeJSON(w, "create", http.StatusCreated, doc)
}

func (s *server) document(r *http.Request, id string) (model.Document, error) {
	if d, ok := s.cache.get(r.Context(), id); ok {
		return d, nil
	}
	d, err := s.st.GetDocument(r.Context(), id)
	if err != nil {
		return model.Document{}, err
	}
	s.cache.set(r.Context(), d)
	return d, nil
}

func (s *server) getDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.document(r, r.PathValue("id"))
	if err != nil {
		writeError(w, "document", err)
		return
	}
	writeJSON(w, "document", http.StatusOK, d)
}

// getAssignments：返回全部分配行及其对应版本；校验读取直接走存储，不经过缓存
func (s *server) getAssignments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, rows, err := s.st.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, "assignments", err)
		return
	}
	if rows == nil {
		rows = []model.Assignment{}
	}
	writeJSON(w, "assignments", http.StatusOK, remote.AssignmentsResponse{DocumentID: id, Version: d.Version, Assignments: rows})
}

// 文档注释：带版本校验的整体替换
// 背景：期望版本来自 If-Match 头；overwrite=true 跳过校验（use-local 解决方式）。
// 返回：200 + 新版本；版本过期返回 409 并附带服务端当前版本，便于客户端展示冲突。
func (s *server) pushAssignments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "push", err)
		return
	}
	d, err := s.st.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, "push", err)
		return
	}
	if err := validateRows(d, req.Assignments); err != nil {
		badRequest(w, "push", err)
		return
	}
	overwrite := r.URL.Query().Get("overwrite") == "true"
	v, err := s.st.PushAssignments(r.Context(), id, req.Assignments, remote.ParseETag(r.Header.Get("If-Match")), overwrite)
	if errors.Is(err, remote.ErrStaleVersion) {
		metrics.APIPushRejectedTotal.Inc()
		cur := ""
		if d, e := s.st.GetDocument(r.Context(), id); e == nil {
			cur = d.Version
		}
		writeJSON(w, "push", http.StatusConflict, remote.ErrorResponse{Error: err.Error(), Version: cur})
		return
	}
	if err != nil {
		writeError(w, "push", err)
		return
	}
	s.cache.invalidate(r.Context(), id)
	logger.L().Info("api_push_ok", "document", id, "rows", len(req.Assignments), "overwrite", overwrite, "version", v)
	writeJSON(w, "push", http.StatusOK, remote.PushResponse{DocumentID: id, Version: v})
}

// validateRows：拒绝空 geo_id、重复 geo_id、越界分区与自指父单元
func validateRows(d model.Document, rows []model.Assignment) error {
	seen := make(map[string]struct{}, len(rows))
	for _, a := range rows {
		if a.GeoID == "" {
			return errors.New("empty geo_id")
		}
		if _, dup := seen[a.GeoID]; dup {
			return fmt.Errorf("duplicate geo_id %s", a.GeoID)
		}
		seen[a.GeoID] = struct{}{}
		if !a.Zone.Valid(d.NumDistricts) {
			return fmt.Errorf("geo_id %s: zone %d outside [0,%d]", a.GeoID, a.Zone, d.NumDistricts)
		}
		if a.ParentPath == a.GeoID {
			return fmt.Errorf("geo_id %s is its own parent", a.GeoID)
		}
	}
	return nil
}
