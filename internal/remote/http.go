package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/model"
)

// HTTPClient：访问 cmd/main.go 暴露的文档路由
// 约束：409 映射为 ErrStaleVersion，404 映射为 ErrNotFound，其余非 2xx 返回带状态码的错误。
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient：base 形如 http://host:8080/api；hc 为空时使用 15 秒超时的默认客户端
func NewHTTPClient(base string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{base: strings.TrimRight(base, "/"), hc: hc}
}

func (c *HTTPClient) docURL(id string, suffix string) string {
	return c.base + "/documents/" + url.PathEscape(id) + suffix
}

func (c *HTTPClient) GetDocument(ctx context.Context, id string) (model.Document, error) {
	var doc model.Document
	err := c.do(ctx, http.MethodGet, c.docURL(id, ""), nil, nil, &doc)
	return doc, err
}

func (c *HTTPClient) GetAssignments(ctx context.Context, id string) ([]model.Assignment, error) {
	var res AssignmentsResponse
	if err := c.do(ctx, http.MethodGet, c.docURL(id, "/assignments"), nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Assignments, nil
}

// ETag：版本令牌编码为强实体标签（RFC 9110 要求带引号）
func ETag(version string) string { return strconv.Quote(version) }

// ParseETag：解析 If-Match 头；兼容弱标签前缀与未加引号的旧客户端
func ParseETag(h string) string {
	h = strings.TrimPrefix(strings.TrimSpace(h), "W/")
	if v, err := strconv.Unquote(h); err == nil && strings.HasPrefix(h, `"`) {
		return v
	}
	return h
}

// PushAssignments：期望版本以实体标签形式通过 If-Match 头传递，强制覆盖追加 overwrite=true
func (c *HTTPClient) PushAssignments(ctx context.Context, id string, entries []model.Assignment, expectedVersion string, overwrite bool) (string, error) {
	u := c.docURL(id, "/assignments")
	if overwrite {
		u += "?overwrite=true"
	}
	h := http.Header{}
	if expectedVersion != "" {
		h.Set("If-Match", ETag(expectedVersion))
	}
	var res PushResponse
	if err := c.do(ctx, http.MethodPut, u, h, PushRequest{Assignments: entries}, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

func (c *HTTPClient) CreateDocument(ctx context.Context, doc model.Document, entries []model.Assignment) (model.Document, error) {
	var out model.Document
	err := c.do(ctx, http.MethodPost, c.base+"/documents", nil, CreateRequest{Document: doc, Assignments: entries}, &out)
	if errors.Is(err, ErrStaleVersion) {
		return model.Document{}, fmt.Errorf("%w: %s", ErrExists, doc.ID)
	}
	return out, err
}

// ListDocuments：服务端文档列表
func (c *HTTPClient) ListDocuments(ctx context.Context) ([]model.Document, error) {
	var out []model.Document
	err := c.do(ctx, http.MethodGet, c.base+"/documents", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, u string, h http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	t0 := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	logger.L().Debug("remote_http", "method", method, "url", u, "status", resp.StatusCode, "duration_ms", time.Since(t0).Milliseconds())
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return ErrStaleVersion
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var e ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("remote %s %s: status %d: %s", method, u, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("remote %s %s: status %d", method, u, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Directory = (*HTTPClient)(nil)
