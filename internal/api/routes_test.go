package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districtr-sync/internal/localdb/file"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
	"districtr-sync/internal/syncer"
)

func newServer(t *testing.T, rc *redis.Client) (*remote.Memory, *httptest.Server) {
	t.Helper()
	mem := remote.NewMemory()
	mem.Seed(model.Document{ID: "doc-1", NumDistricts: 3, Version: "t1"}, []model.Assignment{{GeoID: "A", Zone: 1}})
	srv := httptest.NewServer(http.StripPrefix("/api", BuildRoutes(mem, rc)))
	t.Cleanup(srv.Close)
	return mem, srv
}

func TestDocumentRoutes(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t, nil)
	c := remote.NewHTTPClient(srv.URL+"/api", nil)

	doc, err := c.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.Version)

	rows, err := c.GetAssignments(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Assignment{{GeoID: "A", Zone: 1}}, rows)

	_, err = c.GetDocument(ctx, "nope")
	require.ErrorIs(t, err, remote.ErrNotFound)

	v2, err := c.PushAssignments(ctx, "doc-1", []model.Assignment{{GeoID: "B", Zone: 2}}, "t1", false)
	require.NoError(t, err)
	_, err = c.PushAssignments(ctx, "doc-1", nil, "t1", false)
	require.ErrorIs(t, err, remote.ErrStaleVersion)
	v3, err := c.PushAssignments(ctx, "doc-1", nil, "t1", true)
	require.NoError(t, err)
	assert.NotEqual(t, v2, v3)

	created, err := c.CreateDocument(ctx, model.Document{NumDistricts: 2}, []model.Assignment{{GeoID: "X", Zone: 2}})
	require.NoError(t, err)
	_, err = c.CreateDocument(ctx, model.Document{ID: created.ID, NumDistricts: 2}, nil)
	require.ErrorIs(t, err, remote.ErrExists)

	docs, err := c.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestStalePushReportsCurrentVersion(t *testing.T) {
	_, srv := newServer(t, nil)
	body, _ := json.Marshal(remote.PushRequest{Assignments: []model.Assignment{{GeoID: "A", Zone: 2}}})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/documents/doc-1/assignments", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("If-Match", "old")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e remote.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "t1", e.Version)
}

func TestPushRejectsInvalidRows(t *testing.T) {
	_, srv := newServer(t, nil)
	cases := map[string][]model.Assignment{
		"empty geo id": {{GeoID: "", Zone: 1}},
		"duplicate":    {{GeoID: "A", Zone: 1}, {GeoID: "A", Zone: 2}},
		"zone range":   {{GeoID: "A", Zone: 4}},
		"self parent":  {{GeoID: "A", Zone: 1, ParentPath: "A"}},
	}
	for name, rows := range cases {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(remote.PushRequest{Assignments: rows})
			req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/documents/doc-1/assignments?overwrite=true", bytes.NewReader(body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Post(srv.URL+"/api/documents", "application/json", bytes.NewReader([]byte(`{"document":{"num_districts":0}}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// 端到端：客户端同步协议经 HTTP 推送、校验并检测冲突
func TestSyncOverHTTP(t *testing.T) {
	ctx := context.Background()
	mem, srv := newServer(t, nil)
	local, err := file.Open(t.TempDir())
	require.NoError(t, err)
	sy := syncer.New(remote.NewHTTPClient(srv.URL+"/api", nil), local)

	doc := model.Document{ID: "doc-1", NumDistricts: 3, Version: "t1"}
	entries := []model.Assignment{{GeoID: "A", Zone: 1}, {GeoID: "B1", Zone: 3, ParentPath: "B"}, {GeoID: "B2", Zone: 2, ParentPath: "B"}}
	res, err := sy.Push(ctx, syncer.Request{Document: doc, Entries: entries})
	require.NoError(t, err)
	assert.Equal(t, syncer.Done, res.State)

	rec, err := local.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, res.Document.Version, rec.Document.Version)
	assert.False(t, rec.Dirty)

	_, err = mem.PushAssignments(ctx, "doc-1", nil, res.Document.Version, false)
	require.NoError(t, err)
	doc.Version = res.Document.Version
	res, err = sy.Push(ctx, syncer.Request{Document: doc, Entries: entries})
	require.NoError(t, err)
	assert.Equal(t, syncer.Conflict, res.State)
	require.NotNil(t, res.Conflict)
}

func TestDocumentCacheInvalidatedOnPush(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rc := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err())
	require.NoError(t, rc.Del(ctx, docKey("doc-1")).Err())

	_, srv := newServer(t, rc)
	c := remote.NewHTTPClient(srv.URL+"/api", nil)
	_, err := c.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	n, err := rc.Exists(ctx, docKey("doc-1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	v2, err := c.PushAssignments(ctx, "doc-1", nil, "t1", false)
	require.NoError(t, err)
	n, err = rc.Exists(ctx, docKey("doc-1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	doc, err := c.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, v2, doc.Version)
	require.NoError(t, rc.Del(ctx, docKey("doc-1")).Err())
}

// pushingStore 在两次读取之间插入一次推送，模拟并发写入
type pushingStore struct {
	*remote.Memory
}

func (p pushingStore) GetDocument(ctx context.Context, id string) (model.Document, error) {
	d, err := p.Memory.GetDocument(ctx, id)
	if err != nil {
		return d, err
	}
	_, err = p.Memory.PushAssignments(ctx, id, []model.Assignment{{GeoID: "B", Zone: 2}}, d.Version, false)
	return d, err
}

func TestAssignmentsVersionMatchesRows(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	mem.Seed(model.Document{ID: "doc-1", NumDistricts: 3, Version: "t1"}, []model.Assignment{{GeoID: "A", Zone: 1}})
	srv := httptest.NewServer(http.StripPrefix("/api", BuildRoutes(pushingStore{mem}, nil)))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/documents/doc-1/assignments")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got remote.AssignmentsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	doc, rows, err := mem.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Version, got.Version)
	assert.Equal(t, rows, got.Assignments)
}

func TestPushAcceptsQuotedAndBareIfMatch(t *testing.T) {
	for _, h := range []string{`"t1"`, `W/"t1"`, "t1"} {
		t.Run(h, func(t *testing.T) {
			_, srv := newServer(t, nil)
			body, _ := json.Marshal(remote.PushRequest{Assignments: []model.Assignment{{GeoID: "A", Zone: 2}}})
			req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/documents/doc-1/assignments", bytes.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("If-Match", h)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}
