package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districtr-sync/internal/model"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.Seed(model.Document{ID: "doc-1", NumDistricts: 4, Version: "t1"}, []model.Assignment{{GeoID: "B", Zone: 2}, {GeoID: "A", Zone: 1}})
	return m
}

func TestMemoryVersionCheck(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	versions := []string{"t2", "t3"}
	m.NextVersion = func() string {
		v := versions[0]
		versions = versions[1:]
		return v
	}

	_, err := m.PushAssignments(ctx, "doc-1", nil, "t0", false)
	require.ErrorIs(t, err, ErrStaleVersion)

	v, err := m.PushAssignments(ctx, "doc-1", []model.Assignment{{GeoID: "C", Zone: 3}}, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, "t2", v)

	v, err = m.PushAssignments(ctx, "doc-1", []model.Assignment{{GeoID: "D", Zone: 3}}, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, "t3", v)

	rows, err := m.GetAssignments(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Assignment{{GeoID: "D", Zone: 3}}, rows)

	_, err = m.PushAssignments(ctx, "nope", nil, "", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDefaultVersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	fixed := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return fixed }
	v1, err := m.PushAssignments(ctx, "doc-1", nil, "t1", false)
	require.NoError(t, err)
	v2, err := m.PushAssignments(ctx, "doc-1", nil, v1, false)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
	assert.Less(t, v1, v2)
}

func TestMemoryCreateDocument(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	doc, err := m.CreateDocument(ctx, model.Document{NumDistricts: 4, Name: "fork"}, []model.Assignment{{GeoID: "A", Zone: 4}})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.NotEmpty(t, doc.Version)

	_, err = m.CreateDocument(ctx, model.Document{ID: "doc-1"}, nil)
	require.ErrorIs(t, err, ErrExists)

	docs, err := m.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

// fakeServer：最小路由，验证 HTTPClient 的请求形态与错误映射
func fakeServer(t *testing.T, m *Memory) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := m.GetDocument(r.Context(), r.PathValue("id"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("GET /documents/{id}/assignments", func(w http.ResponseWriter, r *http.Request) {
		rows, err := m.GetAssignments(r.Context(), r.PathValue("id"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(AssignmentsResponse{DocumentID: r.PathValue("id"), Assignments: rows})
	})
	mux.HandleFunc("PUT /documents/{id}/assignments", func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v, err := m.PushAssignments(r.Context(), r.PathValue("id"), req.Assignments, ParseETag(r.Header.Get("If-Match")), r.URL.Query().Get("overwrite") == "true")
		if errors.Is(err, ErrStaleVersion) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(PushResponse{DocumentID: r.PathValue("id"), Version: v})
	})
	mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		doc, err := m.CreateDocument(r.Context(), req.Document, req.Assignments)
		if errors.Is(err, ErrExists) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(doc)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	m.NextVersion = func() string { return "t2" }
	c := NewHTTPClient(fakeServer(t, m).URL+"/", nil)

	doc, err := c.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.Version)

	rows, err := c.GetAssignments(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Assignment{{GeoID: "A", Zone: 1}, {GeoID: "B", Zone: 2}}, rows)

	_, err = c.PushAssignments(ctx, "doc-1", rows, "stale", false)
	require.ErrorIs(t, err, ErrStaleVersion)

	v, err := c.PushAssignments(ctx, "doc-1", rows[:1], "stale", true)
	require.NoError(t, err)
	assert.Equal(t, "t2", v)

	_, err = c.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	created, err := c.CreateDocument(ctx, model.Document{Name: "copy"}, rows)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = c.CreateDocument(ctx, model.Document{ID: "doc-1"}, nil)
	require.ErrorIs(t, err, ErrExists)
}

func TestPushSendsQuotedEntityTag(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("If-Match")
		_ = json.NewEncoder(w).Encode(PushResponse{Version: "v2"})
	}))
	t.Cleanup(srv.Close)

	c := NewHTTPClient(srv.URL, nil)
	_, err := c.PushAssignments(context.Background(), "doc-1", nil, "2026-10-15T08:00:00.123Z", false)
	require.NoError(t, err)
	assert.Equal(t, `"2026-10-15T08:00:00.123Z"`, got)
}

func TestParseETag(t *testing.T) {
	cases := map[string]string{
		`"t1"`:                       "t1",
		`W/"t1"`:                     "t1",
		" \"2026-10-15T08:00:00Z\" ": "2026-10-15T08:00:00Z",
		"t1":                         "t1",
		"":                           "",
		`"unterminated`:              `"unterminated`,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseETag(in), "input %q", in)
	}
}
