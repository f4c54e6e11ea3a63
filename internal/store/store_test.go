package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districtr-sync/internal/migrate"
	"districtr-sync/internal/model"
	"districtr-sync/internal/remote"
)

func TestNextVersionStrictlyIncreases(t *testing.T) {
	prev := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	assert.Equal(t, prev.Add(time.Millisecond), nextVersion(prev, prev))
	assert.Equal(t, prev.Add(time.Millisecond), nextVersion(prev, prev.Add(-time.Hour)))
	later := prev.Add(time.Second + 123456)
	assert.Equal(t, later.Truncate(time.Millisecond), nextVersion(prev, later))
}

func openTestStore(t *testing.T) *Store {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, migrate.EnsureSchema(context.Background(), s.DB()))
	return s
}

func TestPostgresVersionCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()
	t.Cleanup(func() { s.DB().Exec(`DELETE FROM documents WHERE document_id=$1`, id) })

	doc, err := s.CreateDocument(ctx, model.Document{ID: id, NumDistricts: 4, Tags: []string{"a"}},
		[]model.Assignment{{GeoID: "A", Zone: 1}, {GeoID: "B1", Zone: 0, ParentPath: "B"}})
	require.NoError(t, err)
	assert.Equal(t, "draft", doc.Status)

	got, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, doc.Version, got.Version)
	assert.Equal(t, []string{"a"}, got.Tags)

	rows, err := s.GetAssignments(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []model.Assignment{{GeoID: "A", Zone: 1}, {GeoID: "B1", ParentPath: "B"}}, rows)

	_, err = s.PushAssignments(ctx, id, nil, "stale", false)
	require.ErrorIs(t, err, remote.ErrStaleVersion)

	v2, err := s.PushAssignments(ctx, id, []model.Assignment{{GeoID: "C", Zone: 2}}, doc.Version, false)
	require.NoError(t, err)
	assert.NotEqual(t, doc.Version, v2)

	_, err = s.PushAssignments(ctx, id, nil, doc.Version, false)
	require.ErrorIs(t, err, remote.ErrStaleVersion)

	v3, err := s.PushAssignments(ctx, id, []model.Assignment{{GeoID: "D", Zone: 3}}, "whatever", true)
	require.NoError(t, err)
	assert.NotEqual(t, v2, v3)
	rows, err = s.GetAssignments(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []model.Assignment{{GeoID: "D", Zone: 3}}, rows)

	_, err = s.CreateDocument(ctx, model.Document{ID: id, NumDistricts: 1}, nil)
	require.ErrorIs(t, err, remote.ErrExists)

	_, err = s.GetAssignments(ctx, "missing-"+id)
	require.ErrorIs(t, err, remote.ErrNotFound)
	_, err = s.PushAssignments(ctx, "missing-"+id, nil, "", true)
	require.ErrorIs(t, err, remote.ErrNotFound)
}
