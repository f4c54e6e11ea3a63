package localdb_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districtr-sync/internal/localdb"
	"districtr-sync/internal/localdb/file"
	"districtr-sync/internal/localdb/sqlite"
	"districtr-sync/internal/model"
)

func sampleRecord(id string, rows int) localdb.Record {
	rec := localdb.Record{
		ID: id,
		Document: model.Document{
			ID:           id,
			NumDistricts: 5,
			ParentLayer:  "vtd",
			ChildLayer:   "block",
			Version:      "2026-10-01T10:00:00.000Z",
			Name:         "plan " + id,
			Status:       model.StatusDraft,
			Tags:         []string{"a", "b"},
		},
		ClientLastUpdated: time.Date(2026, 10, 1, 10, 0, 0, 123_000_000, time.UTC),
	}
	rec.Assignments = append(rec.Assignments,
		model.Assignment{GeoID: "A1a", Zone: 3, ParentPath: "A1"},
		model.Assignment{GeoID: "A1b", Zone: model.NoZone, ParentPath: "A1"},
		model.Assignment{GeoID: "A2", Zone: 3},
	)
	for i := 0; i < rows; i++ {
		rec.Assignments = append(rec.Assignments, model.Assignment{GeoID: "Z" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Zone: model.Zone(1 + i%5)})
	}
	model.SortAssignments(rec.Assignments)
	return rec
}

type backend struct {
	name string
	open func(t *testing.T) localdb.Store
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) localdb.Store {
			s, err := sqlite.Open(filepath.Join(t.TempDir(), "plans.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"file", func(t *testing.T) localdb.Store {
			s, err := file.Open(t.TempDir())
			require.NoError(t, err)
			return s
		}},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, localdb.ErrNotFound)

			rec := sampleRecord("doc-1", 10)
			rec.Dirty = true
			require.NoError(t, s.Put(ctx, rec))

			got, err := s.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.True(t, got.ClientLastUpdated.Equal(rec.ClientLastUpdated))
			got.ClientLastUpdated = rec.ClientLastUpdated
			if diff := cmp.Diff(rec, got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStorePutReplacesWholeRecord(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			require.NoError(t, s.Put(ctx, sampleRecord("doc-1", 30)))

			next := sampleRecord("doc-1", 0)
			next.Assignments = []model.Assignment{{GeoID: "A1", Zone: 2}}
			next.Document.Version = "t2"
			require.NoError(t, s.Put(ctx, next))

			got, err := s.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, []model.Assignment{{GeoID: "A1", Zone: 2}}, got.Assignments)
			assert.Equal(t, "t2", got.Document.Version)
			assert.False(t, got.Dirty)
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			for _, id := range []string{"b", "a", "c"} {
				require.NoError(t, s.Put(ctx, sampleRecord(id, 2)))
			}
			recs, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})
			assert.Len(t, recs[1].Assignments, 5)

			require.NoError(t, s.Delete(ctx, "b"))
			require.NoError(t, s.Delete(ctx, "b"))
			_, err = s.Get(ctx, "b")
			require.ErrorIs(t, err, localdb.ErrNotFound)

			recs, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, recs, 2)
		})
	}
}

func TestStoreRejectsInvalidRecord(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			rec := sampleRecord("doc-1", 0)
			rec.Assignments = append(rec.Assignments, model.Assignment{GeoID: "A2", Zone: 1})
			require.Error(t, s.Put(ctx, rec))

			rec = sampleRecord("doc-1", 0)
			rec.Document.ID = "other"
			require.Error(t, s.Put(ctx, rec))

			_, err := s.Get(ctx, "doc-1")
			require.ErrorIs(t, err, localdb.ErrNotFound)
		})
	}
}

// 并发读写：读者只能看到完整的旧记录或完整的新记录
func TestStoreReadersNeverSeeHalfRecord(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			small := sampleRecord("doc-1", 0)
			big := sampleRecord("doc-1", 200)
			require.NoError(t, s.Put(ctx, small))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					rec := big
					if i%2 == 1 {
						rec = small
					}
					assert.NoError(t, s.Put(ctx, rec))
				}
			}()
			for i := 0; i < 50; i++ {
				got, err := s.Get(ctx, "doc-1")
				require.NoError(t, err)
				n := len(got.Assignments)
				assert.True(t, n == len(small.Assignments) || n == len(big.Assignments), "observed %d rows", n)
			}
			wg.Wait()
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plans.db")
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, sampleRecord("doc-1", 3)))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, got.Assignments, 6)
	assert.Equal(t, "A1", got.Assignments[0].ParentPath)
}

func TestFileStoreEscapesIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := file.Open(dir)
	require.NoError(t, err)
	rec := sampleRecord("../escape", 0)
	require.NoError(t, s.Put(ctx, rec))
	got, err := s.Get(ctx, "../escape")
	require.NoError(t, err)
	assert.Equal(t, "../escape", got.ID)
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

type failingStore struct{ localdb.Store }

var errDisk = errors.New("disk unavailable")

func (failingStore) Put(context.Context, localdb.Record) error { return errDisk }
func (failingStore) Get(context.Context, string) (localdb.Record, error) {
	return localdb.Record{}, errDisk
}
func (failingStore) List(context.Context) ([]localdb.Record, error) { return nil, errDisk }
func (failingStore) Close() error                                   { return nil }

func TestChainMirrorsWritesAndFallsBack(t *testing.T) {
	ctx := context.Background()
	primary := backends()[0].open(t)
	export := backends()[1].open(t)
	c := localdb.NewChain(primary, nil, export)

	require.NoError(t, c.Put(ctx, sampleRecord("doc-1", 1)))
	for _, s := range []localdb.Store{primary, export} {
		_, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
	}

	require.NoError(t, export.Put(ctx, sampleRecord("only-export", 0)))
	got, err := c.Get(ctx, "only-export")
	require.NoError(t, err)
	assert.Equal(t, "only-export", got.ID)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = c.Get(ctx, "nope")
	require.ErrorIs(t, err, localdb.ErrNotFound)

	require.NoError(t, c.Delete(ctx, "doc-1"))
	_, err = export.Get(ctx, "doc-1")
	require.ErrorIs(t, err, localdb.ErrNotFound)
}

func TestChainReportsBackendFailure(t *testing.T) {
	ctx := context.Background()
	ok := backends()[1].open(t)
	c := localdb.NewChain(failingStore{}, ok)

	err := c.Put(ctx, sampleRecord("doc-1", 0))
	require.ErrorIs(t, err, errDisk)
	// 健康的后端仍然写入成功，读取可以退回到它
	got, err := c.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.ID)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDynamicSwapsBackend(t *testing.T) {
	ctx := context.Background()
	d := &localdb.Dynamic{}
	require.ErrorIs(t, d.Put(ctx, sampleRecord("doc-1", 0)), localdb.ErrNoBackend)

	a := backends()[1].open(t)
	assert.Nil(t, d.Set(a))
	require.NoError(t, d.Put(ctx, sampleRecord("doc-1", 0)))

	b := backends()[1].open(t)
	old := d.Set(b)
	assert.Same(t, a, old)
	_, err := d.Get(ctx, "doc-1")
	require.ErrorIs(t, err, localdb.ErrNotFound)
	_, err = a.Get(ctx, "doc-1")
	require.NoError(t, err)
}
