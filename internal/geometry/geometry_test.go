package geometry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districtr-sync/internal/assign"
	"districtr-sync/internal/model"
)

func square(x0, y0, x1, y1 float64) [][]float64 {
	return [][]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}
}

func feature(props map[string]any, geomType string, coords any) map[string]any {
	return map[string]any{
		"type":       "Feature",
		"properties": props,
		"geometry":   map[string]any{"type": geomType, "coordinates": coords},
	}
}

func writeLayer(t *testing.T, dir, name string, feats ...map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": "FeatureCollection", "features": feats})
	require.NoError(t, err)
	p := filepath.Join(dir, name+".geojson")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

// 父层：P1 = [0,2]x[0,2]，中间挖洞 [0.8,1.2]；P2 = [2,4]x[0,2] 由两块组成
func fixture(t *testing.T) (string, string) {
	dir := t.TempDir()
	parents := writeLayer(t, dir, "vtd",
		feature(map[string]any{"path": "P1"}, "Polygon", [][][]float64{square(0, 0, 2, 2), square(0.8, 0.8, 1.2, 1.2)}),
		feature(map[string]any{"GEOID20": "P2"}, "MultiPolygon", [][][][]float64{{square(2, 0, 3, 2)}, {square(3, 0, 4, 2)}}),
		feature(map[string]any{"path": "P3"}, "Point", []float64{9, 9}),
	)
	children := writeLayer(t, dir, "block",
		feature(map[string]any{"path": "c1"}, "Polygon", [][][]float64{square(0, 0, 1, 1)}),
		feature(map[string]any{"path": "c2"}, "Polygon", [][][]float64{square(1, 1, 2, 2)}),
		feature(map[string]any{"path": "hole"}, "Polygon", [][][]float64{square(0.9, 0.9, 1.1, 1.1)}),
		feature(map[string]any{"path": "c3"}, "Polygon", [][][]float64{square(2, 0, 3, 1)}),
		feature(map[string]any{"path": "c4"}, "Polygon", [][][]float64{square(3, 1, 4, 2)}),
		feature(map[string]any{"path": "x1", "parent_path": "PX"}, "Polygon", [][][]float64{square(0, 1, 1, 2)}),
	)
	return parents, children
}

func TestLoadLayer(t *testing.T) {
	parents, _ := fixture(t)
	l, err := LoadLayer(parents)
	require.NoError(t, err)
	assert.Equal(t, "vtd", l.Name)
	assert.Equal(t, 2, l.Len())
	p2, ok := l.Feature("P2")
	require.True(t, ok)
	assert.Len(t, p2.Polys, 2)
	assert.Equal(t, [4]float64{2, 0, 3, 2}, p2.Polys[0].BBox)
	_, ok = l.Feature("P3")
	assert.False(t, ok)
}

func TestLoadLayerErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadLayer(filepath.Join(dir, "missing.geojson"))
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.geojson")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = LoadLayer(bad)
	require.Error(t, err)

	empty := writeLayer(t, dir, "empty")
	_, err = LoadLayer(empty)
	require.ErrorIs(t, err, ErrNoFeatures)
}

func TestChildrenByPointInPolygon(t *testing.T) {
	parents, children := fixture(t)
	ix, err := LoadIndex(context.Background(), parents, children, nil)
	require.NoError(t, err)

	got, err := ix.Children(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got)

	got, err = ix.Children(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c4"}, got)
}

func TestChildrenByParentPathProperty(t *testing.T) {
	dir := t.TempDir()
	parents := writeLayer(t, dir, "vtd",
		feature(map[string]any{"path": "PX"}, "Polygon", [][][]float64{square(10, 10, 11, 11)}))
	_, children := fixture(t)
	ix, err := LoadIndex(context.Background(), parents, children, nil)
	require.NoError(t, err)

	got, err := ix.Children(context.Background(), "PX")
	require.NoError(t, err)
	assert.Equal(t, []string{"x1"}, got)
}

func TestChildrenUnknownParent(t *testing.T) {
	parents, children := fixture(t)
	ix, err := LoadIndex(context.Background(), parents, children, nil)
	require.NoError(t, err)
	_, err = ix.Children(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownParent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ix.Children(ctx, "P1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestChildrenServedFromCache(t *testing.T) {
	parents, children := fixture(t)
	cache := NewLRU(8, time.Minute)
	ix, err := LoadIndex(context.Background(), parents, children, cache)
	require.NoError(t, err)

	first, err := ix.Children(context.Background(), "P1")
	require.NoError(t, err)
	first[0] = "mutated"
	assert.Equal(t, 1, cache.Len())

	again, err := ix.Children(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, again)
}

func TestLRUEvictsAndExpires(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewLRU(2, time.Second)
	c.now = func() time.Time { return now }
	c.Set("a", []string{"1"})
	c.Set("b", []string{"2"})
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", []string{"3"})
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry dropped")
	assert.Equal(t, 1, c.Len())
}

func TestSamplePointSkipsClosingVertex(t *testing.T) {
	f := Feature{Polys: []Polygon{{Rings: [][]Point{{{0, 0}, {0, 4}, {2, 4}, {2, 0}, {0, 0}}}}}}
	pt, ok := samplePoint(f)
	require.True(t, ok)
	assert.Equal(t, Point{Lat: 1, Lon: 2}, pt)

	_, ok = samplePoint(Feature{})
	assert.False(t, ok)
}

func TestIndexDrivesPlanShatter(t *testing.T) {
	parents, children := fixture(t)
	ix, err := LoadIndex(context.Background(), parents, children, nil)
	require.NoError(t, err)

	p := assign.New(assign.Options{NumDistricts: 3})
	p.Assign(2, []string{"P1"})
	kids, c, err := p.Shatter(context.Background(), ix, "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, c.Shattered)
	assert.Equal(t, []string{"c1", "c2"}, kids)
	z, ok := p.Zone("c1")
	require.True(t, ok)
	assert.Equal(t, model.Zone(2), z)
}
