package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"districtr-sync/internal/logger"
)

var ErrNoFeatures = errors.New("layer has no usable features")

// 文档注释：从 GeoJSON 文件加载一个图层
// 背景：父层与子层各是一份 FeatureCollection（也接受单个 Feature）；要素 id 依次取 properties.path、
// properties.id、properties.GEOID20、Feature.id；properties.parent_path 存在时直接给出父子关系。
// 约束：没有 id 或没有多边形几何的要素跳过并记日志；重复 id 以先出现者为准。
// 异常：文件不可读、不是合法 JSON 或没有任何可用要素时返回错误。
func LoadLayer(path string) (*Layer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var gj map[string]any
	if err := json.Unmarshal(b, &gj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	l := &Layer{Name: name, byID: make(map[string]int)}
	switch strings.ToLower(getStr(gj, "type")) {
	case "featurecollection":
		arr, _ := gj["features"].([]any)
		for i, it := range arr {
			f, ok := it.(map[string]any)
			if !ok {
				continue
			}
			l.add(parseFeature(f), i)
		}
	case "feature":
		l.add(parseFeature(gj), 0)
	default:
		return nil, fmt.Errorf("parse %s: unsupported GeoJSON type %q", path, getStr(gj, "type"))
	}
	if len(l.Features) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoFeatures)
	}
	logger.L().Info("geometry_layer_loaded", "layer", name, "features", len(l.Features))
	return l, nil
}

func (l *Layer) add(f Feature, idx int) {
	if f.ID == "" || len(f.Polys) == 0 {
		logger.L().Debug("geometry_feature_skip", "layer", l.Name, "index", idx, "id", f.ID)
		return
	}
	if _, dup := l.byID[f.ID]; dup {
		logger.L().Warn("geometry_feature_duplicate", "layer", l.Name, "id", f.ID)
		return
	}
	l.byID[f.ID] = len(l.Features)
	l.Features = append(l.Features, f)
}

func parseFeature(f map[string]any) Feature {
	var out Feature
	props, _ := f["properties"].(map[string]any)
	for _, k := range []string{"path", "id", "GEOID20"} {
		if v := getID(props, k); v != "" {
			out.ID = v
			break
		}
	}
	if out.ID == "" {
		out.ID = getID(f, "id")
	}
	out.ParentPath = getStr(props, "parent_path")
	if g, ok := f["geometry"].(map[string]any); ok {
		addPolysFromGeometry(&out, g)
	}
	return out
}

func addPolysFromGeometry(f *Feature, g map[string]any) {
	coords, _ := g["coordinates"].([]any)
	switch strings.ToLower(getStr(g, "type")) {
	case "polygon":
		if poly, ok := parsePolygon(coords); ok {
			f.Polys = append(f.Polys, poly)
		}
	case "multipolygon":
		for _, part := range coords {
			rings, _ := part.([]any)
			if poly, ok := parsePolygon(rings); ok {
				f.Polys = append(f.Polys, poly)
			}
		}
	}
}

func parsePolygon(rings []any) (Polygon, bool) {
	var poly Polygon
	for _, ring := range rings {
		arr, ok := ring.([]any)
		if !ok {
			continue
		}
		var rr []Point
		for _, p := range arr {
			if vv, ok := p.([]any); ok && len(vv) >= 2 {
				rr = append(rr, Point{Lon: toFloat(vv[0]), Lat: toFloat(vv[1])})
			}
		}
		poly.Rings = append(poly.Rings, rr)
	}
	if len(poly.Rings) == 0 || len(poly.Rings[0]) < 3 {
		return Polygon{}, false
	}
	poly.BBox = computeBBox(poly)
	return poly, true
}

func getStr(m map[string]any, k string) string {
	if v, ok := m[k].(string); ok {
		return v
	}
	return ""
}

// getID：id 可以是字符串或数字
func getID(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func toFloat(v any) float64 {
	if x, ok := v.(float64); ok {
		return x
	}
	return 0
}
