package geometry

// 文档注释：几何层的最小数据结构
// 背景：一个图层对应一份 GeoJSON FeatureCollection（如 VTD 父层、block 子层）；常驻内存只保留判定所需的环与包围盒。
// 约束：几何仅支持 Polygon/MultiPolygon；每个多边形第一环为外环，其余为洞。
type Feature struct {
	ID         string
	ParentPath string
	Polys      []Polygon
}

// Polygon：按 GeoJSON 约定的环集合
type Polygon struct {
	Rings [][]Point
	BBox  [4]float64 // minLon, minLat, maxLon, maxLat
}

type Point struct{ Lat, Lon float64 }

// Layer：按加载顺序保存的要素与 id 索引
type Layer struct {
	Name     string
	Features []Feature
	byID     map[string]int
}

func (l *Layer) Feature(id string) (Feature, bool) {
	i, ok := l.byID[id]
	if !ok {
		return Feature{}, false
	}
	return l.Features[i], true
}

func (l *Layer) Len() int { return len(l.Features) }
