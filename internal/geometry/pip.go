package geometry

// 文档注释：点入多边形判定（Even-Odd）
// 背景：子单元的代表点落在哪个父单元内，就归属哪个父单元；支持洞与多面。
// 约束：坐标按 WGS84 经纬度处理；边界上的点归属不确定，调用方用环内部的代表点规避。
func pointInPoly(pt Point, poly Polygon) bool {
	if len(poly.Rings) == 0 || !inBBox(pt, poly.BBox) {
		return false
	}
	if !pointInRing(pt, poly.Rings[0]) {
		return false
	}
	for _, hole := range poly.Rings[1:] {
		if pointInRing(pt, hole) {
			return false
		}
	}
	return true
}

func pointInFeature(pt Point, f Feature) bool {
	for _, p := range f.Polys {
		if pointInPoly(pt, p) {
			return true
		}
	}
	return false
}

// 射线法判定点是否在环内
func pointInRing(pt Point, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	x, y := pt.Lon, pt.Lat
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func inBBox(pt Point, b [4]float64) bool {
	return pt.Lon >= b[0] && pt.Lon <= b[2] && pt.Lat >= b[1] && pt.Lat <= b[3]
}

func computeBBox(p Polygon) [4]float64 {
	b := [4]float64{180, 90, -180, -90}
	for _, r := range p.Rings {
		for _, pt := range r {
			b[0] = min(b[0], pt.Lon)
			b[1] = min(b[1], pt.Lat)
			b[2] = max(b[2], pt.Lon)
			b[3] = max(b[3], pt.Lat)
		}
	}
	return b
}

// samplePoint：第一个多边形外环顶点的均值（闭合点不重复计入）
// 约束：凸形与常见的块级单元足够；强凹形可能落在环外，此时该子单元不会被任何父单元认领。
func samplePoint(f Feature) (Point, bool) {
	if len(f.Polys) == 0 || len(f.Polys[0].Rings) == 0 {
		return Point{}, false
	}
	ring := f.Polys[0].Rings[0]
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
	}
	if len(ring) == 0 {
		return Point{}, false
	}
	var sum Point
	for _, p := range ring {
		sum.Lat += p.Lat
		sum.Lon += p.Lon
	}
	k := float64(len(ring))
	return Point{Lat: sum.Lat / k, Lon: sum.Lon / k}, true
}
