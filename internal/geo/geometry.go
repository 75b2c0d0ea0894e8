package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// touchEpsilon is the distance in degrees under which a point counts as lying on a line
const touchEpsilon = 1e-12

// SegmentIntersects reports whether the segment a-b intersects the geometry
func SegmentIntersects(g orb.Geometry, a, b orb.Point) bool {
	switch geom := g.(type) {
	case orb.Point:
		return planar.DistanceFromSegment(a, b, geom) <= touchEpsilon
	case orb.MultiPoint:
		for _, p := range geom {
			if planar.DistanceFromSegment(a, b, p) <= touchEpsilon {
				return true
			}
		}
		return false
	case orb.LineString:
		return lineCrosses(geom, a, b)
	case orb.MultiLineString:
		for _, ls := range geom {
			if lineCrosses(ls, a, b) {
				return true
			}
		}
		return false
	case orb.Ring:
		return polygonIntersects(orb.Polygon{geom}, a, b)
	case orb.Polygon:
		return polygonIntersects(geom, a, b)
	case orb.MultiPolygon:
		for _, p := range geom {
			if polygonIntersects(p, a, b) {
				return true
			}
		}
		return false
	case orb.Bound:
		return SegmentIntersectsBound(geom, a, b)
	case orb.Collection:
		for _, sub := range geom {
			if SegmentIntersects(sub, a, b) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// SegmentIntersectsBound reports whether the segment a-b touches the rectangle
func SegmentIntersectsBound(bound orb.Bound, a, b orb.Point) bool {
	if bound.Contains(a) || bound.Contains(b) {
		return true
	}
	if !bound.Intersects(orb.Bound{Min: a, Max: a}.Extend(b)) {
		return false
	}
	return polygonEdgesCross(bound.ToPolygon(), a, b)
}

// GeometryIntersectsBound reports whether the geometry touches the rectangle
func GeometryIntersectsBound(g orb.Geometry, bound orb.Bound) bool {
	if g == nil || !g.Bound().Intersects(bound) {
		return false
	}
	switch geom := g.(type) {
	case orb.Point:
		return bound.Contains(geom)
	case orb.MultiPoint:
		for _, p := range geom {
			if bound.Contains(p) {
				return true
			}
		}
		return false
	case orb.LineString:
		return lineIntersectsBound(geom, bound)
	case orb.MultiLineString:
		for _, ls := range geom {
			if lineIntersectsBound(ls, bound) {
				return true
			}
		}
		return false
	case orb.Ring:
		return polygonIntersectsBound(orb.Polygon{geom}, bound)
	case orb.Polygon:
		return polygonIntersectsBound(geom, bound)
	case orb.MultiPolygon:
		for _, p := range geom {
			if polygonIntersectsBound(p, bound) {
				return true
			}
		}
		return false
	case orb.Bound:
		return true
	case orb.Collection:
		for _, sub := range geom {
			if GeometryIntersectsBound(sub, bound) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func lineIntersectsBound(ls orb.LineString, bound orb.Bound) bool {
	if len(ls) == 1 {
		return bound.Contains(ls[0])
	}
	for i := 0; i+1 < len(ls); i++ {
		if SegmentIntersectsBound(bound, ls[i], ls[i+1]) {
			return true
		}
	}
	return false
}

func polygonIntersectsBound(p orb.Polygon, bound orb.Bound) bool {
	if len(p) == 0 {
		return false
	}
	// bound inside the polygon
	if planar.PolygonContains(p, bound.Center()) {
		return true
	}
	for _, corner := range []orb.Point{bound.Min, bound.Max, bound.LeftTop(), bound.RightBottom()} {
		if planar.PolygonContains(p, corner) {
			return true
		}
	}
	for _, ring := range p {
		for i := 0; i+1 < len(ring); i++ {
			if SegmentIntersectsBound(bound, ring[i], ring[i+1]) {
				return true
			}
		}
	}
	return false
}

func polygonIntersects(p orb.Polygon, a, b orb.Point) bool {
	if len(p) == 0 {
		return false
	}
	if planar.PolygonContains(p, a) || planar.PolygonContains(p, b) {
		return true
	}
	return polygonEdgesCross(p, a, b)
}

func polygonEdgesCross(p orb.Polygon, a, b orb.Point) bool {
	for _, ring := range p {
		if lineCrosses(orb.LineString(ring), a, b) {
			return true
		}
	}
	return false
}

func lineCrosses(ls orb.LineString, a, b orb.Point) bool {
	if len(ls) == 1 {
		return planar.DistanceFromSegment(a, b, ls[0]) <= touchEpsilon
	}
	for i := 0; i+1 < len(ls); i++ {
		if segmentsIntersect(ls[i], ls[i+1], a, b) {
			return true
		}
	}
	return false
}

// segmentsIntersect is the orientation test for closed segments p1-p2 and q1-q2
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}
