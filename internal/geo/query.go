package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/model"
)

// Query is a parsed query geometry with its cached bound
type Query struct {
	Geometry orb.Geometry
	Bound    orb.Bound
}

// NewQuery wraps a geometry
func NewQuery(g orb.Geometry) (*Query, error) {
	if g == nil {
		return nil, errors.InvalidGeometry("nil geometry", nil)
	}
	b := g.Bound()
	if b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
		return nil, errors.InvalidGeometry("empty geometry", nil)
	}
	return &Query{Geometry: g, Bound: b}, nil
}

// ParseWKT parses a serialized query geometry
func ParseWKT(s string) (*Query, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, errors.InvalidGeometry("unparsable WKT", err)
	}
	return NewQuery(g)
}

// WKT serializes the query geometry
func (q *Query) WKT() string {
	return wkt.MarshalString(q.Geometry)
}

// MatchesSegment reports whether the segment intersects the query geometry
func (q *Query) MatchesSegment(s model.TrajectorySegment) bool {
	a, b := PointOf(s.Start), PointOf(s.End)
	if !q.Bound.Intersects(SegmentBound(s)) {
		return false
	}
	return SegmentIntersects(q.Geometry, a, b)
}

// MatchesBound reports whether the query geometry touches the rectangle
func (q *Query) MatchesBound(b orb.Bound) bool {
	return GeometryIntersectsBound(q.Geometry, b)
}

// PointOf converts a trajectory point to lng/lat
func PointOf(p model.TrajectoryPoint) orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// SegmentBound is the MBR of a segment
func SegmentBound(s model.TrajectorySegment) orb.Bound {
	return orb.Bound{Min: PointOf(s.Start), Max: PointOf(s.Start)}.Extend(PointOf(s.End))
}

// BufferedTrajectory builds a query covering every segment MBR of the point sequence
// expanded by distance planar units. The expansion happens in the projected space and
// is mapped back to lng/lat with inverse.
func BufferedTrajectory(points []model.TrajectoryPoint, distance float64, transform Transform, inverse orb.Projection) (*Query, error) {
	if len(points) == 0 {
		return nil, errors.InvalidGeometry("empty trajectory", nil)
	}
	if len(points) == 1 {
		points = append(points, points[0])
	}
	mp := make(orb.MultiPolygon, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		a := transform.Point(PointOf(points[i]))
		b := transform.Point(PointOf(points[i+1]))
		box := orb.Bound{Min: a, Max: a}.Extend(b).Pad(distance)
		mp = append(mp, orb.Polygon{projectRing(box.ToRing(), inverse)})
	}
	return NewQuery(mp)
}

func projectRing(r orb.Ring, proj orb.Projection) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[i] = proj(p)
	}
	return out
}
