package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LionTao/misty/internal/model"
)

func seg(x1, y1, x2, y2 float64) model.TrajectorySegment {
	return model.TrajectorySegment{
		ID:    "t",
		Start: model.TrajectoryPoint{ID: "t", Timestamp: 1, Lng: x1, Lat: y1},
		End:   model.TrajectoryPoint{ID: "t", Timestamp: 2, Lng: x2, Lat: y2},
	}
}

func TestParseWKT(t *testing.T) {
	q, err := ParseWKT("POLYGON((0 0,10 0,10 10,0 10,0 0))")
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, q.Bound)

	_, err = ParseWKT("POLYGON((0 0")
	assert.Error(t, err)
}

func TestQueryMatchesSegment(t *testing.T) {
	q, err := ParseWKT("POLYGON((0 0,10 0,10 10,0 10,0 0))")
	require.NoError(t, err)

	tests := []struct {
		name string
		s    model.TrajectorySegment
		want bool
	}{
		{"inside", seg(1, 1, 2, 2), true},
		{"start inside", seg(5, 5, 20, 20), true},
		{"crossing", seg(-5, 5, 15, 5), true},
		{"outside", seg(11, 11, 12, 12), false},
		{"bound overlap but outside diagonal", seg(-1, 9, 1, 12), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, q.MatchesSegment(tt.s))
		})
	}
}

func TestQueryLineString(t *testing.T) {
	q, err := ParseWKT("LINESTRING(0 5,10 5)")
	require.NoError(t, err)
	assert.True(t, q.MatchesSegment(seg(5, 0, 5, 10)))
	assert.False(t, q.MatchesSegment(seg(5, 6, 5, 10)))
}

func TestGeometryIntersectsBound(t *testing.T) {
	poly := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}

	assert.True(t, GeometryIntersectsBound(poly, orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{3, 3}}))
	assert.True(t, GeometryIntersectsBound(poly, orb.Bound{Min: orb.Point{-5, -5}, Max: orb.Point{20, 20}}))
	assert.True(t, GeometryIntersectsBound(poly, orb.Bound{Min: orb.Point{9, 9}, Max: orb.Point{11, 11}}))
	assert.False(t, GeometryIntersectsBound(poly, orb.Bound{Min: orb.Point{11, 11}, Max: orb.Point{12, 12}}))

	tri := orb.Polygon{{{0, 0}, {10, 0}, {0, 10}, {0, 0}}}
	assert.False(t, GeometryIntersectsBound(tri, orb.Bound{Min: orb.Point{8, 8}, Max: orb.Point{9, 9}}))
}

func TestTransforms(t *testing.T) {
	x, y := Identity(1, 2)
	assert.Equal(t, 1.0, x)
	assert.Equal(t, 2.0, y)

	x, y = Mercator(0, 0)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)

	tr, err := NewTransform("mercator")
	require.NoError(t, err)
	inv, err := Inverse("mercator")
	require.NoError(t, err)
	back := inv(tr.Point(orb.Point{116.4, 39.9}))
	assert.InDelta(t, 116.4, back[0], 1e-9)
	assert.InDelta(t, 39.9, back[1], 1e-9)

	_, err = NewTransform("lambert")
	assert.Error(t, err)
}

func TestBufferedTrajectory(t *testing.T) {
	points := []model.TrajectoryPoint{
		{ID: "a", Timestamp: 1, Lng: 0, Lat: 0},
		{ID: "a", Timestamp: 2, Lng: 1, Lat: 0},
	}
	q, err := BufferedTrajectory(points, 0.5, Identity, func(p orb.Point) orb.Point { return p })
	require.NoError(t, err)
	assert.True(t, q.MatchesSegment(seg(0.5, 0.4, 0.5, 0.45)))
	assert.False(t, q.MatchesSegment(seg(0.5, 0.6, 0.5, 0.7)))

	_, err = BufferedTrajectory(nil, 1, Identity, nil)
	assert.Error(t, err)
}
