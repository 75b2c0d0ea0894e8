package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Transform maps lng/lat to planar coordinates used for distance computations
type Transform func(lng, lat float64) (x, y float64)

const (
	ProjectionMercator = "mercator"
	ProjectionIdentity = "identity"
)

// Mercator projects WGS84 coordinates to spherical (web) mercator meters
func Mercator(lng, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lng, lat})
	return p[0], p[1]
}

// Identity keeps lng/lat as planar coordinates
func Identity(lng, lat float64) (float64, float64) {
	return lng, lat
}

// NewTransform returns the transform registered under name
func NewTransform(name string) (Transform, error) {
	switch name {
	case "", ProjectionMercator:
		return Mercator, nil
	case ProjectionIdentity:
		return Identity, nil
	default:
		return nil, fmt.Errorf("unknown projection: %s", name)
	}
}

// Inverse returns the inverse of a known transform
func Inverse(name string) (orb.Projection, error) {
	switch name {
	case "", ProjectionMercator:
		return project.Mercator.ToWGS84, nil
	case ProjectionIdentity:
		return func(p orb.Point) orb.Point { return p }, nil
	default:
		return nil, fmt.Errorf("unknown projection: %s", name)
	}
}

// Point applies the transform to an orb point
func (t Transform) Point(p orb.Point) orb.Point {
	x, y := t(p[0], p[1])
	return orb.Point{x, y}
}
