package algorithm

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

// Hausdorff returns the symmetric Hausdorff distance between two point
// sequences after projecting them with transform. Either side empty gives +Inf.
func Hausdorff(a, b []model.TrajectoryPoint, transform geo.Transform) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	pa := projectAll(a, transform)
	pb := projectAll(b, transform)
	return math.Max(directed(pa, pb), directed(pb, pa))
}

func directed(from, to []orb.Point) float64 {
	worst := 0.0
	for _, p := range from {
		best := math.Inf(1)
		for _, q := range to {
			if d := planar.DistanceSquared(p, q); d < best {
				best = d
				if best == 0 {
					break
				}
			}
		}
		if best > worst {
			worst = best
		}
	}
	return math.Sqrt(worst)
}

func projectAll(points []model.TrajectoryPoint, transform geo.Transform) []orb.Point {
	out := make([]orb.Point, len(points))
	for i, p := range points {
		out[i] = transform.Point(geo.PointOf(p))
	}
	return out
}
