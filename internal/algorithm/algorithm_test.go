package algorithm

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

func TestPlacementRing(t *testing.T) {
	ring := NewPlacementRing(50)
	assert.Equal(t, "", ring.Owner("anything"))

	ring.AddNode("node-a")
	ring.AddNode("node-b")
	ring.AddNode("node-b")
	assert.Equal(t, 2, ring.NodeCount())
	assert.Equal(t, []string{"node-a", "node-b"}, ring.Nodes())

	owners := map[string]int{}
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("cell-%d", i)
		owner := ring.Owner(key)
		assert.Equal(t, owner, ring.Owner(key), "placement is stable")
		owners[owner]++
	}
	assert.Greater(t, owners["node-a"], 100)
	assert.Greater(t, owners["node-b"], 100)

	ring.RemoveNode("node-a")
	for i := 0; i < 100; i++ {
		assert.Equal(t, "node-b", ring.Owner(fmt.Sprintf("cell-%d", i)))
	}
}

func pts(id string, coords ...float64) []model.TrajectoryPoint {
	out := make([]model.TrajectoryPoint, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		out = append(out, model.TrajectoryPoint{ID: id, Timestamp: int64(i), Lng: coords[i], Lat: coords[i+1]})
	}
	return out
}

func TestHausdorff(t *testing.T) {
	a := pts("a", 0, 0, 1, 0, 2, 0)
	b := pts("b", 0, 1, 1, 1, 2, 1)
	c := pts("c", 0, 0, 1, 0, 2, 0, 5, 0)

	assert.Equal(t, 0.0, Hausdorff(a, a, geo.Identity))
	assert.InDelta(t, 1.0, Hausdorff(a, b, geo.Identity), 1e-12)
	assert.Equal(t, Hausdorff(a, c, geo.Identity), Hausdorff(c, a, geo.Identity))
	assert.InDelta(t, 3.0, Hausdorff(a, c, geo.Identity), 1e-12)
	assert.True(t, math.IsInf(Hausdorff(a, nil, geo.Identity), 1))
}
