package grid

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/model"
)

const (
	// MinResolution is the coarsest H3 resolution
	MinResolution = 0
	// MaxResolution is the finest H3 resolution
	MaxResolution = 15
	// DefaultCoveringRadius is the ring radius used when expanding a cell to the next resolution
	DefaultCoveringRadius = 2
)

// Cell identifies a hexagon of the hierarchical grid. The resolution is encoded in the index.
type Cell = h3.Cell

// Grid holds the parameters of the pure grid operations
type Grid struct {
	maxResolution  int
	coveringRadius int
}

// NewGrid creates a grid capped at maxResolution
func NewGrid(maxResolution, coveringRadius int) *Grid {
	if maxResolution <= MinResolution || maxResolution > MaxResolution {
		maxResolution = MaxResolution
	}
	if coveringRadius < 0 {
		coveringRadius = DefaultCoveringRadius
	}
	return &Grid{
		maxResolution:  maxResolution,
		coveringRadius: coveringRadius,
	}
}

// MaxResolution returns the finest resolution shards may split to
func (g *Grid) MaxResolution() int {
	return g.maxResolution
}

// CoveringRadius returns the ring radius used by ExpandToCover
func (g *Grid) CoveringRadius() int {
	return g.coveringRadius
}

// Parse decodes a cell id as produced by ID
func Parse(id string) (Cell, error) {
	c := h3.Cell(h3.IndexFromString(id))
	if !c.IsValid() {
		return 0, errors.InvalidCell(id)
	}
	return c, nil
}

// ID returns the canonical string form of a cell
func ID(c Cell) string {
	return c.String()
}

// CellOf returns the cell containing the point at the given resolution
func CellOf(p model.TrajectoryPoint, resolution int) Cell {
	return h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lng), resolution)
}

// CellIDOf is CellOf returning the string id
func CellIDOf(p model.TrajectoryPoint, resolution int) string {
	return CellOf(p, resolution).String()
}

// ChildResolution returns the resolution one level finer than the cell's
func ChildResolution(c Cell) int {
	return c.Resolution() + 1
}

// Contains reports whether the point falls into the cell at the cell's own resolution
func Contains(c Cell, p model.TrajectoryPoint) bool {
	return CellOf(p, c.Resolution()) == c
}

// ExpandToCover returns the cells at childResolution that cover the footprint of c:
// the grid disk of the configured radius around the centrally nested child.
// Returned ids are sorted for deterministic iteration.
func (g *Grid) ExpandToCover(c Cell, childResolution int) []Cell {
	if childResolution <= c.Resolution() || childResolution > MaxResolution {
		return nil
	}
	center := c.CenterChild(childResolution)
	cells := center.GridDisk(g.coveringRadius)
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	return cells
}

// ExpandIDs is ExpandToCover over string ids
func (g *Grid) ExpandIDs(cellID string, childResolution int) ([]string, error) {
	c, err := Parse(cellID)
	if err != nil {
		return nil, err
	}
	cells := g.ExpandToCover(c, childResolution)
	ids := make([]string, len(cells))
	for i, child := range cells {
		ids[i] = child.String()
	}
	return ids, nil
}

// Boundary returns the closed hexagon ring of the cell in lng/lat
func Boundary(c Cell) orb.Ring {
	boundary := c.Boundary()
	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, ll := range boundary {
		ring = append(ring, orb.Point{ll.Lng, ll.Lat})
	}
	if len(ring) > 0 {
		ring = append(ring, ring[0])
	}
	return ring
}

// Bound returns the minimum bounding rectangle of the cell in lng/lat.
// Cells straddling the antimeridian get the full longitude range.
func Bound(c Cell) orb.Bound {
	b := Boundary(c).Bound()
	if b.Max[0]-b.Min[0] > 180 {
		b.Min[0] = -180
		b.Max[0] = 180
	}
	return b
}
