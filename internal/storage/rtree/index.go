package rtree

import (
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

const (
	dimensions = 2
	// padding keeps degenerate (point or axis-aligned) rectangles non-empty
	padding = 1e-9

	DefaultMinChildren = 25
	DefaultMaxChildren = 50
)

// Entry is an item stored in the index together with its rectangle
type Entry[T any] struct {
	Value T
	rect  rtreego.Rect
}

// Bounds implements rtreego.Spatial
func (e *Entry[T]) Bounds() rtreego.Rect {
	return e.rect
}

// Index is a 2D R-tree over values of type T
type Index[T any] struct {
	minChildren int
	maxChildren int
	tree        *rtreego.Rtree
}

// NewIndex creates an empty index
func NewIndex[T any](minChildren, maxChildren int) *Index[T] {
	if minChildren <= 0 {
		minChildren = DefaultMinChildren
	}
	if maxChildren <= minChildren {
		maxChildren = 2 * minChildren
	}
	return &Index[T]{
		minChildren: minChildren,
		maxChildren: maxChildren,
		tree:        rtreego.NewTree(dimensions, minChildren, maxChildren),
	}
}

// NewEntry builds an entry for value covering bound
func NewEntry[T any](value T, bound orb.Bound) *Entry[T] {
	return &Entry[T]{Value: value, rect: toRect(bound)}
}

// Insert adds an entry
func (idx *Index[T]) Insert(e *Entry[T]) {
	idx.tree.Insert(e)
}

// Delete removes an entry previously inserted. Entries are matched by pointer.
func (idx *Index[T]) Delete(e *Entry[T]) bool {
	return idx.tree.Delete(e)
}

// Rebuild replaces the index content with entries using bulk loading
func (idx *Index[T]) Rebuild(entries []*Entry[T]) {
	objs := make([]rtreego.Spatial, len(entries))
	for i, e := range entries {
		objs[i] = e
	}
	idx.tree = rtreego.NewTree(dimensions, idx.minChildren, idx.maxChildren, objs...)
}

// Search returns every entry whose rectangle intersects bound
func (idx *Index[T]) Search(bound orb.Bound) []*Entry[T] {
	found := idx.tree.SearchIntersect(toRect(bound))
	out := make([]*Entry[T], 0, len(found))
	for _, s := range found {
		out = append(out, s.(*Entry[T]))
	}
	return out
}

// Size returns the number of entries
func (idx *Index[T]) Size() int {
	return idx.tree.Size()
}

func toRect(b orb.Bound) rtreego.Rect {
	r, err := rtreego.NewRectFromPoints(
		rtreego.Point{b.Min[0] - padding, b.Min[1] - padding},
		rtreego.Point{b.Max[0] + padding, b.Max[1] + padding},
	)
	if err != nil {
		// only possible on dimension mismatch
		panic(err)
	}
	return r
}
