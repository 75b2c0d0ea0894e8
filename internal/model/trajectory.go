package model

import "fmt"

// TrajectoryPoint is a single geo-tagged sample of a trajectory.
// Timestamp is unix milliseconds so the struct stays comparable.
type TrajectoryPoint struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Lng       float64 `json:"lng"`
	Lat       float64 `json:"lat"`
}

// TrajectorySegment connects two consecutive points of one trajectory.
// Segments are compared by value, which gives set semantics when used as map keys.
type TrajectorySegment struct {
	ID    string          `json:"id"` // Owning trajectory id
	Start TrajectoryPoint `json:"start"`
	End   TrajectoryPoint `json:"end"`
}

// NewSegment builds the segment between two consecutive points of the same trajectory
func NewSegment(prev, next TrajectoryPoint) TrajectorySegment {
	return TrajectorySegment{
		ID:    next.ID,
		Start: prev,
		End:   next,
	}
}

// String implements fmt.Stringer
func (s TrajectorySegment) String() string {
	return fmt.Sprintf("%s[(%f,%f)->(%f,%f)]", s.ID, s.Start.Lng, s.Start.Lat, s.End.Lng, s.End.Lat)
}

// SegmentSet is a set of segments keyed by value
type SegmentSet map[TrajectorySegment]struct{}

// NewSegmentSet creates a set holding the given segments
func NewSegmentSet(segments ...TrajectorySegment) SegmentSet {
	set := make(SegmentSet, len(segments))
	for _, s := range segments {
		set[s] = struct{}{}
	}
	return set
}

// Add inserts a segment and reports whether it was new
func (s SegmentSet) Add(seg TrajectorySegment) bool {
	if _, ok := s[seg]; ok {
		return false
	}
	s[seg] = struct{}{}
	return true
}

// Contains reports whether the segment is in the set
func (s SegmentSet) Contains(seg TrajectorySegment) bool {
	_, ok := s[seg]
	return ok
}

// Slice returns the members in unspecified order
func (s SegmentSet) Slice() []TrajectorySegment {
	out := make([]TrajectorySegment, 0, len(s))
	for seg := range s {
		out = append(out, seg)
	}
	return out
}
