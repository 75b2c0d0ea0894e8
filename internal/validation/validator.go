package validation

import (
	"math"
	"strings"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/model"
)

const (
	// Size limits
	MaxTrajectoryIDSize = 256
	MaxBatchSegments    = 100000
	MaxQueryWKTSize     = 1 << 20 // 1 MB
)

// Validator validates typed records at the service boundary
type Validator struct {
	maxTrajectoryIDSize int
	maxBatchSegments    int
	maxQueryWKTSize     int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxTrajectoryIDSize: MaxTrajectoryIDSize,
		maxBatchSegments:    MaxBatchSegments,
		maxQueryWKTSize:     MaxQueryWKTSize,
	}
}

// ValidatePoint validates a single trajectory point
func (v *Validator) ValidatePoint(p model.TrajectoryPoint) error {
	if err := v.ValidateTrajectoryID(p.ID); err != nil {
		return err
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return errors.InvalidArgument("longitude must be within [-180, 180]", nil).
			WithDetail("longitude", p.Lng)
	}
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return errors.InvalidArgument("latitude must be within [-90, 90]", nil).
			WithDetail("latitude", p.Lat)
	}
	return nil
}

// ValidateTrajectoryID validates a trajectory identifier
func (v *Validator) ValidateTrajectoryID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.InvalidArgument("trajectory ID cannot be empty", nil)
	}
	if len(id) > v.maxTrajectoryIDSize {
		return errors.InvalidArgument("trajectory ID too long", nil).
			WithDetail("size", len(id)).
			WithDetail("max_size", v.maxTrajectoryIDSize)
	}
	return nil
}

// ValidateSegment validates a segment: both endpoints must be valid points
// belonging to the segment's trajectory
func (v *Validator) ValidateSegment(s model.TrajectorySegment) error {
	if err := v.ValidateTrajectoryID(s.ID); err != nil {
		return errors.MalformedSegment(s.ID, "empty trajectory id")
	}
	if err := v.ValidatePoint(s.Start); err != nil {
		return errors.MalformedSegment(s.ID, "invalid start: "+err.Error())
	}
	if err := v.ValidatePoint(s.End); err != nil {
		return errors.MalformedSegment(s.ID, "invalid end: "+err.Error())
	}
	if s.Start.ID != s.ID || s.End.ID != s.ID {
		return errors.MalformedSegment(s.ID, "endpoint belongs to another trajectory")
	}
	return nil
}

// ValidateSegments validates a batch of segments
func (v *Validator) ValidateSegments(segments []model.TrajectorySegment) error {
	if len(segments) > v.maxBatchSegments {
		return errors.InvalidArgument("too many segments in batch", nil).
			WithDetail("size", len(segments)).
			WithDetail("max_size", v.maxBatchSegments)
	}
	for _, s := range segments {
		if err := v.ValidateSegment(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWKT performs cheap size checks on a serialized query geometry
func (v *Validator) ValidateWKT(wkt string) error {
	if strings.TrimSpace(wkt) == "" {
		return errors.InvalidGeometry("empty geometry", nil)
	}
	if len(wkt) > v.maxQueryWKTSize {
		return errors.InvalidGeometry("geometry too large", nil)
	}
	return nil
}
