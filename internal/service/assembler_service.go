package service

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/store"
	"github.com/LionTao/misty/internal/validation"
)

const assemblerStripes = 256

// trajectoryState is the persisted point sequence of one trajectory
type trajectoryState struct {
	Points []model.TrajectoryPoint `json:"points"`
}

// AssemblerService turns per-trajectory point streams into segments and hands
// them to the writer. Points of one trajectory are processed one at a time.
type AssemblerService struct {
	writer     SegmentWriter
	stateStore store.StateStore
	codec      *store.Codec
	validator  *validation.Validator
	stripes    [assemblerStripes]sync.Mutex
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewAssemblerService creates a new assembler
func NewAssemblerService(
	writer SegmentWriter,
	stateStore store.StateStore,
	codec *store.Codec,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AssemblerService {
	return &AssemblerService{
		writer:     writer,
		stateStore: stateStore,
		codec:      codec,
		validator:  validation.NewValidator(),
		metrics:    m,
		logger:     logger,
	}
}

func (a *AssemblerService) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &a.stripes[h.Sum32()%assemblerStripes]
}

// AcceptPoint appends a point to its trajectory and writes the segment it
// closes. Re-sending the latest point re-delivers its segment; older or
// equal-timestamp points are rejected.
func (a *AssemblerService) AcceptPoint(ctx context.Context, point model.TrajectoryPoint) (*WriteResult, error) {
	if err := a.validator.ValidatePoint(point); err != nil {
		a.metrics.PointsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	mu := a.lock(point.ID)
	mu.Lock()
	defer mu.Unlock()

	var state trajectoryState
	key := store.TrajectoryKey(point.ID)
	if _, err := store.Load(ctx, a.stateStore, a.codec, key, &state); err != nil {
		return nil, errors.CorruptedState(key, err)
	}

	n := len(state.Points)
	if n > 0 {
		last := state.Points[n-1]
		switch {
		case last == point:
			// Retry of the latest point
			if n == 1 {
				a.metrics.PointsTotal.WithLabelValues("duplicate").Inc()
				return &WriteResult{}, nil
			}
			a.metrics.PointsTotal.WithLabelValues("duplicate").Inc()
			return a.writer.Write(ctx, model.NewSegment(state.Points[n-2], point))
		case point.Timestamp <= last.Timestamp:
			a.metrics.PointsTotal.WithLabelValues("out_of_order").Inc()
			return nil, errors.InvalidArgument("point is not newer than the previous point of its trajectory", nil).
				WithDetail("trajectory_id", point.ID).
				WithDetail("timestamp", point.Timestamp).
				WithDetail("previous_timestamp", last.Timestamp)
		}
	}

	state.Points = append(state.Points, point)
	if err := store.Save(ctx, a.stateStore, a.codec, key, state); err != nil {
		return nil, errors.PersistenceFailed(key, err)
	}
	if err := a.stateStore.Flush(ctx); err != nil {
		return nil, errors.PersistenceFailed(key, err)
	}
	a.metrics.PointsTotal.WithLabelValues("accepted").Inc()

	if n == 0 {
		a.logger.Debug("Trajectory started", zap.String("trajectory_id", point.ID))
		return &WriteResult{}, nil
	}

	result, err := a.writer.Write(ctx, model.NewSegment(state.Points[n-1], point))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Trajectory returns the stored points of a trajectory
func (a *AssemblerService) Trajectory(ctx context.Context, id string) ([]model.TrajectoryPoint, error) {
	if err := a.validator.ValidateTrajectoryID(id); err != nil {
		return nil, err
	}

	var state trajectoryState
	key := store.TrajectoryKey(id)
	found, err := store.Load(ctx, a.stateStore, a.codec, key, &state)
	if err != nil {
		return nil, errors.CorruptedState(key, err)
	}
	if !found {
		return nil, errors.NotFound("trajectory " + id)
	}
	return state.Points, nil
}
