package service

import (
	"context"
	"sort"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LionTao/misty/internal/algorithm"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/validation"
)

// SimilarTrajectory is one match of a similarity query
type SimilarTrajectory struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// QueryAgentService finds trajectories within a Hausdorff distance of a given trajectory
type QueryAgentService struct {
	reader       RegionReader
	trajectories TrajectoryStore
	transform    geo.Transform
	inverse      orb.Projection
	validator    *validation.Validator
	concurrency  int
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewQueryAgentService creates a query agent. threshold units are those of transform.
func NewQueryAgentService(
	reader RegionReader,
	trajectories TrajectoryStore,
	transform geo.Transform,
	inverse orb.Projection,
	m *metrics.Metrics,
	logger *zap.Logger,
) *QueryAgentService {
	return &QueryAgentService{
		reader:       reader,
		trajectories: trajectories,
		transform:    transform,
		inverse:      inverse,
		validator:    validation.NewValidator(),
		concurrency:  16,
		metrics:      m,
		logger:       logger,
	}
}

// QueryByTrajectory returns stored trajectories within threshold of points, closest first
func (q *QueryAgentService) QueryByTrajectory(ctx context.Context, points []model.TrajectoryPoint, threshold float64) ([]SimilarTrajectory, error) {
	return q.similar(ctx, points, threshold, "")
}

// QueryByID is QueryByTrajectory for a stored trajectory, excluding itself
func (q *QueryAgentService) QueryByID(ctx context.Context, id string, threshold float64) ([]SimilarTrajectory, error) {
	points, err := q.trajectories.Trajectory(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.similar(ctx, points, threshold, id)
}

func (q *QueryAgentService) similar(ctx context.Context, points []model.TrajectoryPoint, threshold float64, exclude string) ([]SimilarTrajectory, error) {
	if threshold < 0 {
		return nil, errors.InvalidArgument("threshold must not be negative", nil)
	}
	for _, p := range points {
		if err := q.validator.ValidatePoint(p); err != nil {
			return nil, err
		}
	}
	q.metrics.SimilarityQueriesTotal.Inc()

	query, err := geo.BufferedTrajectory(points, threshold, q.transform, q.inverse)
	if err != nil {
		return nil, err
	}

	read, err := q.reader.Read(ctx, query)
	if err != nil {
		return nil, err
	}
	q.metrics.SimilarityCandidates.Observe(float64(len(read.IDs)))

	var (
		results = make([]SimilarTrajectory, len(read.IDs))
		keep    = make([]bool, len(read.IDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)
	for i, id := range read.IDs {
		i, id := i, id
		if id == exclude {
			continue
		}
		g.Go(func() error {
			candidate, err := q.trajectories.Trajectory(gctx, id)
			if errors.GetCode(err) == errors.ErrCodeNotFound {
				// Indexed but assembled elsewhere; nothing to compare against
				return nil
			}
			if err != nil {
				return err
			}
			d := algorithm.Hausdorff(points, candidate, q.transform)
			if d <= threshold {
				results[i] = SimilarTrajectory{ID: id, Distance: d}
				keep[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SimilarTrajectory, 0, len(results))
	for i, r := range results {
		if keep[i] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})

	q.logger.Debug("Similarity query completed",
		zap.Int("candidates", len(read.IDs)),
		zap.Int("matches", len(out)),
		zap.Float64("threshold", threshold))
	return out, nil
}
