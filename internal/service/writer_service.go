package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/util/retry"
	"github.com/LionTao/misty/internal/validation"
)

// ProtocolConfig holds the writer and reader retry configuration
type ProtocolConfig struct {
	Deadline   time.Duration
	RPCTimeout time.Duration
}

// WriteResult reports where a segment landed
type WriteResult struct {
	AcceptedBy  []string `json:"accepted_by"`
	Rejections  int      `json:"rejections"`
	WidenRounds int      `json:"widen_rounds"`
}

// WriterService delivers segments to their shards, widening to finer
// resolutions around shards that reject because they split
type WriterService struct {
	cfg       *ProtocolConfig
	directory DirectoryAPI
	shards    ShardAPI
	grid      *grid.Grid
	retry     *retry.Policy
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewWriterService creates a new writer
func NewWriterService(
	cfg *ProtocolConfig,
	directory DirectoryAPI,
	shards ShardAPI,
	g *grid.Grid,
	policy *retry.Policy,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WriterService {
	// Own copy so retries are attributed to this protocol; the limiter stays shared
	p := *policy
	p.OnRetry = func(attempt int, err error) {
		m.TransportRetriesTotal.WithLabelValues("write").Inc()
	}

	return &WriterService{
		cfg:       cfg,
		directory: directory,
		shards:    shards,
		grid:      g,
		retry:     &p,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
	}
}

type writeState struct {
	mu         sync.Mutex
	accepted   map[string]struct{}
	rejections int
	rounds     int
}

// Write delivers the segment until every candidate branch is absorbed by a shard
func (w *WriterService) Write(ctx context.Context, segment model.TrajectorySegment) (*WriteResult, error) {
	if err := w.validator.ValidateSegment(segment); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Deadline)
	defer cancel()

	state := &writeState{accepted: make(map[string]struct{})}
	err := w.write(ctx, segment, state)
	w.metrics.RecordProtocol("write", time.Since(start).Seconds(), err)
	if err != nil {
		w.logger.Warn("Segment delivery failed",
			zap.String("trajectory_id", segment.ID),
			zap.Int("widen_rounds", state.rounds),
			zap.Error(err))
		return nil, err
	}

	result := &WriteResult{
		AcceptedBy:  make([]string, 0, len(state.accepted)),
		Rejections:  state.rejections,
		WidenRounds: state.rounds,
	}
	for cell := range state.accepted {
		result.AcceptedBy = append(result.AcceptedBy, cell)
	}
	sort.Strings(result.AcceptedBy)
	return result, nil
}

func (w *WriterService) write(ctx context.Context, segment model.TrajectorySegment, state *writeState) error {
	var candidates []string
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, w.cfg.RPCTimeout)
		defer cancel()

		var err error
		candidates, err = w.directory.Query(rctx, segment.Start, segment.End)
		return err
	})
	if err != nil {
		return w.deadline(ctx, err)
	}
	return w.deliver(ctx, segment, candidates, 0, state)
}

// deliver sends the segment to every candidate concurrently; each rejecting
// candidate is replaced by its widened covering at the hinted resolution.
// round is the number of widenings behind candidates; sibling rejections
// widening in parallel belong to the same round.
func (w *WriterService) deliver(ctx context.Context, segment model.TrajectorySegment, candidates []string, round int, state *writeState) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cell := range candidates {
		cell := cell
		g.Go(func() error {
			accepted, hint, err := w.accept(gctx, cell, segment)
			if err != nil {
				return err
			}
			if accepted {
				state.mu.Lock()
				state.accepted[cell] = struct{}{}
				state.mu.Unlock()
				return nil
			}

			widened, err := w.widen(cell, hint, segment)
			if err != nil {
				return err
			}

			state.mu.Lock()
			state.rejections++
			newRound := round+1 > state.rounds
			if newRound {
				state.rounds = round + 1
			}
			state.mu.Unlock()
			if newRound {
				w.metrics.WidenRoundsTotal.WithLabelValues("write").Inc()
			}
			w.logger.Debug("Shard rejected segment, widening",
				zap.String("cell", cell),
				zap.Int("resolution_hint", hint),
				zap.Strings("widened", widened))

			return w.deliver(gctx, segment, widened, round+1, state)
		})
	}
	return g.Wait()
}

func (w *WriterService) accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	var (
		accepted bool
		hint     int
	)
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, w.cfg.RPCTimeout)
		defer cancel()

		var err error
		accepted, hint, err = w.shards.Accept(rctx, cell, segment)
		return err
	})
	if err != nil {
		return false, 0, w.deadline(ctx, err)
	}
	return accepted, hint, nil
}

// widen computes the candidates replacing a rejecting cell: the covering at
// the hinted resolution, narrowed to the members holding an endpoint
func (w *WriterService) widen(cell string, hint int, segment model.TrajectorySegment) ([]string, error) {
	parsed, err := grid.Parse(cell)
	if err != nil {
		return nil, err
	}
	if hint <= parsed.Resolution() || hint > w.grid.MaxResolution() {
		// Shards at the finest resolution never retire
		return nil, errors.InternalError("rejection without a finer resolution", nil).
			WithDetail("cell", cell).
			WithDetail("resolution_hint", hint)
	}

	covering := w.grid.ExpandToCover(parsed, hint)
	startCell := grid.CellOf(segment.Start, hint)
	endCell := grid.CellOf(segment.End, hint)

	narrowed := make([]string, 0, 2)
	all := make([]string, 0, len(covering))
	for _, c := range covering {
		all = append(all, grid.ID(c))
		if c == startCell || c == endCell {
			narrowed = append(narrowed, grid.ID(c))
		}
	}
	if len(narrowed) > 0 {
		return narrowed, nil
	}
	return all, nil
}

// deadline turns an expired context into a timeout error
func (w *WriterService) deadline(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.GetCode(err) != errors.ErrCodeDeadlineExceeded {
		return errors.DeadlineExceeded("write", err)
	}
	return err
}
