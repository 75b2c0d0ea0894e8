package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/util/retry"
)

// ReadResult is the deduplicated answer of a region query
type ReadResult struct {
	IDs         []string `json:"ids"`
	Queried     []string `json:"queried"`
	WidenRounds int      `json:"widen_rounds"`
}

// ReaderService answers region queries, re-querying the finer covering of any
// shard that refuses because it retired
type ReaderService struct {
	cfg       *ProtocolConfig
	directory DirectoryAPI
	shards    ShardAPI
	grid      *grid.Grid
	retry     *retry.Policy
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReaderService creates a new reader
func NewReaderService(
	cfg *ProtocolConfig,
	directory DirectoryAPI,
	shards ShardAPI,
	g *grid.Grid,
	policy *retry.Policy,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReaderService {
	p := *policy
	p.OnRetry = func(attempt int, err error) {
		m.TransportRetriesTotal.WithLabelValues("read").Inc()
	}

	return &ReaderService{
		cfg:       cfg,
		directory: directory,
		shards:    shards,
		grid:      g,
		retry:     &p,
		metrics:   m,
		logger:    logger,
	}
}

type readState struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	visited map[string]struct{}
	rounds  int
}

// claim marks cell as queried and reports whether it was new
func (s *readState) claim(cell string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visited[cell]; ok {
		return false
	}
	s.visited[cell] = struct{}{}
	return true
}

// Read resolves the candidate shards of the query and merges their answers
func (r *ReaderService) Read(ctx context.Context, query *geo.Query) (*ReadResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	state := &readState{
		ids:     make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
	err := r.read(ctx, query, state)
	r.metrics.RecordProtocol("read", time.Since(start).Seconds(), err)
	if err != nil {
		r.logger.Warn("Region query failed", zap.Int("widen_rounds", state.rounds), zap.Error(err))
		return nil, err
	}

	return &ReadResult{
		IDs:         sortedKeys(state.ids),
		Queried:     sortedKeys(state.visited),
		WidenRounds: state.rounds,
	}, nil
}

func (r *ReaderService) read(ctx context.Context, query *geo.Query, state *readState) error {
	var candidates []string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		defer cancel()

		var err error
		candidates, err = r.directory.RegionQuery(rctx, query)
		return err
	})
	if err != nil {
		return r.deadline(ctx, err)
	}
	return r.queryAll(ctx, query, candidates, 0, state)
}

// queryAll queries candidates concurrently, widening around shards that
// reject; round is the widening depth of candidates
func (r *ReaderService) queryAll(ctx context.Context, query *geo.Query, candidates []string, round int, state *readState) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cell := range candidates {
		cell := cell
		if !state.claim(cell) {
			continue
		}
		g.Go(func() error {
			ok, ids, err := r.query(gctx, cell, query)
			if err != nil {
				return err
			}
			if ok {
				state.mu.Lock()
				for _, id := range ids {
					state.ids[id] = struct{}{}
				}
				state.mu.Unlock()
				return nil
			}

			widened, err := r.widen(cell, query)
			if err != nil {
				return err
			}
			state.mu.Lock()
			newRound := round+1 > state.rounds
			if newRound {
				state.rounds = round + 1
			}
			state.mu.Unlock()
			if newRound {
				r.metrics.WidenRoundsTotal.WithLabelValues("read").Inc()
			}

			return r.queryAll(gctx, query, widened, round+1, state)
		})
	}
	return g.Wait()
}

func (r *ReaderService) query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	var (
		ok  bool
		ids []string
	)
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		defer cancel()

		var err error
		ok, ids, err = r.shards.Query(rctx, cell, query)
		return err
	})
	if err != nil {
		return false, nil, r.deadline(ctx, err)
	}
	return ok, ids, nil
}

// widen returns the next-resolution covering of a retired cell, keeping the
// members whose rectangle touches the query
func (r *ReaderService) widen(cell string, query *geo.Query) ([]string, error) {
	parsed, err := grid.Parse(cell)
	if err != nil {
		return nil, err
	}
	next := parsed.Resolution() + 1
	if next > r.grid.MaxResolution() {
		return nil, errors.InternalError("retired shard at the finest resolution", nil).
			WithDetail("cell", cell)
	}

	covering := r.grid.ExpandToCover(parsed, next)
	widened := make([]string, 0, len(covering))
	for _, c := range covering {
		if query.MatchesBound(grid.Bound(c)) {
			widened = append(widened, grid.ID(c))
		}
	}
	return widened, nil
}

func (r *ReaderService) deadline(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.GetCode(err) != errors.ErrCodeDeadlineExceeded {
		return errors.DeadlineExceeded("read", err)
	}
	return err
}
