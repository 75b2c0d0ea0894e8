package service

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/storage/rtree"
	"github.com/LionTao/misty/internal/store"
)

// ShardConfig holds the shard lifecycle thresholds
type ShardConfig struct {
	MaxBufferSize          int
	TreeInsertionThreshold float64
	SplitThreshold         int
	RTreeMinChildren       int
	RTreeMaxChildren       int
}

// shardDeps are the collaborators shared by every shard of a registry
type shardDeps struct {
	cfg       *ShardConfig
	grid      *grid.Grid
	store     store.StateStore
	codec     *store.Codec
	peers     ShardAPI
	directory DirectoryAPI
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// errDeactivated tells the registry to re-resolve the shard and retry the call
var errDeactivated = stderrors.New("shard deactivated")

// Shard owns the buffer and the compacted index of one grid cell.
// Mutating calls are serialized by turn; queries share mu with compaction and split.
type Shard struct {
	cell       grid.Cell
	cellID     string
	resolution int
	deps       *shardDeps
	logger     *zap.Logger

	turn        sync.Mutex
	deactivated bool // guarded by turn

	mu             sync.RWMutex
	buffer         model.SegmentSet
	indexed        model.SegmentSet
	index          *rtree.Index[model.TrajectorySegment]
	lifecycle      model.ShardLifecycle
	terminalWarned bool
	splitResidual  int

	lastAccess atomic.Int64
}

func newShard(cell grid.Cell, deps *shardDeps) *Shard {
	s := &Shard{
		cell:       cell,
		cellID:     grid.ID(cell),
		resolution: cell.Resolution(),
		deps:       deps,
		logger:     deps.logger.With(zap.String("cell", grid.ID(cell))),
		buffer:     model.NewSegmentSet(),
		indexed:    model.NewSegmentSet(),
		index:      rtree.NewIndex[model.TrajectorySegment](deps.cfg.RTreeMinChildren, deps.cfg.RTreeMaxChildren),
		lifecycle:  model.ShardActive,
	}
	s.touch()
	return s
}

// Cell returns the shard's cell id
func (s *Shard) Cell() string {
	return s.cellID
}

func (s *Shard) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// IdleSince returns the time of the last call
func (s *Shard) IdleSince() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// restore loads persisted state. Called once before the shard is published.
func (s *Shard) restore(ctx context.Context) error {
	var snap model.ShardSnapshot
	found, err := store.Load(ctx, s.deps.store, s.deps.codec, store.ShardKey(s.cellID), &snap)
	if err != nil {
		return errors.CorruptedState(store.ShardKey(s.cellID), err)
	}

	if found {
		s.buffer = model.NewSegmentSet(snap.Buffer...)
		s.indexed = model.NewSegmentSet(snap.Indexed...)
		s.rebuildIndex()
		s.terminalWarned = snap.TerminalWarned
		s.splitResidual = snap.SplitResidual
		if snap.Retired {
			s.lifecycle = model.ShardRetired
		}
	}

	// The marker alone is enough to retire a shard
	retiredKey := store.RetiredKey(s.cellID)
	switch _, err := s.deps.store.Get(ctx, retiredKey); {
	case err == nil:
		s.lifecycle = model.ShardRetired
	case !stderrors.Is(err, store.ErrNotFound):
		s.logger.Error("Failed to read retirement marker", zap.Error(err))
		return errors.Unavailable("failed to read "+retiredKey, err)
	}

	if found {
		s.logger.Debug("Shard state restored",
			zap.Int("buffer", len(s.buffer)),
			zap.Int("indexed", len(s.indexed)),
			zap.String("lifecycle", string(s.lifecycle)))
	}
	return nil
}

// Accept buffers a segment. A retired shard rejects with the next resolution as hint.
func (s *Shard) Accept(ctx context.Context, segment model.TrajectorySegment) (bool, int, error) {
	s.touch()

	s.turn.Lock()
	defer s.turn.Unlock()
	if s.deactivated {
		return false, 0, errDeactivated
	}

	merged, err := s.syncStored(ctx)
	if err != nil {
		return false, 0, err
	}

	if s.retired() {
		s.deps.metrics.RecordAccept(false)
		return false, s.resolution + 1, nil
	}

	s.mu.Lock()
	changed := !s.indexed.Contains(segment) && s.buffer.Add(segment)
	s.mu.Unlock()

	if changed || merged > 0 {
		if err := s.afterInsert(ctx); err != nil {
			return false, 0, err
		}
	}

	s.deps.metrics.RecordAccept(true)
	return true, 0, nil
}

// InitializeAsChild merges a partition handed over by a splitting parent
func (s *Shard) InitializeAsChild(ctx context.Context, segments []model.TrajectorySegment) (bool, error) {
	s.touch()

	s.turn.Lock()
	defer s.turn.Unlock()
	if s.deactivated {
		return false, errDeactivated
	}

	merged, err := s.syncStored(ctx)
	if err != nil {
		return false, err
	}

	if s.retired() {
		s.deps.metrics.ChildSeedsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("Retired shard asked to initialize as child", zap.Int("segments", len(segments)))
		return false, nil
	}

	added := 0
	s.mu.Lock()
	for _, seg := range segments {
		if !s.indexed.Contains(seg) && s.buffer.Add(seg) {
			added++
		}
	}
	s.mu.Unlock()

	if added > 0 || merged > 0 {
		if err := s.afterInsert(ctx); err != nil {
			return false, err
		}
	}

	s.deps.metrics.ChildSeedsTotal.WithLabelValues("accepted").Inc()
	s.logger.Debug("Initialized as child",
		zap.Int("received", len(segments)),
		zap.Int("added", added))
	return true, nil
}

// syncStored unions the segments another activation of this cell persisted
// into the shard and adopts its retirement, so persist never drops them.
// Caller holds turn.
func (s *Shard) syncStored(ctx context.Context) (int, error) {
	var snap model.ShardSnapshot
	key := store.ShardKey(s.cellID)
	found, err := store.Load(ctx, s.deps.store, s.deps.codec, key, &snap)
	if err != nil && found {
		return 0, errors.CorruptedState(key, err)
	}
	if err != nil {
		return 0, errors.Unavailable("failed to read "+key, err)
	}
	if !found {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := 0
	for _, segments := range [][]model.TrajectorySegment{snap.Indexed, snap.Buffer} {
		for _, seg := range segments {
			if !s.indexed.Contains(seg) && s.buffer.Add(seg) {
				merged++
			}
		}
	}
	if snap.Retired && s.lifecycle != model.ShardRetired {
		s.lifecycle = model.ShardRetired
		s.logger.Warn("Shard was retired by another activation")
	}
	if merged > 0 {
		s.deps.metrics.ShardMergedSegments.Add(float64(merged))
		s.logger.Warn("Merged segments persisted by another activation", zap.Int("segments", merged))
	}
	return merged, nil
}

// Query returns the ids of trajectories with a segment intersecting the query.
// Retired shards answer ok=false so callers re-resolve against the children.
func (s *Shard) Query(ctx context.Context, q *geo.Query) (bool, []string, error) {
	s.touch()
	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lifecycle == model.ShardRetired {
		s.deps.metrics.RecordQuery(false, time.Since(start).Seconds())
		return false, nil, nil
	}

	ids := make(map[string]struct{})
	for _, e := range s.index.Search(q.Bound) {
		if q.MatchesSegment(e.Value) {
			ids[e.Value.ID] = struct{}{}
		}
	}
	for seg := range s.buffer {
		if q.MatchesSegment(seg) {
			ids[seg.ID] = struct{}{}
		}
	}

	s.deps.metrics.RecordQuery(true, time.Since(start).Seconds())
	return true, sortedKeys(ids), nil
}

// afterInsert runs the compaction and split checks, then persists. Caller holds turn.
func (s *Shard) afterInsert(ctx context.Context) error {
	if s.needsCompaction() {
		s.compact()
	}

	if err := s.persist(ctx); err != nil {
		return err
	}

	if s.needsSplit() {
		if _, err := s.split(ctx); err != nil {
			// The segment is absorbed by this shard; the split is retried on the next insert
			s.logger.Error("Split failed", zap.Error(err))
		}
	} else {
		s.checkTerminal(ctx)
	}
	return nil
}

func (s *Shard) needsCompaction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buffered := len(s.buffer)
	if buffered == 0 {
		return false
	}
	if buffered > s.deps.cfg.MaxBufferSize {
		return true
	}
	indexed := len(s.indexed)
	return indexed > 0 && float64(buffered)/float64(indexed) > s.deps.cfg.TreeInsertionThreshold
}

func (s *Shard) needsSplit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolution < s.deps.grid.MaxResolution() && len(s.indexed) > s.deps.cfg.SplitThreshold
}

// compact folds the buffer into the index
func (s *Shard) compact() {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return
	}

	moved := len(s.buffer)
	if s.index.Size() == 0 {
		for seg := range s.buffer {
			s.indexed.Add(seg)
		}
		s.rebuildIndex()
	} else {
		for seg := range s.buffer {
			if s.indexed.Add(seg) {
				s.index.Insert(rtree.NewEntry(seg, geo.SegmentBound(seg)))
			}
		}
	}
	s.buffer = model.NewSegmentSet()

	s.deps.metrics.RecordCompaction(time.Since(start).Seconds())
	s.logger.Debug("Buffer compacted",
		zap.Int("moved", moved),
		zap.Int("indexed", len(s.indexed)))
}

// rebuildIndex bulk loads the index from the indexed set. Caller holds mu.
func (s *Shard) rebuildIndex() {
	entries := make([]*rtree.Entry[model.TrajectorySegment], 0, len(s.indexed))
	for seg := range s.indexed {
		entries = append(entries, rtree.NewEntry(seg, geo.SegmentBound(seg)))
	}
	s.index.Rebuild(entries)
}

// split hands the indexed segments to the child shards and retires this shard
// once the directory acknowledged the new children. Caller holds turn.
func (s *Shard) split(ctx context.Context) (*model.SplitReport, error) {
	s.compact()

	childResolution := s.resolution + 1
	children := s.deps.grid.ExpandToCover(s.cell, childResolution)
	inCovering := make(map[grid.Cell]struct{}, len(children))
	for _, c := range children {
		inCovering[c] = struct{}{}
	}

	s.mu.Lock()
	s.lifecycle = model.ShardRetiring
	partitions := make(map[grid.Cell][]model.TrajectorySegment)
	residual := 0
	for seg := range s.indexed {
		startCell := grid.CellOf(seg.Start, childResolution)
		endCell := grid.CellOf(seg.End, childResolution)
		placed := false
		if _, ok := inCovering[startCell]; ok {
			partitions[startCell] = append(partitions[startCell], seg)
			placed = true
		}
		if _, ok := inCovering[endCell]; ok && endCell != startCell {
			partitions[endCell] = append(partitions[endCell], seg)
			placed = true
		}
		if !placed {
			residual++
		}
	}
	indexedCount := len(s.indexed)
	s.mu.Unlock()

	report := &model.SplitReport{
		Mother:          s.cellID,
		Children:        make([]string, len(children)),
		Partitions:      make(map[string]int, len(partitions)),
		Residual:        residual,
		IndexedSegments: indexedCount,
	}
	for i, c := range children {
		report.Children[i] = grid.ID(c)
	}

	// Seed children concurrently. Failures are counted, not retried.
	var (
		g        errgroup.Group
		failedMu sync.Mutex
	)
	for child, segments := range partitions {
		child, segments := grid.ID(child), segments
		report.Partitions[child] = len(segments)
		g.Go(func() error {
			ok, err := s.deps.peers.InitializeAsChild(ctx, child, segments)
			if err != nil || !ok {
				failedMu.Lock()
				report.FailedChildren = append(report.FailedChildren, child)
				failedMu.Unlock()
				s.logger.Error("Failed to seed child shard",
					zap.String("child", child),
					zap.Int("segments", len(segments)),
					zap.Bool("rejected", err == nil && !ok),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.FailedChildren)

	ack, err := s.deps.directory.RegionSplit(ctx, s.cellID, report.Children)
	if err != nil {
		s.mu.Lock()
		s.lifecycle = model.ShardActive
		s.mu.Unlock()
		s.deps.metrics.RecordSplit("directory_failed", 0, len(report.FailedChildren))
		return nil, errors.SplitFailed(s.cellID, err)
	}
	report.AcknowledgedBy = ack.Token

	s.mu.Lock()
	s.lifecycle = model.ShardRetired
	s.splitResidual = residual
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		// Retired in memory; the directory already routes around this shard
		s.logger.Error("Failed to persist retirement", zap.Error(err))
	}

	s.deps.metrics.RecordSplit("completed", residual, len(report.FailedChildren))
	if residual > 0 {
		s.logger.Warn("Split left segments outside the child covering",
			zap.Int("residual", residual),
			zap.Int("covering_radius", s.deps.grid.CoveringRadius()))
	}
	s.logger.Info("Shard split completed",
		zap.Int("indexed", indexedCount),
		zap.Int("children", len(children)),
		zap.Int("partitions", len(partitions)),
		zap.Strings("failed_children", report.FailedChildren),
		zap.String("ack", ack.Token))

	return report, nil
}

// checkTerminal records once that the shard is over threshold and can no longer split
func (s *Shard) checkTerminal(ctx context.Context) {
	s.mu.Lock()
	over := s.resolution >= s.deps.grid.MaxResolution() &&
		len(s.indexed) > s.deps.cfg.SplitThreshold &&
		!s.terminalWarned
	if over {
		s.terminalWarned = true
	}
	indexed := len(s.indexed)
	s.mu.Unlock()

	if !over {
		return
	}

	s.deps.metrics.TerminalResolutionTotal.Inc()
	s.logger.Warn("Shard at finest resolution exceeds split threshold and will grow unbounded",
		zap.Int("indexed", indexed),
		zap.Int("split_threshold", s.deps.cfg.SplitThreshold))

	if err := s.persist(ctx); err != nil {
		s.logger.Error("Failed to persist terminal warning", zap.Error(err))
	}
}

// persist writes the snapshot (and the retirement marker) and flushes
func (s *Shard) persist(ctx context.Context) error {
	snap := s.Snapshot()

	key := store.ShardKey(s.cellID)
	if err := store.Save(ctx, s.deps.store, s.deps.codec, key, snap); err != nil {
		s.deps.metrics.PersistFailuresTotal.Inc()
		return errors.PersistenceFailed(key, err)
	}
	if snap.Retired {
		if err := s.deps.store.Set(ctx, store.RetiredKey(s.cellID), []byte("1")); err != nil {
			s.deps.metrics.PersistFailuresTotal.Inc()
			return errors.PersistenceFailed(store.RetiredKey(s.cellID), err)
		}
	}
	if err := s.deps.store.Flush(ctx); err != nil {
		s.deps.metrics.PersistFailuresTotal.Inc()
		return errors.PersistenceFailed(key, err)
	}
	return nil
}

// deactivate flushes the shard and refuses further mutating calls on this instance
func (s *Shard) deactivate(ctx context.Context) error {
	s.turn.Lock()
	defer s.turn.Unlock()

	if s.deactivated {
		return nil
	}
	s.deactivated = true

	if s.needsCompaction() {
		s.compact()
	}
	return s.persist(ctx)
}

// Snapshot returns the persisted form of the shard
func (s *Shard) Snapshot() model.ShardSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.ShardSnapshot{
		Cell:              s.cellID,
		Resolution:        s.resolution,
		Buffer:            sortedSegments(s.buffer),
		Indexed:           sortedSegments(s.indexed),
		Retired:           s.lifecycle == model.ShardRetired,
		TerminalWarned:    s.terminalWarned,
		SplitResidual:     s.splitResidual,
		UpdatedAtUnixNano: time.Now().UnixNano(),
	}
}

// Stats returns buffer and index sizes
func (s *Shard) Stats() (buffered, indexed int, lifecycle model.ShardLifecycle) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffer), len(s.indexed), s.lifecycle
}

func (s *Shard) retired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle == model.ShardRetired
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// sortedSegments orders segments deterministically for snapshots
func sortedSegments(set model.SegmentSet) []model.TrajectorySegment {
	out := set.Slice()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Start.Timestamp != b.Start.Timestamp {
			return a.Start.Timestamp < b.Start.Timestamp
		}
		if a.End.Timestamp != b.End.Timestamp {
			return a.End.Timestamp < b.End.Timestamp
		}
		return a.String() < b.String()
	})
	return out
}
