package service

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/storage/rtree"
	"github.com/LionTao/misty/internal/store"
)

// DirectoryConfig holds directory configuration
type DirectoryConfig struct {
	InitialResolution int
	RTreeMinChildren  int
	RTreeMaxChildren  int
}

type directoryEntry struct {
	cell  grid.Cell
	bound orb.Bound
	node  *rtree.Entry[string]
}

// DirectoryService maps the in-service cells to their bounding rectangles.
// Mutations are serialized by the write lock; lookups share the read lock.
type DirectoryService struct {
	cfg        *DirectoryConfig
	grid       *grid.Grid
	stateStore store.StateStore
	codec      *store.Codec
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*directoryEntry
	index   *rtree.Index[string]
	retired map[string]struct{} // mothers removed by applied splits
}

// NewDirectoryService creates an empty directory
func NewDirectoryService(
	cfg *DirectoryConfig,
	g *grid.Grid,
	stateStore store.StateStore,
	codec *store.Codec,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DirectoryService {
	return &DirectoryService{
		cfg:        cfg,
		grid:       g,
		stateStore: stateStore,
		codec:      codec,
		metrics:    m,
		logger:     logger,
		entries:    make(map[string]*directoryEntry),
		index:      rtree.NewIndex[string](cfg.RTreeMinChildren, cfg.RTreeMaxChildren),
		retired:    make(map[string]struct{}),
	}
}

// Load restores the directory from the state store
func (d *DirectoryService) Load(ctx context.Context) error {
	var snap model.DirectorySnapshot
	found, err := store.Load(ctx, d.stateStore, d.codec, store.DirectoryKey(), &snap)
	if err != nil {
		return errors.CorruptedState(store.DirectoryKey(), err)
	}
	if !found {
		d.logger.Info("No directory state found, starting empty")
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = make(map[string]*directoryEntry, len(snap.Entries))
	d.retired = make(map[string]struct{}, len(snap.Retired))
	entries := make([]*rtree.Entry[string], 0, len(snap.Entries))
	for _, e := range snap.Entries {
		cell, err := grid.Parse(e.Cell)
		if err != nil {
			return errors.CorruptedState(store.DirectoryKey(), err)
		}
		bound := orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}}
		node := rtree.NewEntry(e.Cell, bound)
		d.entries[e.Cell] = &directoryEntry{cell: cell, bound: bound, node: node}
		entries = append(entries, node)
	}
	d.index.Rebuild(entries)
	for _, c := range snap.Retired {
		d.retired[c] = struct{}{}
	}
	d.metrics.DirectoryEntries.Set(float64(len(d.entries)))

	d.logger.Info("Directory restored",
		zap.Int("entries", len(d.entries)),
		zap.Int("retired", len(d.retired)))
	return nil
}

// ResolvePoint returns the single cell owning point, lazily creating one when
// no entry contains it
func (d *DirectoryService) ResolvePoint(ctx context.Context, point model.TrajectoryPoint) (string, error) {
	d.metrics.DirectoryResolvesTotal.WithLabelValues("point").Inc()

	d.mu.RLock()
	cell, finest := d.lookupLocked(point)
	d.mu.RUnlock()
	if cell != "" {
		return cell, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Another caller may have created it meanwhile
	if cell, finest = d.lookupLocked(point); cell != "" {
		return cell, nil
	}

	resolution := d.cfg.InitialResolution
	if finest >= 0 {
		resolution = finest
	}
	created := grid.CellOf(point, resolution)
	for d.isRetiredLocked(ctx, grid.ID(created)) && created.Resolution() < d.grid.MaxResolution() {
		created = grid.CellOf(point, created.Resolution()+1)
	}

	id := grid.ID(created)
	if _, exists := d.entries[id]; !exists {
		d.insertLocked(created)
		if err := d.persistLocked(ctx); err != nil {
			d.removeLocked(id)
			d.restageLocked(ctx)
			return "", err
		}
		d.metrics.TerritoryCreationsTotal.Inc()
		d.logger.Info("Created cell for new territory",
			zap.String("cell", id),
			zap.Int("resolution", created.Resolution()))
	}
	return id, nil
}

// lookupLocked picks the owner among the entries whose rectangle contains the
// point: cells that truly contain it first, finer resolution first, then by id.
// When only rectangles match, it returns "" and the finest matching resolution
// (or -1 when nothing matched) so the caller can create a cell at that level.
func (d *DirectoryService) lookupLocked(point model.TrajectoryPoint) (string, int) {
	p := geo.PointOf(point)
	candidates := d.index.Search(orb.Bound{Min: p, Max: p})

	best := ""
	bestRes := -1
	finest := -1
	for _, c := range candidates {
		e, ok := d.entries[c.Value]
		if !ok || !e.bound.Contains(p) {
			continue
		}
		res := e.cell.Resolution()
		if res > finest {
			finest = res
		}
		if !grid.Contains(e.cell, point) {
			continue
		}
		if res > bestRes || (res == bestRes && c.Value < best) {
			best, bestRes = c.Value, res
		}
	}
	return best, finest
}

// ResolveSegmentEndpoints returns the owners of both endpoints
func (d *DirectoryService) ResolveSegmentEndpoints(ctx context.Context, segment model.TrajectorySegment) ([]string, error) {
	return d.Query(ctx, segment.Start, segment.End)
}

// Query implements DirectoryAPI
func (d *DirectoryService) Query(ctx context.Context, start, end model.TrajectoryPoint) ([]string, error) {
	a, err := d.ResolvePoint(ctx, start)
	if err != nil {
		return nil, err
	}
	b, err := d.ResolvePoint(ctx, end)
	if err != nil {
		return nil, err
	}
	if a == b {
		return []string{a}, nil
	}
	if b < a {
		a, b = b, a
	}
	return []string{a, b}, nil
}

// ResolveRegion returns every cell whose rectangle intersects the query
func (d *DirectoryService) ResolveRegion(ctx context.Context, query *geo.Query) ([]string, error) {
	d.metrics.DirectoryResolvesTotal.WithLabelValues("region").Inc()

	d.mu.RLock()
	defer d.mu.RUnlock()

	cells := make([]string, 0)
	for _, c := range d.index.Search(query.Bound) {
		e, ok := d.entries[c.Value]
		if ok && query.MatchesBound(e.bound) {
			cells = append(cells, c.Value)
		}
	}
	sort.Strings(cells)
	return cells, nil
}

// RegionQuery implements DirectoryAPI
func (d *DirectoryService) RegionQuery(ctx context.Context, query *geo.Query) ([]string, error) {
	return d.ResolveRegion(ctx, query)
}

// RegionSplit implements DirectoryAPI
func (d *DirectoryService) RegionSplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error) {
	return d.ApplySplit(ctx, mother, children)
}

// ApplySplit removes the mother and inserts every child not known to be
// retired. Re-applying a split already seen is acknowledged without changes,
// so a late duplicate cannot resurrect cells removed by later splits.
func (d *DirectoryService) ApplySplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error) {
	if _, err := grid.Parse(mother); err != nil {
		return nil, err
	}
	childCells := make([]grid.Cell, 0, len(children))
	for _, c := range children {
		cell, err := grid.Parse(c)
		if err != nil {
			return nil, err
		}
		childCells = append(childCells, cell)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ack := &model.SplitAck{
		Token:    uuid.NewString(),
		Mother:   mother,
		Inserted: make([]string, 0, len(children)),
	}

	if _, seen := d.retired[mother]; seen {
		ack.Duplicate = true
		d.metrics.DirectorySplitsTotal.WithLabelValues("duplicate").Inc()
		d.logger.Info("Duplicate split notification ignored", zap.String("mother", mother))
		return ack, nil
	}

	previous, hadMother := d.entries[mother]
	d.removeLocked(mother)
	d.retired[mother] = struct{}{}

	for _, cell := range childCells {
		id := grid.ID(cell)
		if _, exists := d.entries[id]; exists {
			continue
		}
		if d.isRetiredLocked(ctx, id) {
			continue
		}
		d.insertLocked(cell)
		ack.Inserted = append(ack.Inserted, id)
	}

	if err := d.persistLocked(ctx); err != nil {
		// Undo so memory matches what a restart would load
		for _, id := range ack.Inserted {
			d.removeLocked(id)
		}
		delete(d.retired, mother)
		if hadMother {
			d.insertLocked(previous.cell)
		}
		d.restageLocked(ctx)
		d.metrics.DirectorySplitsTotal.WithLabelValues("failed").Inc()
		d.logger.Error("Failed to persist split, rolled back",
			zap.String("mother", mother),
			zap.Error(err))
		return nil, err
	}

	d.metrics.DirectorySplitsTotal.WithLabelValues("applied").Inc()
	d.logger.Info("Applied split",
		zap.String("mother", mother),
		zap.Int("children", len(children)),
		zap.Int("inserted", len(ack.Inserted)),
		zap.Int("entries", len(d.entries)))
	return ack, nil
}

// Entries returns a copy of the in-service cells
func (d *DirectoryService) Entries() []model.DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked().Entries
}

// Contains reports whether cell is in service
func (d *DirectoryService) Contains(cell string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[cell]
	return ok
}

func (d *DirectoryService) insertLocked(cell grid.Cell) {
	id := grid.ID(cell)
	bound := grid.Bound(cell)
	node := rtree.NewEntry(id, bound)
	d.entries[id] = &directoryEntry{cell: cell, bound: bound, node: node}
	d.index.Insert(node)
	d.metrics.DirectoryEntries.Set(float64(len(d.entries)))
}

func (d *DirectoryService) removeLocked(id string) {
	e, ok := d.entries[id]
	if !ok {
		return
	}
	d.index.Delete(e.node)
	delete(d.entries, id)
	d.metrics.DirectoryEntries.Set(float64(len(d.entries)))
}

// isRetiredLocked consults the applied splits and the shard's own retirement marker
func (d *DirectoryService) isRetiredLocked(ctx context.Context, id string) bool {
	if _, ok := d.retired[id]; ok {
		return true
	}
	_, err := d.stateStore.Get(ctx, store.RetiredKey(id))
	if err == nil {
		return true
	}
	if !stderrors.Is(err, store.ErrNotFound) {
		d.logger.Warn("Failed to read retirement marker", zap.String("cell", id), zap.Error(err))
	}
	return false
}

func (d *DirectoryService) snapshotLocked() model.DirectorySnapshot {
	snap := model.DirectorySnapshot{
		Entries: make([]model.DirectoryEntry, 0, len(d.entries)),
		Retired: make([]string, 0, len(d.retired)),
	}
	for id, e := range d.entries {
		snap.Entries = append(snap.Entries, model.DirectoryEntry{
			Cell:       id,
			Resolution: e.cell.Resolution(),
			MinX:       e.bound.Min[0],
			MinY:       e.bound.Min[1],
			MaxX:       e.bound.Max[0],
			MaxY:       e.bound.Max[1],
		})
	}
	for id := range d.retired {
		snap.Retired = append(snap.Retired, id)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Cell < snap.Entries[j].Cell })
	sort.Strings(snap.Retired)
	return snap
}

// restageLocked replaces a snapshot left staged by a failed persist, so a
// later flush cannot commit state that was rolled back
func (d *DirectoryService) restageLocked(ctx context.Context) {
	if err := store.Save(ctx, d.stateStore, d.codec, store.DirectoryKey(), d.snapshotLocked()); err != nil {
		d.logger.Warn("Failed to restage directory snapshot", zap.Error(err))
	}
}

func (d *DirectoryService) persistLocked(ctx context.Context) error {
	key := store.DirectoryKey()
	if err := store.Save(ctx, d.stateStore, d.codec, key, d.snapshotLocked()); err != nil {
		return errors.PersistenceFailed(key, err)
	}
	if err := d.stateStore.Flush(ctx); err != nil {
		return errors.PersistenceFailed(key, err)
	}
	return nil
}
