package service

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/store"
)

func TestDirectory_ResolvePointCreatesTerritory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	cell, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, grid.CellIDOf(p, 5), cell)
	assert.True(t, env.directory.Contains(cell))

	again, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, cell, again)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.TerritoryCreationsTotal))
	assert.Len(t, env.directory.Entries(), 1)
}

func TestDirectory_QueryReturnsSortedUniqueCells(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	seg := testSegment(3)
	cells, err := env.directory.Query(ctx, seg.Start, seg.End)
	require.NoError(t, err)
	assert.Len(t, cells, 1)

	far := model.TrajectoryPoint{ID: seg.ID, Timestamp: 99, Lng: 2.35, Lat: 48.85}
	cells, err = env.directory.Query(ctx, seg.Start, far)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Less(t, cells[0], cells[1])
}

func TestDirectory_ApplySplitReplacesMother(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	mother, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	children, err := env.grid.ExpandIDs(mother, 6)
	require.NoError(t, err)

	ack, err := env.directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.NotEmpty(t, ack.Token)
	assert.ElementsMatch(t, children, ack.Inserted)
	assert.False(t, env.directory.Contains(mother))

	// Every point of the mother now resolves to a finer cell
	cell, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, grid.CellIDOf(p, 6), cell)
}

func TestDirectory_ApplySplitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	mother, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	children, err := env.grid.ExpandIDs(mother, 6)
	require.NoError(t, err)

	_, err = env.directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)

	// A child splits before the mother's notification is replayed
	child := grid.CellIDOf(p, 6)
	grandchildren, err := env.grid.ExpandIDs(child, 7)
	require.NoError(t, err)
	_, err = env.directory.ApplySplit(ctx, child, grandchildren)
	require.NoError(t, err)
	before := env.directory.Entries()

	ack, err := env.directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Empty(t, ack.Inserted)
	assert.Equal(t, before, env.directory.Entries())
	assert.False(t, env.directory.Contains(child))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.DirectorySplitsTotal.WithLabelValues("duplicate")))
}

func TestDirectory_ApplySplitSkipsRetiredChildren(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	mother := grid.CellIDOf(p, 5)
	children, err := env.grid.ExpandIDs(mother, 6)
	require.NoError(t, err)

	retired := grid.CellIDOf(p, 6)
	require.NoError(t, env.store.Set(ctx, store.RetiredKey(retired), []byte("1")))
	require.NoError(t, env.store.Flush(ctx))

	ack, err := env.directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)
	assert.Len(t, ack.Inserted, len(children)-1)
	assert.NotContains(t, ack.Inserted, retired)
	assert.False(t, env.directory.Contains(retired))

	// Lazy creation descends past the retired cell
	cell, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, grid.CellIDOf(p, 7), cell)
}

func TestDirectory_ApplySplitRejectsInvalidCells(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.directory.ApplySplit(context.Background(), "not-a-cell", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidCell, errors.GetCode(err))

	_, err = env.directory.ApplySplit(context.Background(), grid.CellIDOf(centerPoint(), 5), []string{"zz"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidCell, errors.GetCode(err))
}

func TestDirectory_RegionQuery(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	mother, err := env.directory.ResolvePoint(ctx, centerPoint())
	require.NoError(t, err)
	_, err = env.directory.ResolvePoint(ctx, model.TrajectoryPoint{ID: "x", Lng: 2.35, Lat: 48.85})
	require.NoError(t, err)

	cells, err := env.directory.RegionQuery(ctx, areaQuery(t))
	require.NoError(t, err)
	assert.Equal(t, []string{mother}, cells)
}

func TestDirectory_LoadRestoresState(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	mother, err := env.directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	children, err := env.grid.ExpandIDs(mother, 6)
	require.NoError(t, err)
	_, err = env.directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)

	restored := NewDirectoryService(&DirectoryConfig{
		InitialResolution: 5,
		RTreeMinChildren:  2,
		RTreeMaxChildren:  8,
	}, env.grid, env.store, env.codec, env.metrics, zap.NewNop())
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, env.directory.Entries(), restored.Entries())
	ack, err := restored.ApplySplit(ctx, mother, children)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	cell, err := restored.ResolvePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, grid.CellIDOf(p, 6), cell)
}

func TestDirectory_EveryPointResolvesToOneContainingCell(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	mother := splitMother(t, env)

	motherCell, err := grid.Parse(mother)
	require.NoError(t, err)
	bound := grid.Bound(motherCell).Pad(0.05)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		p := model.TrajectoryPoint{
			ID:  "rand",
			Lng: bound.Min[0] + rng.Float64()*(bound.Max[0]-bound.Min[0]),
			Lat: bound.Min[1] + rng.Float64()*(bound.Max[1]-bound.Min[1]),
		}
		id, err := env.directory.ResolvePoint(ctx, p)
		require.NoError(t, err)

		cell, err := grid.Parse(id)
		require.NoError(t, err)
		require.True(t, grid.Contains(cell, p), "cell %s does not contain %v", id, p)

		// No other in-service cell at that resolution contains the point
		owners := 0
		for _, e := range env.directory.Entries() {
			if e.Resolution != cell.Resolution() {
				continue
			}
			other, err := grid.Parse(e.Cell)
			require.NoError(t, err)
			if grid.Contains(other, p) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "point %v", p)
	}
}

// flakyFlushStore fails every Flush while failing is set
type flakyFlushStore struct {
	store.StateStore
	failing bool
}

func (s *flakyFlushStore) Flush(ctx context.Context) error {
	if s.failing {
		return fmt.Errorf("connection refused")
	}
	return s.StateStore.Flush(ctx)
}

func TestDirectory_FailedSplitPersistRollsBack(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	p := centerPoint()

	flaky := &flakyFlushStore{StateStore: env.store}
	directory := NewDirectoryService(&DirectoryConfig{
		InitialResolution: 5,
		RTreeMinChildren:  2,
		RTreeMaxChildren:  8,
	}, env.grid, flaky, env.codec, env.metrics, zap.NewNop())

	mother, err := directory.ResolvePoint(ctx, p)
	require.NoError(t, err)
	children, err := env.grid.ExpandIDs(mother, 6)
	require.NoError(t, err)
	before := directory.Entries()

	flaky.failing = true
	_, err = directory.ApplySplit(ctx, mother, children)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePersistenceFailed, errors.GetCode(err))
	assert.True(t, directory.Contains(mother))
	assert.Equal(t, before, directory.Entries())

	// A later flush commits the rolled back state
	flaky.failing = false
	require.NoError(t, flaky.Flush(ctx))
	restored := NewDirectoryService(&DirectoryConfig{
		InitialResolution: 5,
		RTreeMinChildren:  2,
		RTreeMaxChildren:  8,
	}, env.grid, env.store, env.codec, env.metrics, zap.NewNop())
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, before, restored.Entries())

	// Retrying applies the split rather than treating it as a duplicate
	ack, err := directory.ApplySplit(ctx, mother, children)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.False(t, directory.Contains(mother))
}

func TestDirectory_FailedTerritoryPersistRollsBack(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	flaky := &flakyFlushStore{StateStore: env.store, failing: true}
	directory := NewDirectoryService(&DirectoryConfig{
		InitialResolution: 5,
		RTreeMinChildren:  2,
		RTreeMaxChildren:  8,
	}, env.grid, flaky, env.codec, env.metrics, zap.NewNop())

	_, err := directory.ResolvePoint(ctx, centerPoint())
	require.Error(t, err)
	assert.Empty(t, directory.Entries())
}
