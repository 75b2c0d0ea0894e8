package service

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/model"
)

// splitMother fills the mother cell of the center until it splits
func splitMother(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()

	mother, err := env.directory.ResolvePoint(ctx, centerPoint())
	require.NoError(t, err)
	for i := 0; i < 26; i++ {
		_, _, err := env.registry.Accept(ctx, mother, testSegment(i))
		require.NoError(t, err)
	}
	require.False(t, env.directory.Contains(mother))
	return mother
}

func TestWriter_DeliversToDirectoryCells(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.writer(env.directory, env.registry)

	seg := testSegment(0)
	result, err := writer.Write(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, []string{grid.CellIDOf(seg.Start, 5)}, result.AcceptedBy)
	assert.Zero(t, result.Rejections)
	assert.Zero(t, result.WidenRounds)
}

func TestWriter_WidensAroundStaleDirectory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	mother := splitMother(t, env)

	// The directory still routes to the retired mother
	stale := new(MockDirectory)
	stale.On("Query", mock.Anything, mock.Anything, mock.Anything).Return([]string{mother}, nil)
	writer := env.writer(stale, env.registry)

	lng, lat := center()
	seg := model.TrajectorySegment{
		ID:    "late",
		Start: model.TrajectoryPoint{ID: "late", Timestamp: 1, Lng: lng, Lat: lat},
		End:   model.TrajectoryPoint{ID: "late", Timestamp: 2, Lng: lng + 1e-4, Lat: lat},
	}
	result, err := writer.Write(context.Background(), seg)
	require.NoError(t, err)

	child := grid.CellIDOf(seg.Start, 6)
	assert.Equal(t, []string{child}, result.AcceptedBy)
	assert.Equal(t, 1, result.Rejections)
	assert.Equal(t, 1, result.WidenRounds)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WidenRoundsTotal.WithLabelValues("write")))

	ok, ids, err := env.registry.Query(context.Background(), child, areaQuery(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, ids, "late")
	stale.AssertExpectations(t)
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	seg := testSegment(0)
	cell := grid.CellIDOf(seg.Start, 5)

	shards := new(MockShards)
	shards.On("Accept", mock.Anything, cell, seg).Return(false, 0, errors.Unavailable("connection reset", nil)).Once()
	shards.On("Accept", mock.Anything, cell, seg).Return(true, 0, nil).Once()
	writer := env.writer(env.directory, shards)

	result, err := writer.Write(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, []string{cell}, result.AcceptedBy)
	assert.Zero(t, result.Rejections)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.TransportRetriesTotal.WithLabelValues("write")))
	shards.AssertExpectations(t)
}

func TestWriter_PermanentFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	seg := testSegment(0)
	cell := grid.CellIDOf(seg.Start, 5)

	shards := new(MockShards)
	shards.On("Accept", mock.Anything, cell, seg).Return(false, 0, errors.InternalError("boom", nil)).Once()
	writer := env.writer(env.directory, shards)

	_, err := writer.Write(context.Background(), seg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(err))
	shards.AssertExpectations(t)
}

func TestWriter_RejectsMalformedSegments(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.writer(env.directory, env.registry)

	seg := testSegment(0)
	seg.End.ID = "other"
	_, err := writer.Write(context.Background(), seg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeMalformedSegment, errors.GetCode(err))
}

func TestWriter_ConcurrentWritesRacingSplitConverge(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.writer(env.directory, env.registry)
	reader := env.reader(env.directory, env.registry)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seg := testSegment(i % 26)
			seg.ID = trajectoryIDs(n)[i]
			seg.Start.ID, seg.End.ID = seg.ID, seg.ID
			if _, err := writer.Write(ctx, seg); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	result, err := reader.Read(ctx, areaQuery(t))
	require.NoError(t, err)
	assert.Equal(t, trajectoryIDs(n), result.IDs)
}

func TestWriter_WidenRoundsStayWithinResolutionRange(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.writer(env.directory, env.registry)
	ctx := context.Background()
	maxRounds := env.grid.MaxResolution() - 5

	// Splits happen while these writes are in flight, so some land on retired cells
	const n = 40
	var wg sync.WaitGroup
	rounds := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := writer.Write(ctx, testSegment(i%26))
			if err != nil {
				errs <- err
				return
			}
			rounds <- result.WidenRounds
		}(i)
	}
	wg.Wait()
	close(errs)
	close(rounds)
	for err := range errs {
		require.NoError(t, err)
	}
	for r := range rounds {
		assert.LessOrEqual(t, r, maxRounds)
	}

	// A write routed to the retired mother of a fully split area
	stale := new(MockDirectory)
	stale.On("Query", mock.Anything, mock.Anything, mock.Anything).Return([]string{grid.CellIDOf(centerPoint(), 5)}, nil)
	result, err := env.writer(stale, env.registry).Write(ctx, testSegment(3))
	require.NoError(t, err)
	assert.LessOrEqual(t, result.WidenRounds, maxRounds)
	assert.LessOrEqual(t, result.WidenRounds, result.Rejections)
}

func TestWriter_SiblingRejectionsShareOneRound(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	seg := testSegment(0)
	home := grid.CellIDOf(seg.Start, 5)
	lng, lat := center()
	neighbor := grid.CellIDOf(model.TrajectoryPoint{Lng: lng + 1, Lat: lat}, 5)
	require.NotEqual(t, home, neighbor)

	directory := new(MockDirectory)
	directory.On("Query", mock.Anything, mock.Anything, mock.Anything).Return([]string{home, neighbor}, nil)
	shards := new(MockShards)
	shards.On("Accept", mock.Anything, home, seg).Return(false, 6, nil).Once()
	shards.On("Accept", mock.Anything, neighbor, seg).Return(false, 6, nil).Once()
	shards.On("Accept", mock.Anything, mock.MatchedBy(func(cell string) bool {
		return cell != home && cell != neighbor
	}), seg).Return(true, 0, nil)
	writer := env.writer(directory, shards)

	result, err := writer.Write(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rejections)
	assert.Equal(t, 1, result.WidenRounds)
	assert.Contains(t, result.AcceptedBy, grid.CellIDOf(seg.Start, 6))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WidenRoundsTotal.WithLabelValues("write")))
	shards.AssertExpectations(t)
}
