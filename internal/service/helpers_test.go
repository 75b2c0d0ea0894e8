package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/store"
	"github.com/LionTao/misty/internal/util/retry"
	"github.com/LionTao/misty/internal/util/workerpool"
)

type testEnv struct {
	grid      *grid.Grid
	store     *store.MemoryStore
	codec     *store.Codec
	metrics   *metrics.Metrics
	directory *DirectoryService
	pool      *workerpool.WorkerPool
	registry  *ShardRegistry
	policy    *retry.Policy
	protocol  *ProtocolConfig
}

type envOptions struct {
	maxResolution int
	maxActive     int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.maxResolution == 0 {
		opts.maxResolution = 15
	}
	logger := zap.NewNop()

	codec, err := store.NewCodec(false)
	require.NoError(t, err)

	env := &testEnv{
		grid:    grid.NewGrid(opts.maxResolution, 2),
		store:   store.NewMemoryStore(logger),
		codec:   codec,
		metrics: metrics.NewNopMetrics(),
		policy:  retry.NewPolicy(5, time.Millisecond, 10*time.Millisecond, 0, 0),
		protocol: &ProtocolConfig{
			Deadline:   10 * time.Second,
			RPCTimeout: 2 * time.Second,
		},
	}
	env.directory = NewDirectoryService(&DirectoryConfig{
		InitialResolution: 5,
		RTreeMinChildren:  2,
		RTreeMaxChildren:  8,
	}, env.grid, env.store, env.codec, env.metrics, logger)

	env.pool = workerpool.NewWorkerPool(&workerpool.Config{Name: "test", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	t.Cleanup(func() {
		_ = env.pool.Stop(time.Second)
		codec.Close()
	})

	// Registries close before the pool stops
	env.registry = env.newRegistry(t, env.store, opts.maxActive)
	return env
}

// newRegistry builds a registry over stateStore sharing the env's directory,
// as a second node of the same cluster would
func (e *testEnv) newRegistry(t *testing.T, stateStore store.StateStore, maxActive int) *ShardRegistry {
	t.Helper()
	registry, err := NewShardRegistry(
		&RegistryConfig{MaxActive: maxActive},
		&ShardConfig{
			MaxBufferSize:          10,
			TreeInsertionThreshold: 0.5,
			SplitThreshold:         20,
			RTreeMinChildren:       2,
			RTreeMaxChildren:       8,
		},
		e.grid, stateStore, e.codec, e.directory, e.pool, e.metrics, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry
}

func (e *testEnv) writer(directory DirectoryAPI, shards ShardAPI) *WriterService {
	return NewWriterService(e.protocol, directory, shards, e.grid, e.policy, e.metrics, zap.NewNop())
}

func (e *testEnv) reader(directory DirectoryAPI, shards ShardAPI) *ReaderService {
	return NewReaderService(e.protocol, directory, shards, e.grid, e.policy, e.metrics, zap.NewNop())
}

// center is the center of the resolution 5 cell around Beijing
func center() (lng, lat float64) {
	c := grid.CellOf(model.TrajectoryPoint{Lng: 116.39, Lat: 39.9}, 5)
	ll := c.LatLng()
	return ll.Lng, ll.Lat
}

func centerPoint() model.TrajectoryPoint {
	lng, lat := center()
	return model.TrajectoryPoint{ID: "center", Lng: lng, Lat: lat}
}

// testSegment returns a short segment of trajectory t<i>. Segments 0..25 are
// spread west to east across the resolution 5 cell so that a split
// distributes them over several children.
func testSegment(i int) model.TrajectorySegment {
	lng, lat := center()
	id := fmt.Sprintf("t%02d", i)
	x := lng - 0.06 + float64(i)*0.0048
	return model.TrajectorySegment{
		ID:    id,
		Start: model.TrajectoryPoint{ID: id, Timestamp: int64(i), Lng: x, Lat: lat},
		End:   model.TrajectoryPoint{ID: id, Timestamp: int64(i) + 1, Lng: x + 5e-5, Lat: lat + 5e-5},
	}
}

func trajectoryIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}
	return ids
}

// areaQuery covers every testSegment
func areaQuery(t *testing.T) *geo.Query {
	t.Helper()
	lng, lat := center()
	b := orb.Bound{Min: orb.Point{lng - 0.15, lat - 0.01}, Max: orb.Point{lng + 0.15, lat + 0.01}}
	q, err := geo.NewQuery(b.ToPolygon())
	require.NoError(t, err)
	return q
}

// MockDirectory is a mock implementation of DirectoryAPI
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Query(ctx context.Context, start, end model.TrajectoryPoint) ([]string, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) RegionQuery(ctx context.Context, query *geo.Query) ([]string, error) {
	args := m.Called(ctx, query)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) RegionSplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error) {
	args := m.Called(ctx, mother, children)
	ack, _ := args.Get(0).(*model.SplitAck)
	return ack, args.Error(1)
}

// MockShards is a mock implementation of ShardAPI
type MockShards struct {
	mock.Mock
}

func (m *MockShards) Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	args := m.Called(ctx, cell, segment)
	return args.Bool(0), args.Int(1), args.Error(2)
}

func (m *MockShards) InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error) {
	args := m.Called(ctx, cell, segments)
	return args.Bool(0), args.Error(1)
}

func (m *MockShards) Query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	args := m.Called(ctx, cell, query)
	ids, _ := args.Get(1).([]string)
	return args.Bool(0), ids, args.Error(2)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// pointBox is a square query of half-width pad around a point
func pointBox(t *testing.T, lng, lat, pad float64) *geo.Query {
	t.Helper()
	b := orb.Bound{Min: orb.Point{lng, lat}, Max: orb.Point{lng, lat}}.Pad(pad)
	q, err := geo.NewQuery(b.ToPolygon())
	require.NoError(t, err)
	return q
}
