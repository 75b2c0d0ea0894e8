package client

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/handler"
	"github.com/LionTao/misty/internal/model"
)

type fakeShards struct {
	accepted []model.TrajectorySegment
	queries  []string
}

func (f *fakeShards) Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	if cell == "retired" {
		return false, 7, nil
	}
	f.accepted = append(f.accepted, segment)
	return true, 0, nil
}

func (f *fakeShards) InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error) {
	if cell == "broken" {
		return false, errors.Unavailable("store down", nil)
	}
	return true, nil
}

func (f *fakeShards) Query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	f.queries = append(f.queries, query.WKT())
	return true, []string{"a", "b"}, nil
}

type fakeDirectory struct{}

func (fakeDirectory) Query(ctx context.Context, start, end model.TrajectoryPoint) ([]string, error) {
	return []string{"c1", "c2"}, nil
}

func (fakeDirectory) RegionQuery(ctx context.Context, query *geo.Query) ([]string, error) {
	return []string{"c1"}, nil
}

func (fakeDirectory) RegionSplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error) {
	return &model.SplitAck{Token: "tok", Mother: mother, Inserted: children}, nil
}

func startServer(t *testing.T, shards *fakeShards) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	handler.RegisterShardServer(srv, handler.NewShardHandler(shards, nil, zap.NewNop()))
	handler.RegisterDirectoryServer(srv, handler.NewDirectoryHandler(fakeDirectory{}, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func segment() model.TrajectorySegment {
	return model.TrajectorySegment{
		ID:    "t1",
		Start: model.TrajectoryPoint{ID: "t1", Timestamp: 1, Lng: 116.3, Lat: 39.9},
		End:   model.TrajectoryPoint{ID: "t1", Timestamp: 2, Lng: 116.4, Lat: 39.95},
	}
}

func TestShardClient_RoundTrip(t *testing.T) {
	shards := &fakeShards{}
	c, err := NewShardClient("passthrough:///bufnet", zap.NewNop(), startServer(t, shards))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	accepted, hint, err := c.Accept(ctx, "cell", segment())
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Zero(t, hint)
	assert.Equal(t, []model.TrajectorySegment{segment()}, shards.accepted)

	accepted, hint, err = c.Accept(ctx, "retired", segment())
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 7, hint)

	q, err := geo.ParseWKT("POLYGON((116 39, 117 39, 117 40, 116 40, 116 39))")
	require.NoError(t, err)
	ok, ids, err := c.Query(ctx, "cell", q)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, []string{q.WKT()}, shards.queries)
}

func TestShardClient_ErrorMapping(t *testing.T) {
	c, err := NewShardClient("passthrough:///bufnet", zap.NewNop(), startServer(t, &fakeShards{}))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, err = c.InitializeAsChild(ctx, "broken", []model.TrajectorySegment{segment()})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	bad := segment()
	bad.End.ID = "t2"
	_, _, err = c.Accept(ctx, "cell", bad)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	assert.False(t, errors.IsTransient(err))
}

func TestDirectoryClient_RoundTrip(t *testing.T) {
	c, err := NewDirectoryClient("passthrough:///bufnet", zap.NewNop(), startServer(t, &fakeShards{}))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	seg := segment()
	cells, err := c.Query(ctx, seg.Start, seg.End)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, cells)

	q, err := geo.ParseWKT("POINT(116.3 39.9)")
	require.NoError(t, err)
	cells, err = c.RegionQuery(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, cells)

	ack, err := c.RegionSplit(ctx, "m", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "tok", ack.Token)
	assert.Equal(t, []string{"x", "y"}, ack.Inserted)

	_, err = c.RegionSplit(ctx, "m", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}
