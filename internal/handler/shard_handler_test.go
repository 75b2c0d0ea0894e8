package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/service"
)

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

func segment() model.TrajectorySegment {
	return model.TrajectorySegment{
		ID:    "car-1",
		Start: model.TrajectoryPoint{ID: "car-1", Timestamp: 1, Lng: 116.39, Lat: 39.9},
		End:   model.TrajectoryPoint{ID: "car-1", Timestamp: 2, Lng: 116.391, Lat: 39.901},
	}
}

func TestShardHandler_ClientCallsGoThroughCluster(t *testing.T) {
	local, cluster := new(MockShards), new(MockShards)
	h := NewShardHandler(local, cluster, zap.NewNop())
	cluster.On("Accept", mock.Anything, "852a1073fffffff", segment()).Return(true, 0, nil).Once()

	resp, err := h.Accept(context.Background(), &api.AcceptRequest{Cell: "852a1073fffffff", Segment: segment()})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	cluster.AssertExpectations(t)
	local.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
}

func TestShardHandler_ForwardedCallsStayLocal(t *testing.T) {
	local, cluster := new(MockShards), new(MockShards)
	h := NewShardHandler(local, cluster, zap.NewNop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(service.ForwardedByKey, "node-b"))

	local.On("Accept", mock.Anything, "852a1073fffffff", segment()).Return(false, 6, nil).Once()
	local.On("InitializeAsChild", mock.Anything, "862a1073fffffff", []model.TrajectorySegment{segment()}).Return(true, nil).Once()

	resp, err := h.Accept(ctx, &api.AcceptRequest{Cell: "852a1073fffffff", Segment: segment()})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, 6, resp.ResolutionHint)

	child, err := h.InitializeAsChild(ctx, &api.InitializeAsChildRequest{Cell: "862a1073fffffff", Segments: []model.TrajectorySegment{segment()}})
	require.NoError(t, err)
	assert.True(t, child.OK)

	local.AssertExpectations(t)
	cluster.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
	cluster.AssertNotCalled(t, "InitializeAsChild", mock.Anything, mock.Anything, mock.Anything)
}

func TestShardHandler_RejectsMalformedSegment(t *testing.T) {
	local := new(MockShards)
	h := NewShardHandler(local, nil, zap.NewNop())

	bad := segment()
	bad.End.ID = "car-2"
	_, err := h.Accept(context.Background(), &api.AcceptRequest{Cell: "852a1073fffffff", Segment: bad})

	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	local.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
}
