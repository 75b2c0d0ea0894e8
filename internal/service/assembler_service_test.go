package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/model"
)

// MockWriter is a mock implementation of SegmentWriter
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Write(ctx context.Context, segment model.TrajectorySegment) (*WriteResult, error) {
	args := m.Called(ctx, segment)
	result, _ := args.Get(0).(*WriteResult)
	return result, args.Error(1)
}

func newTestAssembler(t *testing.T, writer SegmentWriter) *AssemblerService {
	env := newTestEnv(t, envOptions{})
	return NewAssemblerService(writer, env.store, env.codec, env.metrics, zap.NewNop())
}

func point(id string, ts int64, lng, lat float64) model.TrajectoryPoint {
	return model.TrajectoryPoint{ID: id, Timestamp: ts, Lng: lng, Lat: lat}
}

func TestAssembler_BuildsSegmentsFromConsecutivePoints(t *testing.T) {
	writer := new(MockWriter)
	assembler := newTestAssembler(t, writer)
	ctx := context.Background()

	p1 := point("a", 1, 116.30, 39.90)
	p2 := point("a", 2, 116.31, 39.91)
	p3 := point("a", 3, 116.32, 39.92)

	writer.On("Write", mock.Anything, model.NewSegment(p1, p2)).Return(&WriteResult{AcceptedBy: []string{"x"}}, nil).Once()
	writer.On("Write", mock.Anything, model.NewSegment(p2, p3)).Return(&WriteResult{AcceptedBy: []string{"x"}}, nil).Once()

	result, err := assembler.AcceptPoint(ctx, p1)
	require.NoError(t, err)
	assert.Empty(t, result.AcceptedBy)

	_, err = assembler.AcceptPoint(ctx, p2)
	require.NoError(t, err)
	result, err = assembler.AcceptPoint(ctx, p3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, result.AcceptedBy)

	points, err := assembler.Trajectory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []model.TrajectoryPoint{p1, p2, p3}, points)
	writer.AssertExpectations(t)
}

func TestAssembler_RejectsOutOfOrderPoints(t *testing.T) {
	writer := new(MockWriter)
	assembler := newTestAssembler(t, writer)
	ctx := context.Background()

	_, err := assembler.AcceptPoint(ctx, point("a", 5, 116.30, 39.90))
	require.NoError(t, err)

	_, err = assembler.AcceptPoint(ctx, point("a", 4, 116.31, 39.91))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = assembler.AcceptPoint(ctx, point("a", 5, 116.31, 39.91))
	require.Error(t, err)
	writer.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestAssembler_RetryRedeliversLatestSegment(t *testing.T) {
	writer := new(MockWriter)
	assembler := newTestAssembler(t, writer)
	ctx := context.Background()

	p1 := point("a", 1, 116.30, 39.90)
	p2 := point("a", 2, 116.31, 39.91)
	seg := model.NewSegment(p1, p2)
	writer.On("Write", mock.Anything, seg).Return(nil, errors.Unavailable("down", nil)).Once()
	writer.On("Write", mock.Anything, seg).Return(&WriteResult{AcceptedBy: []string{"x"}}, nil).Once()

	_, err := assembler.AcceptPoint(ctx, p1)
	require.NoError(t, err)
	_, err = assembler.AcceptPoint(ctx, p2)
	require.Error(t, err)

	_, err = assembler.AcceptPoint(ctx, p2)
	require.NoError(t, err)

	points, err := assembler.Trajectory(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, points, 2)
	writer.AssertExpectations(t)
}

func TestAssembler_ValidatesInput(t *testing.T) {
	assembler := newTestAssembler(t, new(MockWriter))
	ctx := context.Background()

	_, err := assembler.AcceptPoint(ctx, point("", 1, 0, 0))
	require.Error(t, err)

	_, err = assembler.AcceptPoint(ctx, point("a", 1, 200, 0))
	require.Error(t, err)

	_, err = assembler.Trajectory(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}
