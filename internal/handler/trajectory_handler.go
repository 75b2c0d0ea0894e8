package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/service"
	"github.com/LionTao/misty/internal/validation"
)

// TrajectoryServer is the server API of misty.v1.TrajectoryService
type TrajectoryServer interface {
	AcceptPoint(ctx context.Context, req *api.AcceptPointRequest) (*api.AcceptPointResponse, error)
	Trajectory(ctx context.Context, req *api.TrajectoryRequest) (*api.TrajectoryResponse, error)
	Region(ctx context.Context, req *api.RegionRequest) (*api.RegionResponse, error)
	Similar(ctx context.Context, req *api.SimilarRequest) (*api.SimilarResponse, error)
}

// PointIngester accepts trajectory points
type PointIngester interface {
	AcceptPoint(ctx context.Context, point model.TrajectoryPoint) (*service.WriteResult, error)
	Trajectory(ctx context.Context, id string) ([]model.TrajectoryPoint, error)
}

// SimilarityFinder answers similarity queries
type SimilarityFinder interface {
	QueryByTrajectory(ctx context.Context, points []model.TrajectoryPoint, threshold float64) ([]service.SimilarTrajectory, error)
	QueryByID(ctx context.Context, id string, threshold float64) ([]service.SimilarTrajectory, error)
}

// TrajectoryHandler is the client-facing surface: ingestion and queries
type TrajectoryHandler struct {
	ingester  PointIngester
	reader    service.RegionReader
	finder    SimilarityFinder
	validator *validation.Validator
	logger    *zap.Logger
}

// NewTrajectoryHandler creates a new trajectory handler
func NewTrajectoryHandler(ingester PointIngester, reader service.RegionReader, finder SimilarityFinder, logger *zap.Logger) *TrajectoryHandler {
	return &TrajectoryHandler{
		ingester:  ingester,
		reader:    reader,
		finder:    finder,
		validator: validation.NewValidator(),
		logger:    logger,
	}
}

// AcceptPoint handles point ingestion
func (h *TrajectoryHandler) AcceptPoint(ctx context.Context, req *api.AcceptPointRequest) (*api.AcceptPointResponse, error) {
	result, err := h.IngestPoint(ctx, req.Point)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	return result, nil
}

// IngestPoint is AcceptPoint without the gRPC status conversion
func (h *TrajectoryHandler) IngestPoint(ctx context.Context, point model.TrajectoryPoint) (*api.AcceptPointResponse, error) {
	result, err := h.ingester.AcceptPoint(ctx, point)
	if err != nil {
		if errors.GetCode(err) != errors.ErrCodeInvalidArgument {
			h.logger.Error("Point ingestion failed",
				zap.String("trajectory_id", point.ID),
				zap.Int64("timestamp", point.Timestamp),
				zap.Error(err))
		}
		return nil, err
	}
	return &api.AcceptPointResponse{AcceptedBy: result.AcceptedBy, WidenRounds: result.WidenRounds}, nil
}

// Trajectory handles trajectory lookups
func (h *TrajectoryHandler) Trajectory(ctx context.Context, req *api.TrajectoryRequest) (*api.TrajectoryResponse, error) {
	result, err := h.LoadTrajectory(ctx, req.ID)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	return result, nil
}

// LoadTrajectory is Trajectory without the gRPC status conversion
func (h *TrajectoryHandler) LoadTrajectory(ctx context.Context, id string) (*api.TrajectoryResponse, error) {
	points, err := h.ingester.Trajectory(ctx, id)
	if err != nil {
		return nil, err
	}
	return &api.TrajectoryResponse{Points: points}, nil
}

// Region handles region queries
func (h *TrajectoryHandler) Region(ctx context.Context, req *api.RegionRequest) (*api.RegionResponse, error) {
	result, err := h.QueryRegion(ctx, req.WKT)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	return result, nil
}

// QueryRegion is Region without the gRPC status conversion
func (h *TrajectoryHandler) QueryRegion(ctx context.Context, wkt string) (*api.RegionResponse, error) {
	q, err := parseQuery(h.validator, wkt)
	if err != nil {
		return nil, err
	}
	result, err := h.reader.Read(ctx, q)
	if err != nil {
		h.logger.Error("Region query failed", zap.Error(err))
		return nil, err
	}
	return &api.RegionResponse{IDs: result.IDs}, nil
}

// Similar handles similarity queries
func (h *TrajectoryHandler) Similar(ctx context.Context, req *api.SimilarRequest) (*api.SimilarResponse, error) {
	result, err := h.FindSimilar(ctx, req)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	return result, nil
}

// FindSimilar is Similar without the gRPC status conversion
func (h *TrajectoryHandler) FindSimilar(ctx context.Context, req *api.SimilarRequest) (*api.SimilarResponse, error) {
	var (
		matches []service.SimilarTrajectory
		err     error
	)
	switch {
	case req.ID != "" && len(req.Points) > 0:
		return nil, errors.InvalidArgument("either id or points must be given, not both", nil)
	case req.ID != "":
		matches, err = h.finder.QueryByID(ctx, req.ID, req.Threshold)
	case len(req.Points) > 0:
		matches, err = h.finder.QueryByTrajectory(ctx, req.Points, req.Threshold)
	default:
		return nil, errors.InvalidArgument("id or points is required", nil)
	}
	if err != nil {
		return nil, err
	}

	resp := &api.SimilarResponse{Matches: make([]api.SimilarMatch, len(matches))}
	for i, m := range matches {
		resp.Matches[i] = api.SimilarMatch{ID: m.ID, Distance: m.Distance}
	}
	return resp, nil
}

// RegisterTrajectoryServer registers srv on s
func RegisterTrajectoryServer(s grpc.ServiceRegistrar, srv TrajectoryServer) {
	s.RegisterService(&trajectoryServiceDesc, srv)
}

var trajectoryServiceDesc = grpc.ServiceDesc{
	ServiceName: api.TrajectoryServiceName,
	HandlerType: (*TrajectoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AcceptPoint",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.AcceptPointRequest)
				return unary(srv, ctx, dec, interceptor, in, api.TrajectoryAcceptPointMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(TrajectoryServer).AcceptPoint(ctx, in)
				})
			},
		},
		{
			MethodName: "Trajectory",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.TrajectoryRequest)
				return unary(srv, ctx, dec, interceptor, in, api.TrajectoryGetMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(TrajectoryServer).Trajectory(ctx, in)
				})
			},
		},
		{
			MethodName: "Region",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.RegionRequest)
				return unary(srv, ctx, dec, interceptor, in, api.TrajectoryRegionMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(TrajectoryServer).Region(ctx, in)
				})
			},
		},
		{
			MethodName: "Similar",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.SimilarRequest)
				return unary(srv, ctx, dec, interceptor, in, api.TrajectorySimilarMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(TrajectoryServer).Similar(ctx, in)
				})
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}
