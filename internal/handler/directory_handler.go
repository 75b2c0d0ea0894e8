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

// DirectoryServer is the server API of misty.v1.DirectoryService
type DirectoryServer interface {
	Query(ctx context.Context, req *api.DirectoryQueryRequest) (*api.CellsResponse, error)
	RegionQuery(ctx context.Context, req *api.RegionRequest) (*api.CellsResponse, error)
	RegionSplit(ctx context.Context, req *api.RegionSplitRequest) (*model.SplitAck, error)
}

// DirectoryHandler serves the routing directory hosted by this node
type DirectoryHandler struct {
	directory service.DirectoryAPI
	validator *validation.Validator
	logger    *zap.Logger
}

// NewDirectoryHandler creates a new directory handler
func NewDirectoryHandler(directory service.DirectoryAPI, logger *zap.Logger) *DirectoryHandler {
	return &DirectoryHandler{
		directory: directory,
		validator: validation.NewValidator(),
		logger:    logger,
	}
}

// Query handles endpoint resolution
func (h *DirectoryHandler) Query(ctx context.Context, req *api.DirectoryQueryRequest) (*api.CellsResponse, error) {
	if err := h.validator.ValidatePoint(req.Start); err != nil {
		return nil, errors.ToGRPC(err)
	}
	if err := h.validator.ValidatePoint(req.End); err != nil {
		return nil, errors.ToGRPC(err)
	}

	cells, err := h.directory.Query(ctx, req.Start, req.End)
	if err != nil {
		h.logger.Error("Directory query failed", zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &api.CellsResponse{Cells: cells}, nil
}

// RegionQuery handles region resolution
func (h *DirectoryHandler) RegionQuery(ctx context.Context, req *api.RegionRequest) (*api.CellsResponse, error) {
	q, err := parseQuery(h.validator, req.WKT)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}

	cells, err := h.directory.RegionQuery(ctx, q)
	if err != nil {
		h.logger.Error("Directory region query failed", zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &api.CellsResponse{Cells: cells}, nil
}

// RegionSplit handles split notifications from retiring shards
func (h *DirectoryHandler) RegionSplit(ctx context.Context, req *api.RegionSplitRequest) (*model.SplitAck, error) {
	if len(req.Children) == 0 {
		return nil, errors.ToGRPC(errors.InvalidArgument("split without children", nil).
			WithDetail("mother", req.Mother))
	}

	ack, err := h.directory.RegionSplit(ctx, req.Mother, req.Children)
	if err != nil {
		h.logger.Error("Region split failed", zap.String("mother", req.Mother), zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return ack, nil
}

// RegisterDirectoryServer registers srv on s
func RegisterDirectoryServer(s grpc.ServiceRegistrar, srv DirectoryServer) {
	s.RegisterService(&directoryServiceDesc, srv)
}

var directoryServiceDesc = grpc.ServiceDesc{
	ServiceName: api.DirectoryServiceName,
	HandlerType: (*DirectoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.DirectoryQueryRequest)
				return unary(srv, ctx, dec, interceptor, in, api.DirectoryQueryMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(DirectoryServer).Query(ctx, in)
				})
			},
		},
		{
			MethodName: "RegionQuery",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.RegionRequest)
				return unary(srv, ctx, dec, interceptor, in, api.DirectoryRegionQueryMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(DirectoryServer).RegionQuery(ctx, in)
				})
			},
		},
		{
			MethodName: "RegionSplit",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.RegionSplitRequest)
				return unary(srv, ctx, dec, interceptor, in, api.DirectoryRegionSplitMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(DirectoryServer).RegionSplit(ctx, in)
				})
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}
