package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/service"
	"github.com/LionTao/misty/internal/validation"
)

// ShardServer is the server API of misty.v1.ShardService
type ShardServer interface {
	Accept(ctx context.Context, req *api.AcceptRequest) (*api.AcceptResponse, error)
	InitializeAsChild(ctx context.Context, req *api.InitializeAsChildRequest) (*api.InitializeAsChildResponse, error)
	Query(ctx context.Context, req *api.ShardQueryRequest) (*api.ShardQueryResponse, error)
}

// ShardHandler serves shard calls. Calls from clients go through cluster,
// which forwards cells owned by another node to that node; calls already
// forwarded by a peer are answered by local.
type ShardHandler struct {
	local     service.ShardAPI
	cluster   service.ShardAPI
	validator *validation.Validator
	logger    *zap.Logger
}

// NewShardHandler creates a new shard handler. A nil cluster serves everything locally.
func NewShardHandler(local, cluster service.ShardAPI, logger *zap.Logger) *ShardHandler {
	return &ShardHandler{
		local:     local,
		cluster:   cluster,
		validator: validation.NewValidator(),
		logger:    logger,
	}
}

func (h *ShardHandler) shards(ctx context.Context) service.ShardAPI {
	if h.cluster == nil || service.IsForwarded(ctx) {
		return h.local
	}
	return h.cluster
}

// Accept handles segment deliveries
func (h *ShardHandler) Accept(ctx context.Context, req *api.AcceptRequest) (*api.AcceptResponse, error) {
	if err := h.validator.ValidateSegment(req.Segment); err != nil {
		return nil, errors.ToGRPC(err)
	}

	accepted, hint, err := h.shards(ctx).Accept(ctx, req.Cell, req.Segment)
	if err != nil {
		h.logger.Error("Accept failed",
			zap.String("cell", req.Cell),
			zap.String("trajectory_id", req.Segment.ID),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &api.AcceptResponse{Accepted: accepted, ResolutionHint: hint}, nil
}

// InitializeAsChild handles partitions sent by splitting parents
func (h *ShardHandler) InitializeAsChild(ctx context.Context, req *api.InitializeAsChildRequest) (*api.InitializeAsChildResponse, error) {
	if err := h.validator.ValidateSegments(req.Segments); err != nil {
		return nil, errors.ToGRPC(err)
	}

	ok, err := h.shards(ctx).InitializeAsChild(ctx, req.Cell, req.Segments)
	if err != nil {
		h.logger.Error("InitializeAsChild failed",
			zap.String("cell", req.Cell),
			zap.Int("segments", len(req.Segments)),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &api.InitializeAsChildResponse{OK: ok}, nil
}

// Query handles shard queries
func (h *ShardHandler) Query(ctx context.Context, req *api.ShardQueryRequest) (*api.ShardQueryResponse, error) {
	q, err := parseQuery(h.validator, req.WKT)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}

	ok, ids, err := h.shards(ctx).Query(ctx, req.Cell, q)
	if err != nil {
		h.logger.Error("Query failed", zap.String("cell", req.Cell), zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &api.ShardQueryResponse{OK: ok, IDs: ids}, nil
}

func parseQuery(v *validation.Validator, wkt string) (*geo.Query, error) {
	if err := v.ValidateWKT(wkt); err != nil {
		return nil, err
	}
	return geo.ParseWKT(wkt)
}

// RegisterShardServer registers srv on s
func RegisterShardServer(s grpc.ServiceRegistrar, srv ShardServer) {
	s.RegisterService(&shardServiceDesc, srv)
}

var shardServiceDesc = grpc.ServiceDesc{
	ServiceName: api.ShardServiceName,
	HandlerType: (*ShardServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Accept",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.AcceptRequest)
				return unary(srv, ctx, dec, interceptor, in, api.ShardAcceptMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(ShardServer).Accept(ctx, in)
				})
			},
		},
		{
			MethodName: "InitializeAsChild",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.InitializeAsChildRequest)
				return unary(srv, ctx, dec, interceptor, in, api.ShardInitializeAsChildMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(ShardServer).InitializeAsChild(ctx, in)
				})
			},
		},
		{
			MethodName: "Query",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(api.ShardQueryRequest)
				return unary(srv, ctx, dec, interceptor, in, api.ShardQueryMethod, func(ctx context.Context) (interface{}, error) {
					return srv.(ShardServer).Query(ctx, in)
				})
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}
