package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

// ShardClient calls the shards hosted by a remote node
type ShardClient struct {
	address string
	conn    *grpc.ClientConn
	logger  *zap.Logger
}

// NewShardClient creates a client for the node at address. The connection is
// established lazily on the first call.
func NewShardClient(address string, logger *zap.Logger, opts ...grpc.DialOption) (*ShardClient, error) {
	conn, err := dial(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard client for %s: %w", address, err)
	}
	return &ShardClient{
		address: address,
		conn:    conn,
		logger:  logger,
	}, nil
}

func dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	return grpc.NewClient(address, append(base, opts...)...)
}

// Accept implements service.ShardAPI
func (c *ShardClient) Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	resp := new(api.AcceptResponse)
	req := &api.AcceptRequest{Cell: cell, Segment: segment}
	if err := c.conn.Invoke(ctx, api.ShardAcceptMethod, req, resp); err != nil {
		c.logger.Debug("Accept RPC failed", zap.String("address", c.address), zap.String("cell", cell), zap.Error(err))
		return false, 0, errors.FromGRPC(err)
	}
	return resp.Accepted, resp.ResolutionHint, nil
}

// InitializeAsChild implements service.ShardAPI
func (c *ShardClient) InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error) {
	resp := new(api.InitializeAsChildResponse)
	req := &api.InitializeAsChildRequest{Cell: cell, Segments: segments}
	if err := c.conn.Invoke(ctx, api.ShardInitializeAsChildMethod, req, resp); err != nil {
		c.logger.Debug("InitializeAsChild RPC failed", zap.String("address", c.address), zap.String("cell", cell), zap.Error(err))
		return false, errors.FromGRPC(err)
	}
	return resp.OK, nil
}

// Query implements service.ShardAPI
func (c *ShardClient) Query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	resp := new(api.ShardQueryResponse)
	req := &api.ShardQueryRequest{Cell: cell, WKT: query.WKT()}
	if err := c.conn.Invoke(ctx, api.ShardQueryMethod, req, resp); err != nil {
		c.logger.Debug("Query RPC failed", zap.String("address", c.address), zap.String("cell", cell), zap.Error(err))
		return false, nil, errors.FromGRPC(err)
	}
	return resp.OK, resp.IDs, nil
}

// Close closes the connection
func (c *ShardClient) Close() error {
	return c.conn.Close()
}
