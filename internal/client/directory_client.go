package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

// DirectoryClient calls the directory hosted by a remote node
type DirectoryClient struct {
	address string
	conn    *grpc.ClientConn
	logger  *zap.Logger
}

// NewDirectoryClient creates a new directory client
func NewDirectoryClient(address string, logger *zap.Logger, opts ...grpc.DialOption) (*DirectoryClient, error) {
	conn, err := dial(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client for %s: %w", address, err)
	}
	return &DirectoryClient{
		address: address,
		conn:    conn,
		logger:  logger,
	}, nil
}

// Query implements service.DirectoryAPI
func (c *DirectoryClient) Query(ctx context.Context, start, end model.TrajectoryPoint) ([]string, error) {
	resp := new(api.CellsResponse)
	req := &api.DirectoryQueryRequest{Start: start, End: end}
	if err := c.conn.Invoke(ctx, api.DirectoryQueryMethod, req, resp); err != nil {
		return nil, errors.FromGRPC(err)
	}
	return resp.Cells, nil
}

// RegionQuery implements service.DirectoryAPI
func (c *DirectoryClient) RegionQuery(ctx context.Context, query *geo.Query) ([]string, error) {
	resp := new(api.CellsResponse)
	req := &api.RegionRequest{WKT: query.WKT()}
	if err := c.conn.Invoke(ctx, api.DirectoryRegionQueryMethod, req, resp); err != nil {
		return nil, errors.FromGRPC(err)
	}
	return resp.Cells, nil
}

// RegionSplit implements service.DirectoryAPI
func (c *DirectoryClient) RegionSplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error) {
	ack := new(model.SplitAck)
	req := &api.RegionSplitRequest{Mother: mother, Children: children}
	if err := c.conn.Invoke(ctx, api.DirectoryRegionSplitMethod, req, ack); err != nil {
		c.logger.Warn("RegionSplit RPC failed",
			zap.String("address", c.address),
			zap.String("mother", mother),
			zap.Error(err))
		return nil, errors.FromGRPC(err)
	}
	return ack, nil
}

// Close closes the connection
func (c *DirectoryClient) Close() error {
	return c.conn.Close()
}
