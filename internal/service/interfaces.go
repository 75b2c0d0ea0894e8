package service

import (
	"context"

	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

// ShardAPI is the RPC surface of the shards, addressed by cell id.
// A rejection (retired shard) is reported through accepted=false / ok=false, never as an error;
// errors are transport or validation failures.
type ShardAPI interface {
	Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (accepted bool, resolutionHint int, err error)
	InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error)
	Query(ctx context.Context, cell string, query *geo.Query) (ok bool, ids []string, err error)
}

// DirectoryAPI is the RPC surface of the routing directory
type DirectoryAPI interface {
	// Query resolves the cells owning the endpoints of a segment
	Query(ctx context.Context, start, end model.TrajectoryPoint) ([]string, error)
	// RegionQuery resolves every in-service cell whose bound intersects the geometry
	RegionQuery(ctx context.Context, query *geo.Query) ([]string, error)
	// RegionSplit replaces mother by its children
	RegionSplit(ctx context.Context, mother string, children []string) (*model.SplitAck, error)
}

// SegmentWriter delivers segments to the index
type SegmentWriter interface {
	Write(ctx context.Context, segment model.TrajectorySegment) (*WriteResult, error)
}

// RegionReader answers region queries against the index
type RegionReader interface {
	Read(ctx context.Context, query *geo.Query) (*ReadResult, error)
}

// TrajectoryStore gives access to assembled point sequences
type TrajectoryStore interface {
	Trajectory(ctx context.Context, id string) ([]model.TrajectoryPoint, error)
}
