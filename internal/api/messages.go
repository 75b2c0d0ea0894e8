// Package api defines the wire messages and method names of the misty gRPC services.
package api

import "github.com/LionTao/misty/internal/model"

const (
	ShardServiceName      = "misty.v1.ShardService"
	DirectoryServiceName  = "misty.v1.DirectoryService"
	TrajectoryServiceName = "misty.v1.TrajectoryService"
)

// Full method names
const (
	ShardAcceptMethod            = "/" + ShardServiceName + "/Accept"
	ShardInitializeAsChildMethod = "/" + ShardServiceName + "/InitializeAsChild"
	ShardQueryMethod             = "/" + ShardServiceName + "/Query"

	DirectoryQueryMethod       = "/" + DirectoryServiceName + "/Query"
	DirectoryRegionQueryMethod = "/" + DirectoryServiceName + "/RegionQuery"
	DirectoryRegionSplitMethod = "/" + DirectoryServiceName + "/RegionSplit"

	TrajectoryAcceptPointMethod = "/" + TrajectoryServiceName + "/AcceptPoint"
	TrajectoryGetMethod         = "/" + TrajectoryServiceName + "/Trajectory"
	TrajectoryRegionMethod      = "/" + TrajectoryServiceName + "/Region"
	TrajectorySimilarMethod     = "/" + TrajectoryServiceName + "/Similar"
)

// AcceptRequest delivers one segment to a shard
type AcceptRequest struct {
	Cell    string                  `json:"cell"`
	Segment model.TrajectorySegment `json:"segment"`
}

// AcceptResponse carries the rejection hint when Accepted is false
type AcceptResponse struct {
	Accepted       bool `json:"accepted"`
	ResolutionHint int  `json:"resolution_hint,omitempty"`
}

// InitializeAsChildRequest seeds a child shard with a split partition
type InitializeAsChildRequest struct {
	Cell     string                    `json:"cell"`
	Segments []model.TrajectorySegment `json:"segments"`
}

// InitializeAsChildResponse reports whether the child took the partition
type InitializeAsChildResponse struct {
	OK bool `json:"ok"`
}

// ShardQueryRequest is a WKT query against one shard
type ShardQueryRequest struct {
	Cell string `json:"cell"`
	WKT  string `json:"wkt"`
}

// ShardQueryResponse is ok=false when the shard retired
type ShardQueryResponse struct {
	OK  bool     `json:"ok"`
	IDs []string `json:"ids,omitempty"`
}

// DirectoryQueryRequest resolves the owners of a segment's endpoints
type DirectoryQueryRequest struct {
	Start model.TrajectoryPoint `json:"start"`
	End   model.TrajectoryPoint `json:"end"`
}

// CellsResponse is a list of cell ids
type CellsResponse struct {
	Cells []string `json:"cells"`
}

// RegionRequest carries a WKT geometry
type RegionRequest struct {
	WKT string `json:"wkt"`
}

// RegionSplitRequest replaces Mother by Children in the directory
type RegionSplitRequest struct {
	Mother   string   `json:"mother"`
	Children []string `json:"children"`
}

// AcceptPointRequest ingests one trajectory point
type AcceptPointRequest struct {
	Point model.TrajectoryPoint `json:"point"`
}

// AcceptPointResponse lists the cells that absorbed the closed segment, if any
type AcceptPointResponse struct {
	AcceptedBy  []string `json:"accepted_by"`
	WidenRounds int      `json:"widen_rounds"`
}

// TrajectoryRequest names a stored trajectory
type TrajectoryRequest struct {
	ID string `json:"id"`
}

// TrajectoryResponse returns the points of a trajectory
type TrajectoryResponse struct {
	Points []model.TrajectoryPoint `json:"points"`
}

// RegionResponse is the deduplicated answer of a region query
type RegionResponse struct {
	IDs []string `json:"ids"`
}

// SimilarRequest asks for trajectories within Threshold of either the stored
// trajectory ID or the given Points
type SimilarRequest struct {
	ID        string                  `json:"id,omitempty"`
	Points    []model.TrajectoryPoint `json:"points,omitempty"`
	Threshold float64                 `json:"threshold"`
}

// SimilarMatch is one result of a similarity query
type SimilarMatch struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// SimilarResponse is ordered by ascending distance
type SimilarResponse struct {
	Matches []SimilarMatch `json:"matches"`
}
