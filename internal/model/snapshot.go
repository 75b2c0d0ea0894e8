package model

// ShardLifecycle is the state of a shard's state machine
type ShardLifecycle string

const (
	ShardActive   ShardLifecycle = "active"
	ShardRetiring ShardLifecycle = "retiring" // Split in progress
	ShardRetired  ShardLifecycle = "retired"  // Terminal
)

// ShardSnapshot is the persisted form of a shard
type ShardSnapshot struct {
	Cell              string              `json:"cell"`
	Resolution        int                 `json:"resolution"`
	Buffer            []TrajectorySegment `json:"buffer"`
	Indexed           []TrajectorySegment `json:"indexed"`
	Retired           bool                `json:"retired"`
	TerminalWarned    bool                `json:"terminal_warned"`
	SplitResidual     int                 `json:"split_residual,omitempty"`
	UpdatedAtUnixNano int64               `json:"updated_at"`
}

// DirectoryEntry is one in-service cell known to the directory
type DirectoryEntry struct {
	Cell       string  `json:"cell"`
	Resolution int     `json:"resolution"`
	MinX       float64 `json:"min_x"`
	MinY       float64 `json:"min_y"`
	MaxX       float64 `json:"max_x"`
	MaxY       float64 `json:"max_y"`
}

// DirectorySnapshot is the persisted form of the routing directory
type DirectorySnapshot struct {
	Entries []DirectoryEntry `json:"entries"`
	Retired []string         `json:"retired"`
}

// SplitReport summarizes one completed split
type SplitReport struct {
	Mother          string         `json:"mother"`
	Children        []string       `json:"children"`
	Partitions      map[string]int `json:"partitions"` // child -> segment count
	Residual        int            `json:"residual"`   // segments with no endpoint in the covering
	FailedChildren  []string       `json:"failed_children,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by"`
	IndexedSegments int            `json:"indexed_segments"`
}

// SplitAck is returned by the directory when it applied (or already had applied) a split
type SplitAck struct {
	Token     string   `json:"token"`
	Mother    string   `json:"mother"`
	Inserted  []string `json:"inserted"`
	Duplicate bool     `json:"duplicate"`
}
