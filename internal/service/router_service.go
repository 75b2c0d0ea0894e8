package service

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/LionTao/misty/internal/algorithm"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/model"
)

// ForwardedByKey is the gRPC metadata key marking a shard call forwarded by
// another node. Forwarded calls are served where they land.
const ForwardedByKey = "x-misty-forwarded-by"

// IsForwarded reports whether an incoming call was forwarded by another node
func IsForwarded(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	return ok && len(md.Get(ForwardedByKey)) > 0
}

// ShardDialer opens a ShardAPI client to a remote node's gRPC address
type ShardDialer func(address string) (ShardAPI, error)

// ShardRouter implements ShardAPI across the cluster. Each cell is placed on a
// node by a consistent-hash ring; local cells are served by the registry and
// remote cells through a client dialed per node.
type ShardRouter struct {
	nodeID  string
	local   *ShardRegistry
	ring    *algorithm.PlacementRing
	dial    ShardDialer
	members map[string]string   // node id -> address
	clients map[string]ShardAPI // node id -> client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewShardRouter creates a router owning every cell until other members join
func NewShardRouter(nodeID, address string, virtualNodes int, local *ShardRegistry, dial ShardDialer, logger *zap.Logger) *ShardRouter {
	r := &ShardRouter{
		nodeID:  nodeID,
		local:   local,
		ring:    algorithm.NewPlacementRing(virtualNodes),
		dial:    dial,
		members: map[string]string{nodeID: address},
		clients: make(map[string]ShardAPI),
		logger:  logger,
	}
	r.ring.AddNode(nodeID)
	local.SetPeers(r)
	return r
}

// Owner returns the node hosting a cell
func (r *ShardRouter) Owner(cell string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.Owner(cell)
}

// Members returns the known node ids
func (r *ShardRouter) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.Nodes()
}

// Join adds or updates a member
func (r *ShardRouter) Join(nodeID, address string) {
	r.mu.Lock()
	if prev, ok := r.members[nodeID]; ok && prev == address {
		r.mu.Unlock()
		return
	}
	r.members[nodeID] = address
	r.ring.AddNode(nodeID)
	stale := r.clients[nodeID]
	delete(r.clients, nodeID)
	r.mu.Unlock()

	closeClient(stale)
	r.logger.Info("Member joined placement ring",
		zap.String("node_id", nodeID),
		zap.String("address", address))
	r.rebalance()
}

// Leave removes a member. The local node never leaves its own ring.
func (r *ShardRouter) Leave(nodeID string) {
	if nodeID == r.nodeID {
		return
	}
	r.mu.Lock()
	if _, ok := r.members[nodeID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, nodeID)
	r.ring.RemoveNode(nodeID)
	stale := r.clients[nodeID]
	delete(r.clients, nodeID)
	r.mu.Unlock()

	closeClient(stale)
	r.logger.Info("Member left placement ring", zap.String("node_id", nodeID))
}

// rebalance deactivates local shards whose cells moved to another node.
// Their state is in the shared store, so the new owner restores it.
func (r *ShardRouter) rebalance() {
	evicted := r.local.EvictWhere(func(cell string) bool {
		return r.Owner(cell) != r.nodeID
	})
	if evicted > 0 {
		r.logger.Info("Handed off shards after membership change", zap.Int("count", evicted))
	}
}

// Accept implements ShardAPI
func (r *ShardRouter) Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	target, ctx, err := r.route(ctx, cell)
	if err != nil {
		return false, 0, err
	}
	return target.Accept(ctx, cell, segment)
}

// InitializeAsChild implements ShardAPI
func (r *ShardRouter) InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error) {
	target, ctx, err := r.route(ctx, cell)
	if err != nil {
		return false, err
	}
	return target.InitializeAsChild(ctx, cell, segments)
}

// Query implements ShardAPI
func (r *ShardRouter) Query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	target, ctx, err := r.route(ctx, cell)
	if err != nil {
		return false, nil, err
	}
	return target.Query(ctx, cell, query)
}

// route picks the registry for local cells and the owner's client otherwise.
// Remote calls carry ForwardedByKey so the owner does not forward them again.
func (r *ShardRouter) route(ctx context.Context, cell string) (ShardAPI, context.Context, error) {
	target, err := r.target(cell)
	if err != nil || target == ShardAPI(r.local) {
		return target, ctx, err
	}
	return target, metadata.AppendToOutgoingContext(ctx, ForwardedByKey, r.nodeID), nil
}

func (r *ShardRouter) target(cell string) (ShardAPI, error) {
	r.mu.RLock()
	owner := r.ring.Owner(cell)
	if owner == r.nodeID || owner == "" {
		r.mu.RUnlock()
		return r.local, nil
	}
	if c, ok := r.clients[owner]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	address := r.members[owner]
	r.mu.RUnlock()

	if r.dial == nil {
		return nil, errors.Unavailable("no transport to node "+owner, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[owner]; ok {
		return c, nil
	}
	c, err := r.dial(address)
	if err != nil {
		return nil, errors.Unavailable("failed to connect to node "+owner, err)
	}
	r.clients[owner] = c
	return c, nil
}

// Close closes remote clients
func (r *ShardRouter) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]ShardAPI)
	r.mu.Unlock()

	for _, c := range clients {
		closeClient(c)
	}
}

func closeClient(c ShardAPI) {
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}
