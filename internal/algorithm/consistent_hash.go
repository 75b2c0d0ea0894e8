package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// PlacementRing assigns shard cells to cluster nodes by consistent hashing with virtual nodes
type PlacementRing struct {
	ring       []uint64            // Sorted hash values
	owners     map[uint64]string   // Hash -> NodeID
	nodeVNodes map[string][]uint64 // NodeID -> VNode hashes
	vnodes     int
	mu         sync.RWMutex
}

// NewPlacementRing creates an empty ring placing each node at virtualNodes points
func NewPlacementRing(virtualNodes int) *PlacementRing {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &PlacementRing{
		owners:     make(map[uint64]string),
		nodeVNodes: make(map[string][]uint64),
		vnodes:     virtualNodes,
	}
}

// AddNode places a node on the ring. Adding a known node is a no-op.
func (r *PlacementRing) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; exists {
		return
	}

	hashes := make([]uint64, 0, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		h := hashKey(fmt.Sprintf("%s-vnode-%d", nodeID, i))
		if _, taken := r.owners[h]; taken {
			continue
		}
		r.ring = append(r.ring, h)
		r.owners[h] = nodeID
		hashes = append(hashes, h)
	}

	r.nodeVNodes[nodeID] = hashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes a node and its virtual nodes
func (r *PlacementRing) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, exists := r.nodeVNodes[nodeID]
	if !exists {
		return
	}

	removed := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		removed[h] = true
		delete(r.owners, h)
	}

	ring := make([]uint64, 0, len(r.ring)-len(hashes))
	for _, h := range r.ring {
		if !removed[h] {
			ring = append(ring, h)
		}
	}
	r.ring = ring

	delete(r.nodeVNodes, nodeID)
}

// Owner returns the node owning key, or "" when the ring is empty
func (r *PlacementRing) Owner(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return ""
	}

	h := hashKey(key)
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= h
	})
	// Wrap around
	if idx >= len(r.ring) {
		idx = 0
	}
	return r.owners[r.ring[idx]]
}

// Nodes returns the node ids on the ring, sorted
func (r *PlacementRing) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodeVNodes))
	for id := range r.nodeVNodes {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// NodeCount returns the number of physical nodes
func (r *PlacementRing) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeVNodes)
}

// hashKey computes SHA-256 and keeps the first 8 bytes
func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
