package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/metrics"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is advertised by every member
type nodeMeta struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"` // gRPC
}

// MembershipListener receives membership changes
type MembershipListener interface {
	Join(nodeID, address string)
	Leave(nodeID string)
}

// GossipService manages cluster membership and feeds it to the placement ring
type GossipService struct {
	memberlist *memberlist.Memberlist
	meta       nodeMeta
	listener   MembershipListener
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID, address string, listener MembershipListener, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		meta:     nodeMeta{NodeID: nodeID, Address: address},
		listener: listener,
		metrics:  m,
		logger:   logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", joined), zap.Error(err))
		}
	}

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.metrics.GossipMessagesTotal.WithLabelValues("user").Inc()
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.meta)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.metrics.GossipMessagesTotal.WithLabelValues("push_pull").Inc()
}

// Members returns the number of live members
func (s *GossipService) Members() int {
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipService) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) memberJoined(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.Address == "" {
		s.logger.Warn("Ignoring member without address metadata", zap.String("node_id", node.Name))
		return
	}
	if meta.NodeID == s.meta.NodeID {
		return
	}
	s.listener.Join(meta.NodeID, meta.Address)
}

type gossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.metrics.GossipMessagesTotal.WithLabelValues("join").Inc()
	d.service.metrics.GossipMembersTotal.Inc()
	d.service.memberJoined(node)
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))
	d.service.metrics.GossipMessagesTotal.WithLabelValues("leave").Inc()
	d.service.metrics.GossipMembersTotal.Dec()
	d.service.listener.Leave(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node_id", node.Name))
	d.service.memberJoined(node)
}
