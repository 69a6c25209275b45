package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultFailureThreshold  = 3
)

// NodeHealth represents the current health status of a node
type NodeHealth struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedBeats   int       `json:"missed_beats"`
	IsHealthy     bool      `json:"is_healthy"`
}

// NodeUpdate represents a node health status change
type NodeUpdate struct {
	NodeID    string
	IsHealthy bool
	Timestamp time.Time
}

// FailureDetector tracks peer liveness from gossip exchanges. A peer is
// convicted after threshold consecutive missed exchanges.
type FailureDetector struct {
	mu        sync.RWMutex
	nodes     map[string]*NodeHealth
	threshold int
	clock     clock.Clock
	logger    *zap.Logger
	listeners []func(NodeUpdate)
}

// NewFailureDetector creates a new instance of FailureDetector
func NewFailureDetector(threshold int, clk clock.Clock, logger *zap.Logger) *FailureDetector {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureDetector{
		nodes:     make(map[string]*NodeHealth),
		threshold: threshold,
		clock:     clk,
		logger:    logger.Named("failure-detector"),
	}
}

// OnChange registers a callback run when a node changes health
func (fd *FailureDetector) OnChange(fn func(NodeUpdate)) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.listeners = append(fd.listeners, fn)
}

// AddNode adds a node to be monitored
func (fd *FailureDetector) AddNode(nodeID string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if _, exists := fd.nodes[nodeID]; exists {
		return
	}
	fd.nodes[nodeID] = &NodeHealth{
		LastHeartbeat: fd.clock.Now(),
		IsHealthy:     true,
	}
}

// RemoveNode removes a node from monitoring
func (fd *FailureDetector) RemoveNode(nodeID string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	delete(fd.nodes, nodeID)
}

// Report records the outcome of one exchange with a node
func (fd *FailureDetector) Report(nodeID string, ok bool) {
	fd.mu.Lock()
	node, exists := fd.nodes[nodeID]
	if !exists {
		fd.mu.Unlock()
		return
	}
	wasHealthy := node.IsHealthy
	if ok {
		node.MissedBeats = 0
		node.IsHealthy = true
		node.LastHeartbeat = fd.clock.Now()
	} else {
		node.MissedBeats++
		if node.MissedBeats >= fd.threshold {
			node.IsHealthy = false
		}
	}
	changed := wasHealthy != node.IsHealthy
	update := NodeUpdate{NodeID: nodeID, IsHealthy: node.IsHealthy, Timestamp: fd.clock.Now()}
	listeners := append([]func(NodeUpdate){}, fd.listeners...)
	fd.mu.Unlock()

	if !changed {
		return
	}
	if update.IsHealthy {
		fd.logger.Info("Node is now UP", zap.String("node", nodeID))
	} else {
		fd.logger.Warn("Node is now DOWN", zap.String("node", nodeID))
	}
	for _, fn := range listeners {
		fn(update)
	}
}

// IsNodeHealthy checks if a node is considered healthy
func (fd *FailureDetector) IsNodeHealthy(nodeID string) bool {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	node, exists := fd.nodes[nodeID]
	return exists && node.IsHealthy
}

// GetNodeHealth returns the health status of all nodes
func (fd *FailureDetector) GetNodeHealth() map[string]NodeHealth {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	health := make(map[string]NodeHealth, len(fd.nodes))
	for nodeID, node := range fd.nodes {
		health[nodeID] = *node
	}
	return health
}

// Run convicts nodes that have not been heard from for threshold
// heartbeat intervals, until ctx is done.
func (fd *FailureDetector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := fd.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fd.interpret(interval)
		}
	}
}

func (fd *FailureDetector) interpret(interval time.Duration) {
	deadline := fd.clock.Now().Add(-time.Duration(fd.threshold) * interval)
	var stale []string
	fd.mu.RLock()
	for nodeID, node := range fd.nodes {
		if node.IsHealthy && node.LastHeartbeat.Before(deadline) {
			stale = append(stale, nodeID)
		}
	}
	fd.mu.RUnlock()

	for _, nodeID := range stale {
		for i := 0; i < fd.threshold; i++ {
			fd.Report(nodeID, false)
		}
	}
}
