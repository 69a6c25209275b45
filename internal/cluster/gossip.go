package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultGossipInterval      = 1 * time.Second
	defaultFanout              = 3
	defaultSettleMinWait       = 5 * time.Second
	defaultSettlePollInterval  = 1 * time.Second
	defaultSettleRequiredPolls = 3
)

// GossipConfig tunes the gossip loop and the settle wait. A negative
// SettleMinWait skips the initial wait.
type GossipConfig struct {
	Interval            time.Duration
	Fanout              int
	SettleMinWait       time.Duration
	SettlePollInterval  time.Duration
	SettleRequiredPolls int
}

func (c GossipConfig) withDefaults() GossipConfig {
	if c.Interval <= 0 {
		c.Interval = defaultGossipInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = defaultFanout
	}
	if c.SettleMinWait < 0 {
		c.SettleMinWait = 0
	} else if c.SettleMinWait == 0 {
		c.SettleMinWait = defaultSettleMinWait
	}
	if c.SettlePollInterval <= 0 {
		c.SettlePollInterval = defaultSettlePollInterval
	}
	if c.SettleRequiredPolls <= 0 {
		c.SettleRequiredPolls = defaultSettleRequiredPolls
	}
	return c
}

// GossipMessage carries the sender's view of every endpoint
type GossipMessage struct {
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
	States    []EndpointState `json:"states"`
}

// Gossiper spreads endpoint state to peers over HTTP
type Gossiper struct {
	mu        sync.RWMutex
	local     EndpointState
	endpoints map[string]EndpointState // nodeID -> state, local excluded
	seeds     []string
	onChange  []func(EndpointState)

	client  *http.Client
	cfg     GossipConfig
	fd      *FailureDetector
	clock   clock.Clock
	logger  *zap.Logger
	pending atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGossiper creates a gossiper for the local node
func NewGossiper(local Node, seeds []string, fd *FailureDetector, clk clock.Clock, logger *zap.Logger, cfg GossipConfig) *Gossiper {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fd == nil {
		fd = NewFailureDetector(defaultFailureThreshold, clk, logger)
	}
	cfg = cfg.withDefaults()
	return &Gossiper{
		local:     EndpointState{Node: local, UpdatedAt: clk.Now()},
		endpoints: make(map[string]EndpointState),
		seeds:     append([]string(nil), seeds...),
		client:    &http.Client{Timeout: 2 * time.Second},
		cfg:       cfg,
		fd:        fd,
		clock:     clk,
		logger:    logger.Named("gossip"),
	}
}

// Start begins gossiping with the given generation. Calling Start on a
// running gossiper does nothing.
func (g *Gossiper) Start(ctx context.Context, generation int64) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.cancel != nil {
		return
	}

	g.UpdateLocal(func(s *EndpointState) { s.Generation = generation })

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		g.loop(runCtx)
	}()
	g.logger.Info("Gossip started", zap.String("node", g.LocalState().Node.ID), zap.Int64("generation", generation),
		zap.Strings("seeds", g.seeds))
}

// Stop halts the gossip loop and waits for it to exit
func (g *Gossiper) Stop() {
	g.runMu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the gossip loop is active
func (g *Gossiper) IsRunning() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.cancel != nil
}

func (g *Gossiper) loop(ctx context.Context) {
	g.gossipRound(ctx)
	ticker := g.clock.Ticker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.gossipRound(ctx)
		}
	}
}

// OnChange registers a callback run for every accepted remote state
func (g *Gossiper) OnChange(fn func(EndpointState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = append(g.onChange, fn)
}

// UpdateLocal changes the local state and bumps its version
func (g *Gossiper) UpdateLocal(fn func(*EndpointState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.local)
	g.local.Version++
	g.local.UpdatedAt = g.clock.Now()
}

// LocalState returns a copy of the local state
func (g *Gossiper) LocalState() EndpointState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.local
}

// Endpoints returns every known endpoint, local included, sorted by node ID
func (g *Gossiper) Endpoints() []EndpointState {
	g.mu.RLock()
	out := make([]EndpointState, 0, len(g.endpoints)+1)
	out = append(out, g.local)
	for _, s := range g.endpoints {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// LiveMembers returns the IDs of the local node and every healthy peer
func (g *Gossiper) LiveMembers() []string {
	self := g.LocalState().Node.ID
	live := []string{}
	for _, s := range g.Endpoints() {
		if s.Node.ID == self || g.fd.IsNodeHealthy(s.Node.ID) {
			live = append(live, s.Node.ID)
		}
	}
	return live
}

func (g *Gossiper) endpointCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.endpoints)
}

// gossipRound sends our view to a random subset of peers and seeds
func (g *Gossiper) gossipRound(ctx context.Context) {
	targets := g.selectTargets()
	if len(targets) == 0 {
		return
	}
	message := g.createGossipMessage()
	var wg sync.WaitGroup
	for nodeID, address := range targets {
		wg.Add(1)
		go func(nodeID, address string) {
			defer wg.Done()
			g.sendGossipMessage(ctx, nodeID, address, message)
		}(nodeID, address)
	}
	wg.Wait()
}

// selectTargets maps node IDs (or "seed:<addr>" for unknown seeds) to addresses
func (g *Gossiper) selectTargets() map[string]string {
	g.mu.RLock()
	known := make(map[string]bool, len(g.endpoints))
	ids := make([]string, 0, len(g.endpoints))
	addrs := make([]string, 0, len(g.endpoints))
	for id, s := range g.endpoints {
		known[s.Node.Address] = true
		ids = append(ids, id)
		addrs = append(addrs, s.Node.Address)
	}
	self := g.local.Node.Address
	g.mu.RUnlock()

	targets := make(map[string]string)
	for _, idx := range rand.Perm(len(ids)) {
		if len(targets) >= g.cfg.Fanout {
			break
		}
		targets[ids[idx]] = addrs[idx]
	}
	for _, seed := range g.seeds {
		if seed != self && !known[seed] {
			targets["seed:"+seed] = seed
		}
	}
	return targets
}

func (g *Gossiper) createGossipMessage() GossipMessage {
	return GossipMessage{
		SenderID:  g.LocalState().Node.ID,
		Timestamp: g.clock.Now(),
		States:    g.Endpoints(),
	}
}

func (g *Gossiper) sendGossipMessage(ctx context.Context, nodeID, address string, message GossipMessage) {
	body, err := json.Marshal(message)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s/cluster/gossip", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.fd.Report(nodeID, false)
		g.logger.Debug("Gossip exchange failed", zap.String("target", address), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.fd.Report(nodeID, false)
		return
	}
	var reply GossipMessage
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		g.fd.Report(nodeID, false)
		return
	}
	g.merge(reply)
	g.fd.Report(reply.SenderID, true)
}

// HandleGossipMessage merges a peer's view and returns ours
func (g *Gossiper) HandleGossipMessage(message GossipMessage) GossipMessage {
	g.pending.Add(1)
	defer g.pending.Add(-1)
	g.merge(message)
	g.fd.Report(message.SenderID, true)
	return g.createGossipMessage()
}

func (g *Gossiper) merge(message GossipMessage) {
	var accepted []EndpointState
	g.mu.Lock()
	for _, state := range message.States {
		if state.Node.ID == "" || state.Node.ID == g.local.Node.ID {
			continue
		}
		current, exists := g.endpoints[state.Node.ID]
		if exists && !state.newerThan(current) {
			continue
		}
		g.endpoints[state.Node.ID] = state
		accepted = append(accepted, state)
	}
	listeners := append([]func(EndpointState){}, g.onChange...)
	g.mu.Unlock()

	for _, state := range accepted {
		g.fd.AddNode(state.Node.ID)
		for _, fn := range listeners {
			fn(state)
		}
	}
}

// WaitToSettle blocks until the endpoint set and the inbound message
// backlog have stayed unchanged for the configured number of polls.
func (g *Gossiper) WaitToSettle() {
	g.logger.Info("Waiting for gossip to settle...")
	g.clock.Sleep(g.cfg.SettleMinWait)

	total := 0
	okPolls := 0
	epSize := g.endpointCount()
	for {
		g.clock.Sleep(g.cfg.SettlePollInterval)
		current := g.endpointCount()
		pending := g.pending.Load()
		total++
		if current == epSize && pending == 0 {
			okPolls++
		} else {
			okPolls = 0
			g.logger.Info("Gossip not settled",
				zap.Int("endpoints", current), zap.Int64("pending", pending))
		}
		epSize = current
		if okPolls >= g.cfg.SettleRequiredPolls {
			break
		}
	}
	if total > g.cfg.SettleRequiredPolls {
		g.logger.Info("Gossip settled", zap.Int("polls", total))
	} else {
		g.logger.Info("No gossip backlog; proceeding")
	}
}

// RegisterRoutes adds the gossip and membership endpoints to r
func (g *Gossiper) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cluster/gossip", g.handleGossip).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes", g.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
}

func (g *Gossiper) handleGossip(w http.ResponseWriter, r *http.Request) {
	var message GossipMessage
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil {
		http.Error(w, "invalid gossip message", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, g.HandleGossipMessage(message))
}

func (g *Gossiper) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Endpoints())
}

func (g *Gossiper) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":   g.LocalState().Node.ID,
		"status": g.LocalState().Node.Status.String(),
		"live":   g.LiveMembers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
