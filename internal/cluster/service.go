package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
)

const defaultRingDelay = 30 * time.Second

// DaemonHandle is the view of the hosting daemon the membership layer uses
type DaemonHandle interface {
	SetupCompleted() bool
	IsNativeTransportRunning() bool
}

// TokenStore persists ring ownership across restarts
type TokenStore interface {
	SaveTokens(ctx context.Context, nodeID string, tokens []uint64) error
	SavedTokens(ctx context.Context) (map[string][]uint64, error)
}

// ServiceConfig configures the storage service
type ServiceConfig struct {
	NodeID           string
	ClusterName      string
	ListenAddress    string
	BroadcastAddress string
	GossipPort       int
	Seeds            []string
	RingDelay        time.Duration
	NumTokens        int
	Gossip           GossipConfig
}

// StorageService owns the node's membership: ring ownership, gossip and
// the RPC-ready flag advertised to peers.
type StorageService struct {
	cfg      ServiceConfig
	tokens   TokenStore
	metadata *TokenMetadata
	fd       *FailureDetector
	gossiper *Gossiper
	clock    clock.Clock
	logger   *zap.Logger

	rpcReady atomic.Bool

	mu          sync.Mutex
	daemon      DaemonHandle
	initialized bool
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
}

// NewStorageService creates the membership layer. It does not touch the
// network until InitServer.
func NewStorageService(cfg ServiceConfig, tokens TokenStore, clk clock.Clock, logger *zap.Logger) *StorageService {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RingDelay <= 0 {
		cfg.RingDelay = defaultRingDelay
	}
	if cfg.NumTokens <= 0 {
		cfg.NumTokens = DefaultNumTokens
	}
	logger = logger.Named("storage-service")
	fd := NewFailureDetector(defaultFailureThreshold, clk, logger)
	self := Node{
		ID:      cfg.NodeID,
		Address: net.JoinHostPort(cfg.BroadcastAddress, strconv.Itoa(cfg.GossipPort)),
		Status:  NodeStatusJoining,
	}
	s := &StorageService{
		cfg:      cfg,
		tokens:   tokens,
		metadata: NewTokenMetadata(),
		fd:       fd,
		gossiper: NewGossiper(self, cfg.Seeds, fd, clk, logger, cfg.Gossip),
		clock:    clk,
		logger:   logger,
	}
	s.gossiper.OnChange(s.onEndpointChange)
	return s
}

// TokenMetadata returns the ring
func (s *StorageService) TokenMetadata() *TokenMetadata { return s.metadata }

// Gossiper returns the gossip engine
func (s *StorageService) Gossiper() *Gossiper { return s.gossiper }

// RegisterDaemon attaches the hosting daemon
func (s *StorageService) RegisterDaemon(d DaemonHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = d
}

// Daemon returns the registered daemon, or nil
func (s *StorageService) Daemon() DaemonHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon
}

// RingDelay is how long to wait for ring information to propagate
func (s *StorageService) RingDelay() time.Duration { return s.cfg.RingDelay }

// BroadcastAddress is the address advertised to peers
func (s *StorageService) BroadcastAddress() net.IP {
	return net.ParseIP(s.cfg.BroadcastAddress)
}

// SetRPCReady advertises whether this node accepts client requests
func (s *StorageService) SetRPCReady(ready bool) {
	s.rpcReady.Store(ready)
	s.gossiper.UpdateLocal(func(st *EndpointState) { st.RPCReady = ready })
}

// RPCReady reports the advertised RPC readiness
func (s *StorageService) RPCReady() bool { return s.rpcReady.Load() }

// WaitToSettle blocks until gossip has converged
func (s *StorageService) WaitToSettle() { s.gossiper.WaitToSettle() }

// PopulateTokenMetadata loads persisted ring ownership into memory
func (s *StorageService) PopulateTokenMetadata(ctx context.Context) error {
	if s.tokens == nil {
		return nil
	}
	saved, err := s.tokens.SavedTokens(ctx)
	if err != nil {
		return fmt.Errorf("load saved tokens: %w", err)
	}
	for nodeID, raw := range saved {
		s.metadata.UpdateNormalTokens(nodeID, toTokens(raw))
	}
	s.logger.Info("Populated token metadata", zap.Int("nodes", len(saved)),
		zap.Uint64("ring_version", s.metadata.RingVersion()))
	return nil
}

// Validate checks the membership settings. Problems are configuration
// errors reported without a stack trace.
func (c ServiceConfig) Validate() error {
	if c.NodeID == "" {
		return failure.NewConfigurationError("node id must be set (NODE_ID)")
	}
	if c.ClusterName == "" {
		return failure.NewConfigurationError("cluster name must be set (CLUSTER_NAME)")
	}
	ip := net.ParseIP(c.BroadcastAddress)
	if ip == nil {
		return failure.NewConfigurationError("invalid broadcast address %q", c.BroadcastAddress)
	}
	if ip.IsUnspecified() {
		return failure.NewConfigurationError("broadcast address cannot be %s", c.BroadcastAddress)
	}
	if c.GossipPort <= 0 || c.GossipPort > 65535 {
		return failure.NewConfigurationError("invalid gossip port %d", c.GossipPort)
	}
	for _, seed := range c.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return failure.NewConfigurationError("invalid seed %q: expected host:port", seed)
		}
	}
	return nil
}

// InitServer joins the ring and starts gossip. Calling it again after a
// successful call does nothing.
func (s *StorageService) InitServer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	local := s.metadata.Tokens(s.cfg.NodeID)
	if len(local) == 0 {
		local = GenerateTokens(s.cfg.NodeID, s.cfg.NumTokens)
		s.logger.Info("Generated new tokens", zap.Int("count", len(local)))
		if s.tokens != nil {
			if err := s.tokens.SaveTokens(ctx, s.cfg.NodeID, fromTokens(local)); err != nil {
				return fmt.Errorf("save local tokens: %w", err)
			}
		}
		s.metadata.UpdateNormalTokens(s.cfg.NodeID, local)
	}

	addr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.GossipPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &failure.ConfigurationError{
			Message: fmt.Sprintf("Unable to bind to address %s. Set LISTEN_ADDRESS to an interface you can bind to, e.g. your private IP address", addr),
			Cause:   err,
		}
	}
	router := mux.NewRouter()
	s.gossiper.RegisterRoutes(router)
	router.HandleFunc("/cluster/ring", s.handleRing).Methods(http.MethodGet)
	s.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	s.listener = ln
	go func() {
		defer failure.Recover("gossip-server")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gossip server stopped", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gossiper.UpdateLocal(func(st *EndpointState) {
		st.Tokens = local
		st.Node.Status = NodeStatusNormal
	})
	s.gossiper.Start(runCtx, s.clock.Now().Unix())
	go s.fd.Run(runCtx, s.cfg.Gossip.Interval*5)

	s.initialized = true
	s.logger.Info("Membership initialized",
		zap.String("node", s.cfg.NodeID),
		zap.String("cluster", s.cfg.ClusterName),
		zap.String("gossip_address", ln.Addr().String()))
	return nil
}

// GossipAddress returns the bound gossip address, or "" before InitServer
func (s *StorageService) GossipAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops gossip and its HTTP server
func (s *StorageService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.initialized = false
	s.mu.Unlock()

	var errs error
	s.gossiper.Stop()
	if cancel != nil {
		cancel()
	}
	if server != nil {
		errs = multierr.Append(errs, server.Shutdown(ctx))
	}
	return errs
}

func (s *StorageService) onEndpointChange(state EndpointState) {
	defer func() {
		metrics.GetMetrics().SetClusterNodesTotal(len(s.metadata.Nodes()))
	}()
	if state.Node.Status == NodeStatusRemoved {
		s.metadata.RemoveNode(state.Node.ID)
		return
	}
	if len(state.Tokens) == 0 {
		return
	}
	s.metadata.UpdateNormalTokens(state.Node.ID, state.Tokens)
	if s.tokens != nil {
		if err := s.tokens.SaveTokens(context.Background(), state.Node.ID, fromTokens(state.Tokens)); err != nil {
			s.logger.Warn("Failed to persist peer tokens", zap.String("node", state.Node.ID), zap.Error(err))
		}
	}
}

func (s *StorageService) handleRing(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ring_version": s.metadata.RingVersion(),
		"nodes":        s.metadata.Nodes(),
		"rpc_ready":    s.RPCReady(),
		"health":       s.fd.GetNodeHealth(),
	}
	if key := r.URL.Query().Get("key"); key != "" {
		status["owners"] = s.metadata.ResponsibleNodes(key)
	}
	if d := s.Daemon(); d != nil {
		status["setup_completed"] = d.SetupCompleted()
		status["native_transport"] = d.IsNativeTransportRunning()
	}
	writeJSON(w, http.StatusOK, status)
}

func toTokens(raw []uint64) []Token {
	out := make([]Token, len(raw))
	for i, t := range raw {
		out[i] = Token(t)
	}
	return out
}

func fromTokens(tokens []Token) []uint64 {
	out := make([]uint64, len(tokens))
	for i, t := range tokens {
		out[i] = uint64(t)
	}
	return out
}
