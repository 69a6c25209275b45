package cluster

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/hashmapd/internal/failure"
)

type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string][]uint64
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{tokens: make(map[string][]uint64)}
}

func (m *memoryTokenStore) SaveTokens(ctx context.Context, nodeID string, tokens []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[nodeID] = append([]uint64(nil), tokens...)
	return nil
}

func (m *memoryTokenStore) SavedTokens(ctx context.Context) (map[string][]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]uint64, len(m.tokens))
	for k, v := range m.tokens {
		out[k] = v
	}
	return out, nil
}

type fakeDaemon struct{}

func (fakeDaemon) SetupCompleted() bool           { return true }
func (fakeDaemon) IsNativeTransportRunning() bool { return false }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testServiceConfig(t *testing.T) ServiceConfig {
	return ServiceConfig{
		NodeID:           "node1",
		ClusterName:      "test-cluster",
		ListenAddress:    "127.0.0.1",
		BroadcastAddress: "127.0.0.1",
		GossipPort:       freePort(t),
		RingDelay:        50 * time.Millisecond,
		NumTokens:        4,
		Gossip:           fastGossipConfig(),
	}
}

func TestServiceConfig_Validate(t *testing.T) {
	base := ServiceConfig{NodeID: "n", ClusterName: "c", BroadcastAddress: "10.0.0.1", GossipPort: 7000}

	tests := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr bool
	}{
		{"valid", func(*ServiceConfig) {}, false},
		{"missing node id", func(c *ServiceConfig) { c.NodeID = "" }, true},
		{"missing cluster name", func(c *ServiceConfig) { c.ClusterName = "" }, true},
		{"unparsable broadcast", func(c *ServiceConfig) { c.BroadcastAddress = "not-an-ip" }, true},
		{"unspecified broadcast", func(c *ServiceConfig) { c.BroadcastAddress = "0.0.0.0" }, true},
		{"bad port", func(c *ServiceConfig) { c.GossipPort = 70000 }, true},
		{"bad seed", func(c *ServiceConfig) { c.Seeds = []string{"10.0.0.2"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cfgErr *failure.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.False(t, cfgErr.LogStackTrace)
		})
	}
}

func TestStorageService_InitServerConfigurationError(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.ClusterName = ""
	s := NewStorageService(cfg, newMemoryTokenStore(), nil, zaptest.NewLogger(t))

	err := s.InitServer(context.Background())
	var cfgErr *failure.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStorageService_InitServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testServiceConfig(t)
	cfg.GossipPort = ln.Addr().(*net.TCPAddr).Port
	s := NewStorageService(cfg, newMemoryTokenStore(), nil, zaptest.NewLogger(t))

	err = s.InitServer(context.Background())
	var cfgErr *failure.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "Unable to bind")
}

func TestStorageService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveTokens(ctx, "node2", []uint64{42}))

	s := NewStorageService(testServiceConfig(t), store, nil, zaptest.NewLogger(t))
	s.RegisterDaemon(fakeDaemon{})
	assert.Equal(t, 50*time.Millisecond, s.RingDelay())
	assert.True(t, s.BroadcastAddress().IsLoopback())

	require.NoError(t, s.PopulateTokenMetadata(ctx))
	require.NoError(t, s.PopulateTokenMetadata(ctx), "populating twice is harmless")
	assert.Equal(t, []string{"node2"}, s.TokenMetadata().Nodes())

	require.NoError(t, s.InitServer(ctx))
	require.NoError(t, s.InitServer(ctx), "second init is a no-op")
	defer s.Shutdown(ctx)

	assert.Equal(t, []string{"node1", "node2"}, s.TokenMetadata().Nodes())
	saved, _ := store.SavedTokens(ctx)
	assert.Len(t, saved["node1"], 4)
	assert.Equal(t, NodeStatusNormal, s.Gossiper().LocalState().Node.Status)

	s.SetRPCReady(true)
	assert.True(t, s.RPCReady())
	assert.True(t, s.Gossiper().LocalState().RPCReady)

	resp, err := http.Get("http://" + s.GossipAddress() + "/cluster/ring")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ring map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ring))
	assert.Equal(t, true, ring["rpc_ready"])
	assert.Equal(t, true, ring["setup_completed"])
	assert.Nil(t, ring["owners"])
	assert.Contains(t, ring, "health")

	resp, err = http.Get("http://" + s.GossipAddress() + "/cluster/ring?key=o-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var owners struct {
		Owners []string `json:"owners"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&owners))
	require.Len(t, owners.Owners, 1)
	assert.Contains(t, []string{"node1", "node2"}, owners.Owners[0])

	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Gossiper().IsRunning())
}

func TestStorageService_PeerTokensFollowGossip(t *testing.T) {
	store := newMemoryTokenStore()
	s := NewStorageService(testServiceConfig(t), store, nil, zaptest.NewLogger(t))

	s.Gossiper().HandleGossipMessage(GossipMessage{SenderID: "node3", States: []EndpointState{
		{Node: Node{ID: "node3", Status: NodeStatusNormal}, Generation: 1, Tokens: []Token{7, 8}},
	}})
	assert.Equal(t, []Token{7, 8}, s.TokenMetadata().Tokens("node3"))
	saved, _ := store.SavedTokens(context.Background())
	assert.Equal(t, []uint64{7, 8}, saved["node3"])

	s.Gossiper().HandleGossipMessage(GossipMessage{SenderID: "node3", States: []EndpointState{
		{Node: Node{ID: "node3", Status: NodeStatusRemoved}, Generation: 2},
	}})
	assert.Empty(t, s.TokenMetadata().Tokens("node3"))
}
