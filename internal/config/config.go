package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arohanajit/hashmapd/internal/failure"
)

// ReleaseVersion is recorded in the system keyspace; a change between runs
// triggers a snapshot before any data directory is touched.
const ReleaseVersion = "1.0.0"

// Disk failure policies
const (
	DiskFailureStop   = "stop"
	DiskFailureDie    = "die"
	DiskFailureIgnore = "ignore"
)

// DaemonConfig holds all configuration settings for the node
type DaemonConfig struct {
	// Identity and membership
	NodeID           string        `json:"node_id"`
	ClusterName      string        `json:"cluster_name"`
	ListenAddress    string        `json:"listen_address"`
	BroadcastAddress string        `json:"broadcast_address"`
	Seeds            []string      `json:"seeds"`
	GossipPort       int           `json:"gossip_port"`
	NumTokens        int           `json:"num_tokens"`
	RingDelay        time.Duration `json:"ring_delay"`

	// Client-facing servers
	RPCAddress           string `json:"rpc_address"`
	RPCPort              int    `json:"rpc_port"`
	RPCListenBacklog     int    `json:"rpc_listen_backlog"`
	NativeTransportPort  int    `json:"native_transport_port"`
	StartNativeTransport bool   `json:"start_native_transport"`
	// StartNativeTransportOverride takes precedence over StartNativeTransport
	// when set.
	StartNativeTransportOverride *bool `json:"start_native_transport_override,omitempty"`

	// Storage settings
	DataDir           string `json:"data_dir"`
	CommitLogDir      string `json:"commitlog_dir"`
	HintsDir          string `json:"hints_dir"`
	SavedCachesDir    string `json:"saved_caches_dir"`
	DiskFailurePolicy string `json:"disk_failure_policy"`
	MinFreeDiskBytes  uint64 `json:"min_free_disk_bytes"`

	// Caches
	KeyCacheSize      int `json:"key_cache_size"`
	RowCacheSize      int `json:"row_cache_size"`
	PreparedCacheSize int `json:"prepared_cache_size"`

	// Process
	PIDFile         string        `json:"pid_file"`
	LogLevel        string        `json:"log_level"`
	MetricsAddress  string        `json:"metrics_address"`
	GCWarnThreshold time.Duration `json:"gc_warn_threshold"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultConfig returns a DaemonConfig with default values
func DefaultConfig() *DaemonConfig {
	return &DaemonConfig{
		ClusterName:          "Test Cluster",
		ListenAddress:        "127.0.0.1",
		BroadcastAddress:     "127.0.0.1",
		GossipPort:           7000,
		NumTokens:            16,
		RingDelay:            30 * time.Second,
		RPCAddress:           "127.0.0.1",
		RPCPort:              9160,
		RPCListenBacklog:     50,
		NativeTransportPort:  9042,
		StartNativeTransport: true,
		DataDir:              "./data",
		DiskFailurePolicy:    DiskFailureStop,
		MinFreeDiskBytes:     64 * 1024 * 1024, // 64MB
		KeyCacheSize:         10000,
		RowCacheSize:         1000,
		PreparedCacheSize:    1024,
		LogLevel:             "info",
		MetricsAddress:       ":9100",
		ShutdownTimeout:      30 * time.Second,
	}
}

// LoadConfig loads configuration from environment variables. Unparsable
// values keep their defaults.
func LoadConfig() *DaemonConfig {
	config := DefaultConfig()

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		config.NodeID = nodeID
	}
	if name := os.Getenv("CLUSTER_NAME"); name != "" {
		config.ClusterName = name
	}
	if addr := os.Getenv("LISTEN_ADDRESS"); addr != "" {
		config.ListenAddress = addr
	}
	if addr := os.Getenv("BROADCAST_ADDRESS"); addr != "" {
		config.BroadcastAddress = addr
	}
	if seeds := os.Getenv("SEEDS"); seeds != "" {
		config.Seeds = splitList(seeds)
	}
	envInt("GOSSIP_PORT", &config.GossipPort)
	envInt("NUM_TOKENS", &config.NumTokens)
	envDuration("RING_DELAY", &config.RingDelay)

	if addr := os.Getenv("RPC_ADDRESS"); addr != "" {
		config.RPCAddress = addr
	}
	envInt("RPC_PORT", &config.RPCPort)
	envInt("RPC_LISTEN_BACKLOG", &config.RPCListenBacklog)
	envInt("NATIVE_TRANSPORT_PORT", &config.NativeTransportPort)
	if start := os.Getenv("START_NATIVE_TRANSPORT"); start != "" {
		if b, err := strconv.ParseBool(start); err == nil {
			config.StartNativeTransport = b
		}
	}
	if override := os.Getenv("HASHMAPD_START_NATIVE_TRANSPORT"); override != "" {
		if b, err := strconv.ParseBool(override); err == nil {
			config.StartNativeTransportOverride = &b
		}
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if dir := os.Getenv("COMMITLOG_DIR"); dir != "" {
		config.CommitLogDir = dir
	}
	if dir := os.Getenv("HINTS_DIR"); dir != "" {
		config.HintsDir = dir
	}
	if dir := os.Getenv("SAVED_CACHES_DIR"); dir != "" {
		config.SavedCachesDir = dir
	}
	if policy := os.Getenv("DISK_FAILURE_POLICY"); policy != "" {
		config.DiskFailurePolicy = strings.ToLower(policy)
	}
	if minFree := os.Getenv("MIN_FREE_DISK_BYTES"); minFree != "" {
		if n, err := strconv.ParseUint(minFree, 10, 64); err == nil {
			config.MinFreeDiskBytes = n
		}
	}

	envInt("KEY_CACHE_SIZE", &config.KeyCacheSize)
	envInt("ROW_CACHE_SIZE", &config.RowCacheSize)
	envInt("PREPARED_CACHE_SIZE", &config.PreparedCacheSize)

	if pidFile := os.Getenv("PID_FILE"); pidFile != "" {
		config.PIDFile = pidFile
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if addr := os.Getenv("METRICS_ADDRESS"); addr != "" {
		config.MetricsAddress = addr
	}
	envDuration("SHUTDOWN_TIMEOUT", &config.ShutdownTimeout)
	envDuration("GC_WARN_THRESHOLD", &config.GCWarnThreshold)

	config.applyDerived()
	return config
}

// applyDerived fills settings that default relative to others.
func (c *DaemonConfig) applyDerived() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.CommitLogDir == "" {
		c.CommitLogDir = filepath.Join(c.DataDir, "commitlog")
	}
	if c.HintsDir == "" {
		c.HintsDir = filepath.Join(c.DataDir, "hints")
	}
	if c.SavedCachesDir == "" {
		c.SavedCachesDir = filepath.Join(c.DataDir, "saved_caches")
	}
}

// ShouldStartNativeTransport applies the override over the configured flag.
func (c *DaemonConfig) ShouldStartNativeTransport() bool {
	if c.StartNativeTransportOverride != nil {
		return *c.StartNativeTransportOverride
	}
	return c.StartNativeTransport
}

// Validate checks if the configuration is valid
func (c *DaemonConfig) Validate() error {
	if c.NodeID == "" {
		return failure.NewConfigurationError("node id must be set (NODE_ID)")
	}
	if c.DataDir == "" {
		return failure.NewConfigurationError("data directory must be set (DATA_DIR)")
	}
	for name, port := range map[string]int{
		"GOSSIP_PORT":           c.GossipPort,
		"RPC_PORT":              c.RPCPort,
		"NATIVE_TRANSPORT_PORT": c.NativeTransportPort,
	} {
		if port <= 0 || port > 65535 {
			return failure.NewConfigurationError("%s out of range: %d", name, port)
		}
	}
	if net.ParseIP(c.BroadcastAddress) == nil {
		return failure.NewConfigurationError("invalid broadcast address %q", c.BroadcastAddress)
	}
	switch c.DiskFailurePolicy {
	case DiskFailureStop, DiskFailureDie, DiskFailureIgnore:
	default:
		return failure.NewConfigurationError("unknown disk failure policy %q (want stop, die or ignore)", c.DiskFailurePolicy)
	}
	if c.KeyCacheSize <= 0 || c.RowCacheSize <= 0 {
		return failure.NewConfigurationError("cache sizes must be positive")
	}
	if c.RingDelay < 0 {
		return failure.NewConfigurationError("ring delay must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
