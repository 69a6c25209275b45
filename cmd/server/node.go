package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/cache"
	"github.com/arohanajit/hashmapd/internal/cluster"
	"github.com/arohanajit/hashmapd/internal/config"
	"github.com/arohanajit/hashmapd/internal/daemon"
	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
	"github.com/arohanajit/hashmapd/internal/query"
	"github.com/arohanajit/hashmapd/internal/storage"
	"github.com/arohanajit/hashmapd/internal/transport"
)

// node is a daemon wired to the default collaborators.
type node struct {
	daemon     *daemon.Daemon
	system     *storage.SystemKeyspace
	schema     *storage.Schema
	engine     *storage.Engine
	membership *cluster.StorageService
	caches     *cache.Service
	processor  *query.Processor
	gc         *metrics.GCObserver
	logger     *zap.Logger
}

// newNode builds every collaborator without touching the network.
func newNode(cfg *config.DaemonConfig, logger *zap.Logger, reg prometheus.Registerer, terminate func(code int)) (*node, error) {
	clk := clock.New()

	// Open the system keyspace
	sys, err := storage.OpenSystemKeyspace(storage.SystemKeyspaceOptions{
		DataDir: cfg.DataDir,
		Local: storage.LocalMetadata{
			ClusterName:      cfg.ClusterName,
			ReleaseVersion:   config.ReleaseVersion,
			ListenAddress:    cfg.ListenAddress,
			BroadcastAddress: cfg.BroadcastAddress,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, &failure.StartupError{Code: failure.ExitWrongDiskState, Message: "Failed to open system keyspace", Cause: err}
	}
	n := &node{system: sys, logger: logger}
	fail := func(code int, msg string, err error) (*node, error) {
		sys.Close()
		return nil, &failure.StartupError{Code: code, Message: msg, Cause: err}
	}

	// Initialize storage
	n.schema = storage.NewSchema(sys, logger)
	n.engine = storage.NewEngine(cfg.DataDir, n.schema, logger)
	hints, err := storage.NewHintStore(cfg.HintsDir)
	if err != nil {
		return fail(failure.ExitWrongDiskState, "Failed to open hint store", err)
	}

	// Initialize membership
	n.membership = cluster.NewStorageService(cluster.ServiceConfig{
		NodeID:           cfg.NodeID,
		ClusterName:      cfg.ClusterName,
		ListenAddress:    cfg.ListenAddress,
		BroadcastAddress: cfg.BroadcastAddress,
		GossipPort:       cfg.GossipPort,
		Seeds:            cfg.Seeds,
		RingDelay:        cfg.RingDelay,
		NumTokens:        cfg.NumTokens,
	}, sys, clk, logger)
	n.engine.SetBoundaryProvider(n.membership.TokenMetadata().RingVersion)

	// Initialize caches, the commit log and prepared statements
	n.caches, err = cache.NewService(cache.Config{
		Dir:          cfg.SavedCachesDir,
		KeyCacheSize: cfg.KeyCacheSize,
		RowCacheSize: cfg.RowCacheSize,
	}, n.engine, logger)
	if err != nil {
		return fail(failure.ExitWrongConfig, "Invalid cache configuration", err)
	}
	commitLog := storage.NewCommitLog(cfg.CommitLogDir, n.engine, logger)
	commitLog.OnReplay(func(m storage.Mutation) {
		n.caches.Invalidate(cache.Key{Keyspace: m.Keyspace, Table: m.Table, Key: m.Key})
	})
	n.processor, err = query.NewProcessor(sys, n.engine, cfg.PreparedCacheSize, logger)
	if err != nil {
		return fail(failure.ExitWrongConfig, "Invalid prepared statement cache configuration", err)
	}
	n.gc = metrics.NewGCObserver(reg, clk, logger)
	if cfg.GCWarnThreshold > 0 {
		n.gc.SetWarnThreshold(cfg.GCWarnThreshold)
	}

	rpcConfig := transport.Config{
		Name:            "rpc-server",
		Address:         cfg.RPCAddress,
		Port:            cfg.RPCPort,
		MaxConcurrent:   int64(cfg.RPCListenBacklog),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	nativeConfig := rpcConfig
	nativeConfig.Name = "native-transport"
	nativeConfig.Port = cfg.NativeTransportPort
	nativeConfig.MaxConcurrent = 0

	n.daemon, err = daemon.New(daemon.Deps{
		Logger:   logger,
		Clock:    clk,
		Security: daemon.UmaskRestrictor{},
		StartupChecks: []daemon.StartupCheck{
			daemon.ConfigCheck(cfg.Validate),
			daemon.DataDirectoriesCheck(cfg.DataDir, cfg.CommitLogDir, cfg.HintsDir, cfg.SavedCachesDir),
			daemon.FreeDiskSpaceCheck(cfg.DataDir, cfg.MinFreeDiskBytes),
			daemon.OpenFilesLimitCheck(logger),
			daemon.SystemKeyspaceStateCheck(sys),
		},
		SystemKeyspace: sys,
		SchemaMigrator: storage.NewLegacySchemaMigrator(sys, logger),
		Schema:         n.schema,
		Keyspaces:      n.engine,
		Caches:         n.caches,
		GCObserver:     n.gc,
		CommitLog:      commitLog,
		TokenMetadata:  n.membership,
		LegacyMigrators: []daemon.Migrator{
			storage.NewLegacyHintsMigrator(sys, hints, logger),
			storage.NewBatchlogMigrator(sys, logger),
		},
		PreparedStatements: n.processor,
		Membership:         n.membership,
		Views:              n.engine,
		NewRPCServer: func() (daemon.RPCServer, error) {
			return transport.NewRPCServer(rpcConfig, n.engine, n.caches, logger), nil
		},
		NewNativeTransport: func() (daemon.NativeTransport, error) {
			native := transport.NewNativeTransport(nativeConfig, n.engine, n.caches, n.processor, logger)
			native.RegisterTables(storage.NewCatalog(n.schema, n.engine))
			return native, nil
		},
		Terminate: terminate,
	}, daemon.Options{
		StartNativeTransport: cfg.ShouldStartNativeTransport(),
		PIDFile:              cfg.PIDFile,
		DiskFailurePolicy:    cfg.DiskFailurePolicy,
		Version:              config.ReleaseVersion,
	})
	if err != nil {
		return fail(failure.ExitUnexpected, "Failed to create daemon", err)
	}
	return n, nil
}

// activator is the part of the daemon main drives during startup.
type activator interface {
	Activate(ctx context.Context, args []string) error
	Interrupt(sig os.Signal) *failure.ExitDirective
}

// activate runs the node's startup and interrupts it when a shutdown signal
// arrives first. It returns nil only once the node is serving.
func activate(ctx context.Context, a activator, args []string, signals <-chan os.Signal) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Activate(ctx, args)
	}()
	select {
	case err := <-done:
		return err
	case sig := <-signals:
		directive := a.Interrupt(sig)
		<-done
		return directive
	}
}

// shutdown stops client traffic, leaves the ring, saves the caches and
// releases the node's resources.
func (n *node) shutdown(ctx context.Context) error {
	var errs error
	if err := n.daemon.Stop(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop transports: %w", err))
	}
	if err := n.membership.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop gossip: %w", err))
	}
	if err := n.caches.SaveAll(); err != nil {
		n.logger.Warn("Failed to save caches", zap.Error(err))
	}
	n.gc.Close()
	if err := n.daemon.Destroy(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release resources: %w", err))
	}
	return errs
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	failure.Go("metrics-server", func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	})
	logger.Info("Serving metrics", zap.String("address", addr))
	return server
}
