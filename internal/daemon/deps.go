package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/cache"
	"github.com/arohanajit/hashmapd/internal/cluster"
	"github.com/arohanajit/hashmapd/internal/storage"
)

// SecurityRestrictor tightens process-wide security settings before any
// file is created.
type SecurityRestrictor interface {
	Restrict() error
}

// StartupCheck is one pre-flight check. A failing check returns a
// *failure.StartupError carrying the exit code.
type StartupCheck interface {
	Name() string
	Execute(ctx context.Context) error
}

// SystemKeyspace is the node's bookkeeping store.
type SystemKeyspace interface {
	SnapshotOnVersionChange(ctx context.Context) (bool, error)
	MigrateDataDirs(ctx context.Context) error
	PersistLocalMetadata(ctx context.Context) error
	FinishStartup(ctx context.Context) error
	Close() error
}

// Migrator rewrites data left in a legacy layout.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Schema is the table catalog.
type Schema interface {
	LoadFromDisk(ctx context.Context) error
	Keyspaces() []string
	NonSystemKeyspaces() []string
	TablesAndViews(keyspace string) []storage.TableDef
}

// Keyspaces opens and prepares table stores.
type Keyspaces interface {
	ScrubDataDirectories(def storage.TableDef) error
	SetInitialized()
	Open(keyspace string) ([]storage.ColumnFamily, error)
	ColumnFamilies() []storage.ColumnFamily
}

// CacheService lists the caches restored at startup.
type CacheService interface {
	Caches() []cache.Loadable
}

// GCObserver watches garbage collection once registered.
type GCObserver interface {
	Register() error
}

// CommitLog replays segments left by the previous run.
type CommitLog interface {
	RecoverSegmentsOnDisk(ctx context.Context) (int, error)
}

// TokenMetadata loads the ring from the bookkeeping store.
type TokenMetadata interface {
	PopulateTokenMetadata(ctx context.Context) error
}

// PreparedStatements re-prepares persisted statements.
type PreparedStatements interface {
	PreloadPreparedStatements(ctx context.Context) (int, error)
}

// Membership is the gossip and ring service.
type Membership interface {
	RegisterDaemon(d cluster.DaemonHandle)
	InitServer(ctx context.Context) error
	RingDelay() time.Duration
	BroadcastAddress() net.IP
	SetRPCReady(ready bool)
	WaitToSettle()
}

// ViewBuilder rebuilds materialized views.
type ViewBuilder interface {
	BuildAllViews()
}

// RPCServer is the legacy client server.
type RPCServer interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// NativeTransport is the primary client server.
type NativeTransport interface {
	Start() error
	Stop() error
	Destroy() error
	IsRunning() bool
}

// Deps are the collaborators the bootstrap sequence drives.
type Deps struct {
	Logger *zap.Logger
	Clock  clock.Clock

	Security           SecurityRestrictor
	StartupChecks      []StartupCheck
	SystemKeyspace     SystemKeyspace
	SchemaMigrator     Migrator
	Schema             Schema
	Keyspaces          Keyspaces
	Caches             CacheService
	GCObserver         GCObserver
	CommitLog          CommitLog
	TokenMetadata      TokenMetadata
	LegacyMigrators    []Migrator
	PreparedStatements PreparedStatements
	Membership         Membership
	Views              ViewBuilder

	NewRPCServer       func() (RPCServer, error)
	NewNativeTransport func() (NativeTransport, error)

	// Stdout and Stderr receive the operator-facing startup failure
	// messages. They default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Terminate ends the process. It defaults to os.Exit.
	Terminate func(code int)
}

// Validate checks that every required collaborator is set.
func (d Deps) Validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"Logger", d.Logger != nil},
		{"SystemKeyspace", d.SystemKeyspace != nil},
		{"Schema", d.Schema != nil},
		{"Keyspaces", d.Keyspaces != nil},
		{"CommitLog", d.CommitLog != nil},
		{"TokenMetadata", d.TokenMetadata != nil},
		{"Membership", d.Membership != nil},
		{"NewRPCServer", d.NewRPCServer != nil},
		{"NewNativeTransport", d.NewNativeTransport != nil},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("%w: %s", ErrMissingDependency, r.name)
		}
	}
	return nil
}
