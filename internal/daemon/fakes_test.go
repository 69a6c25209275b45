package daemon

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arohanajit/hashmapd/internal/cache"
	"github.com/arohanajit/hashmapd/internal/cluster"
	"github.com/arohanajit/hashmapd/internal/storage"
)

// callLog records collaborator calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) Count(name string) int {
	n := 0
	for _, c := range l.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) Index(name string) int {
	for i, c := range l.Calls() {
		if c == name {
			return i
		}
	}
	return -1
}

type fakeSecurity struct {
	log *callLog
	err error
}

func (f *fakeSecurity) Restrict() error {
	f.log.record("security.restrict")
	return f.err
}

type fakeSystemKeyspace struct {
	log         *callLog
	snapshot    bool
	snapshotErr error
	migrateErr  error
	persistErr  error
	finishErr   error
	closeCalls  atomic.Int32
}

func (f *fakeSystemKeyspace) SnapshotOnVersionChange(ctx context.Context) (bool, error) {
	f.log.record("system.snapshot")
	return f.snapshot, f.snapshotErr
}

func (f *fakeSystemKeyspace) MigrateDataDirs(ctx context.Context) error {
	f.log.record("system.migrate-data-dirs")
	return f.migrateErr
}

func (f *fakeSystemKeyspace) PersistLocalMetadata(ctx context.Context) error {
	f.log.record("system.persist")
	return f.persistErr
}

func (f *fakeSystemKeyspace) FinishStartup(ctx context.Context) error {
	f.log.record("system.finish-startup")
	return f.finishErr
}

func (f *fakeSystemKeyspace) Close() error {
	f.closeCalls.Add(1)
	return nil
}

type fakeMigrator struct {
	log  *callLog
	name string
	err  error
}

func (f *fakeMigrator) Migrate(ctx context.Context) error {
	f.log.record(f.name)
	return f.err
}

type fakeSchema struct {
	log     *callLog
	tables  map[string][]storage.TableDef
	loadErr error
	panics  bool
}

func (f *fakeSchema) LoadFromDisk(ctx context.Context) error {
	f.log.record("schema.load")
	if f.panics {
		panic("schema row decoder bug")
	}
	return f.loadErr
}

func (f *fakeSchema) Keyspaces() []string {
	return []string{storage.SystemKeyspaceName, "app"}
}

func (f *fakeSchema) NonSystemKeyspaces() []string {
	return []string{"app"}
}

func (f *fakeSchema) TablesAndViews(keyspace string) []storage.TableDef {
	return f.tables[keyspace]
}

type fakeColumnFamily struct {
	name          string
	shouldEnable  bool
	reloadErr     error
	autoCompacted atomic.Bool
	disabled      atomic.Int32
	reloads       atomic.Int32
}

func (f *fakeColumnFamily) Name() string { return f.name }
func (f *fakeColumnFamily) DisableAutoCompaction() { f.disabled.Add(1); f.autoCompacted.Store(false) }
func (f *fakeColumnFamily) EnableAutoCompaction() { f.autoCompacted.Store(true) }
func (f *fakeColumnFamily) AutoCompactionEnabled() bool { return f.autoCompacted.Load() }
func (f *fakeColumnFamily) CompactionShouldBeEnabled() bool { return f.shouldEnable }
func (f *fakeColumnFamily) Reload() error { f.reloads.Add(1); return f.reloadErr }

type fakeKeyspaces struct {
	log      *callLog
	stores   map[string][]storage.ColumnFamily
	scrubErr error
	scrubbed []string
	opened   []string
}

func (f *fakeKeyspaces) ScrubDataDirectories(def storage.TableDef) error {
	f.log.record("keyspaces.scrub")
	f.scrubbed = append(f.scrubbed, def.QualifiedName())
	return f.scrubErr
}

func (f *fakeKeyspaces) SetInitialized() {
	f.log.record("keyspaces.set-initialized")
}

func (f *fakeKeyspaces) Open(keyspace string) ([]storage.ColumnFamily, error) {
	f.log.record("keyspaces.open")
	f.opened = append(f.opened, keyspace)
	return f.stores[keyspace], nil
}

func (f *fakeKeyspaces) ColumnFamilies() []storage.ColumnFamily {
	var out []storage.ColumnFamily
	for _, ks := range f.opened {
		out = append(out, f.stores[ks]...)
	}
	return out
}

type fakeCache struct {
	name  string
	n     int
	err   error
	delay time.Duration
	done  atomic.Bool
}

func (f *fakeCache) Name() string { return f.name }

func (f *fakeCache) LoadSaved(ctx context.Context) (int, error) {
	time.Sleep(f.delay)
	f.done.Store(true)
	return f.n, f.err
}

type fakeCacheService struct {
	caches []*fakeCache
}

func (f *fakeCacheService) Caches() []cache.Loadable {
	out := make([]cache.Loadable, len(f.caches))
	for i, c := range f.caches {
		out[i] = c
	}
	return out
}

type fakeGCObserver struct {
	log *callLog
	err error
}

func (f *fakeGCObserver) Register() error {
	f.log.record("gc.register")
	return f.err
}

type fakeCommitLog struct {
	log *callLog
	n   int
	err error
}

func (f *fakeCommitLog) RecoverSegmentsOnDisk(ctx context.Context) (int, error) {
	f.log.record("commitlog.replay")
	return f.n, f.err
}

type fakeTokenMetadata struct {
	log *callLog
	err error
}

func (f *fakeTokenMetadata) PopulateTokenMetadata(ctx context.Context) error {
	f.log.record("tokens.populate")
	return f.err
}

type fakePrepared struct {
	log *callLog
	n   int
	err error
}

func (f *fakePrepared) PreloadPreparedStatements(ctx context.Context) (int, error) {
	f.log.record("prepared.preload")
	return f.n, f.err
}

type fakeMembership struct {
	log       *callLog
	initErr   error
	ringDelay time.Duration
	broadcast net.IP
	settle    chan struct{}
	waiting   chan struct{}

	daemon   cluster.DaemonHandle
	rpcReady atomic.Bool
	settles  atomic.Int32
}

func (f *fakeMembership) RegisterDaemon(d cluster.DaemonHandle) {
	f.log.record("membership.register")
	f.daemon = d
}

func (f *fakeMembership) InitServer(ctx context.Context) error {
	f.log.record("membership.init")
	return f.initErr
}

func (f *fakeMembership) RingDelay() time.Duration { return f.ringDelay }
func (f *fakeMembership) BroadcastAddress() net.IP { return f.broadcast }
func (f *fakeMembership) SetRPCReady(ready bool) { f.rpcReady.Store(ready) }

func (f *fakeMembership) WaitToSettle() {
	f.log.record("membership.settle")
	f.settles.Add(1)
	if f.waiting != nil {
		close(f.waiting)
	}
	if f.settle != nil {
		<-f.settle
	}
}

type fakeViews struct {
	built chan struct{}
	once  sync.Once
}

func (f *fakeViews) BuildAllViews() {
	f.once.Do(func() { close(f.built) })
}

type fakeTransport struct {
	startErr error
	running  atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
	destroys atomic.Int32
}

func (f *fakeTransport) Start() error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	f.running.Store(true)
	return nil
}

func (f *fakeTransport) Stop() error {
	f.stops.Add(1)
	f.running.Store(false)
	return nil
}

func (f *fakeTransport) Destroy() error {
	f.destroys.Add(1)
	f.running.Store(false)
	return nil
}

func (f *fakeTransport) IsRunning() bool { return f.running.Load() }

type terminator struct {
	mu    sync.Mutex
	codes []int
}

func (t *terminator) Terminate(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes = append(t.codes, code)
}

func (t *terminator) Codes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.codes...)
}

// testNode bundles a daemon with every fake it drives.
type testNode struct {
	log        *callLog
	logs       *observer.ObservedLogs
	clock      *clock.Mock
	security   *fakeSecurity
	system     *fakeSystemKeyspace
	schemaMig  *fakeMigrator
	schema     *fakeSchema
	keyspaces  *fakeKeyspaces
	caches     *fakeCacheService
	gc         *fakeGCObserver
	commitLog  *fakeCommitLog
	tokens     *fakeTokenMetadata
	hints      *fakeMigrator
	batches    *fakeMigrator
	prepared   *fakePrepared
	membership *fakeMembership
	views      *fakeViews
	rpc        *fakeTransport
	native     *fakeTransport
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	term       *terminator
	checks     []StartupCheck

	// storageSchema and storageKeyspaces replace the schema and keyspace
	// fakes when set.
	storageSchema    Schema
	storageKeyspaces Keyspaces

	constructErr error
	opts         Options
}

func newTestNode() *testNode {
	log := &callLog{}
	appTable := &fakeColumnFamily{name: "app.orders", shouldEnable: true}
	appIndex := &fakeColumnFamily{name: "app.orders.by_customer", shouldEnable: true}
	sysTable := &fakeColumnFamily{name: "system.local"}
	return &testNode{
		log:       log,
		clock:     clock.NewMock(),
		security:  &fakeSecurity{log: log},
		system:    &fakeSystemKeyspace{log: log},
		schemaMig: &fakeMigrator{log: log, name: "schema.migrate-legacy"},
		schema: &fakeSchema{log: log, tables: map[string][]storage.TableDef{
			"app": {{Keyspace: "app", Name: "orders", Indexes: []string{"by_customer"}}},
		}},
		keyspaces: &fakeKeyspaces{log: log, stores: map[string][]storage.ColumnFamily{
			storage.SystemKeyspaceName: {sysTable},
			"app":                      {appTable, appIndex},
		}},
		caches: &fakeCacheService{caches: []*fakeCache{
			{name: cache.KeyCacheName, n: 12},
			{name: cache.RowCacheName, n: 4},
		}},
		gc:        &fakeGCObserver{log: log},
		commitLog: &fakeCommitLog{log: log, n: 7},
		tokens:    &fakeTokenMetadata{log: log},
		hints:     &fakeMigrator{log: log, name: "hints.migrate-legacy"},
		batches:   &fakeMigrator{log: log, name: "batchlog.migrate-legacy"},
		prepared:  &fakePrepared{log: log, n: 2},
		membership: &fakeMembership{
			log:       log,
			ringDelay: 30 * time.Second,
			broadcast: net.IPv4(127, 0, 0, 1),
		},
		views:  &fakeViews{built: make(chan struct{})},
		rpc:    &fakeTransport{},
		native: &fakeTransport{},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		term:   &terminator{},
		opts:   Options{StartNativeTransport: true, DiskFailurePolicy: DiskPolicyStop, Version: "test"},
	}
}

// build creates the daemon and destroys it when the test ends so the
// process-wide error sink never leaks between tests.
func (n *testNode) build(t *testing.T) *Daemon {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	n.logs = logs
	var schema Schema = n.schema
	if n.storageSchema != nil {
		schema = n.storageSchema
	}
	var keyspaces Keyspaces = n.keyspaces
	if n.storageKeyspaces != nil {
		keyspaces = n.storageKeyspaces
	}
	d, err := New(Deps{
		Logger:             zap.New(core),
		Clock:              n.clock,
		Security:           n.security,
		StartupChecks:      n.checks,
		SystemKeyspace:     n.system,
		SchemaMigrator:     n.schemaMig,
		Schema:             schema,
		Keyspaces:          keyspaces,
		Caches:             n.caches,
		GCObserver:         n.gc,
		CommitLog:          n.commitLog,
		TokenMetadata:      n.tokens,
		LegacyMigrators:    []Migrator{n.hints, n.batches},
		PreparedStatements: n.prepared,
		Membership:         n.membership,
		Views:              n.views,
		NewRPCServer: func() (RPCServer, error) {
			return n.rpc, n.constructErr
		},
		NewNativeTransport: func() (NativeTransport, error) {
			return n.native, nil
		},
		Stdout:    n.stdout,
		Stderr:    n.stderr,
		Terminate: n.term.Terminate,
	}, n.opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Destroy()
	})
	return d
}
