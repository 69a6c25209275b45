package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arohanajit/hashmapd/internal/failure"
)

type staticTables map[string][]TableDef

func (s staticTables) TablesAndViews(keyspace string) []TableDef {
	return s[keyspace]
}

func ordersTables() staticTables {
	return staticTables{
		"orders": {
			{Keyspace: "orders", Name: "items", Indexes: []string{"by_sku"}, Compaction: CompactionParams{Enabled: true}},
			{Keyspace: "orders", Name: "items_by_owner", IsView: true, BaseTable: "items"},
		},
	}
}

func TestEngine_OpenBeforeInitialized(t *testing.T) {
	e := NewEngine(t.TempDir(), ordersTables(), zap.NewNop())

	_, err := e.Open("orders")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestEngine_OpenIncludesIndexes(t *testing.T) {
	e := NewEngine(t.TempDir(), ordersTables(), zap.NewNop())
	e.SetInitialized()

	cfs, err := e.Open("orders")
	require.NoError(t, err)

	names := make([]string, 0, len(cfs))
	for _, cf := range cfs {
		names = append(names, cf.Name())
	}
	assert.Equal(t, []string{"orders.items", "orders.items.by_sku", "orders.items_by_owner"}, names)

	again, err := e.Open("orders")
	require.NoError(t, err)
	assert.Same(t, cfs[0], again[0], "reopening returns the same stores")
	assert.Len(t, e.ColumnFamilies(), 3)

	_, err = e.Open("missing")
	assert.ErrorIs(t, err, ErrUnknownKeyspace)
}

func TestEngine_ScrubDataDirectories(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, ordersTables(), zap.NewNop())
	def := ordersTables()["orders"][0]

	require.NoError(t, e.ScrubDataDirectories(def))
	tableDir := filepath.Join(dir, "data", "orders", "items")
	assert.DirExists(t, tableDir)

	require.NoError(t, os.WriteFile(filepath.Join(tableDir, "segment-1.tmp"), []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(tableDir, "segment-1.db"), []byte("x"), 0o640))
	require.NoError(t, e.ScrubDataDirectories(def))
	assert.NoFileExists(t, filepath.Join(tableDir, "segment-1.tmp"))
	assert.FileExists(t, filepath.Join(tableDir, "segment-1.db"))
}

func TestEngine_ScrubRejectsFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, ordersTables(), zap.NewNop())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data", "orders"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "orders", "items"), nil, 0o640))

	err := e.ScrubDataDirectories(ordersTables()["orders"][0])

	var startupErr *failure.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, failure.ExitWrongDiskState, startupErr.Code)
}

func TestEngine_CompactionAndReload(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, ordersTables(), zap.NewNop())
	var version uint64 = 7
	e.SetBoundaryProvider(func() uint64 { return version })
	e.SetInitialized()

	for _, def := range ordersTables()["orders"] {
		require.NoError(t, e.ScrubDataDirectories(def))
	}
	cfs, err := e.Open("orders")
	require.NoError(t, err)

	for _, cf := range cfs {
		cf.DisableAutoCompaction()
		assert.False(t, cf.AutoCompactionEnabled())
		require.NoError(t, cf.Reload())
	}
	items, err := e.Table("orders", "items")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), items.RingVersion())
	assert.True(t, items.CompactionShouldBeEnabled())

	view, err := e.Table("orders", "items_by_owner")
	require.NoError(t, err)
	assert.False(t, view.CompactionShouldBeEnabled())
}

func TestEngine_OpenCreatesTableDirectories(t *testing.T) {
	dir := t.TempDir()
	schema := NewSchema(openInMemorySystemKeyspace(t), zap.NewNop())
	e := NewEngine(dir, schema, zap.NewNop())
	e.SetInitialized()

	// Nothing scrubs the system keyspace before it is opened
	cfs, err := e.Open(SystemKeyspaceName)
	require.NoError(t, err)
	require.Len(t, cfs, len(systemTables))
	for _, def := range schema.TablesAndViews(SystemKeyspaceName) {
		assert.DirExists(t, filepath.Join(dir, "data", SystemKeyspaceName, def.Name))
	}
	for _, cf := range cfs {
		assert.NoError(t, cf.Reload(), cf.Name())
	}
}

func TestColumnFamilyStore_ReloadMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, ordersTables(), zap.NewNop())
	e.SetInitialized()
	_, err := e.Open("orders")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "data", "orders", "items")))

	items, err := e.Table("orders", "items")
	require.NoError(t, err)
	err = items.Reload()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload orders.items: ")
}

func TestEngine_OpenFailsWhenDirectoryCannotBeCreated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), nil, 0o640))
	e := NewEngine(dir, ordersTables(), zap.NewNop())
	e.SetInitialized()

	_, err := e.Open("orders")

	var fsErr *failure.FSError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, "mkdir", fsErr.Op)
}

func TestEngine_ApplyAndBuildViews(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewEngine(t.TempDir(), ordersTables(), zap.New(core))
	e.SetInitialized()
	_, err := e.Open("orders")
	require.NoError(t, err)

	require.NoError(t, e.Apply(Mutation{Keyspace: "orders", Table: "items", Key: "k1", Data: []byte("v1")}))
	require.NoError(t, e.Apply(Mutation{Keyspace: "orders", Table: "items", Key: "k2", Data: []byte("v2")}))
	require.NoError(t, e.Apply(Mutation{Keyspace: "orders", Table: "items", Key: "k2", Delete: true}))
	require.NoError(t, e.Apply(Mutation{Keyspace: "orders", Table: "items", Key: "gone", Delete: true}))
	assert.ErrorIs(t, e.Apply(Mutation{Keyspace: "orders", Table: "nope", Key: "k"}), ErrUnknownTable)

	e.BuildAllViews()

	view, err := e.Table("orders", "items_by_owner")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, view.Memtable().Keys())
	assert.Equal(t, 1, logs.FilterMessage("Completed submission of build tasks for any materialized views defined at startup").Len())
}
