package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/storage"
)

func TestInit_FreshDataDirectoryWithStorageEngine(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	sys, err := storage.OpenSystemKeyspace(storage.SystemKeyspaceOptions{
		InMemory: true,
		DataDir:  dataDir,
		Local:    storage.LocalMetadata{ClusterName: "test-cluster", ReleaseVersion: "2.0.0"},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })

	schema := storage.NewSchema(sys, zap.NewNop())
	require.NoError(t, schema.AddTable(ctx, storage.TableDef{Keyspace: "app", Name: "orders", Indexes: []string{"by_customer"}}))
	engine := storage.NewEngine(dataDir, schema, zap.NewNop())

	n := newTestNode()
	n.storageSchema = schema
	n.storageKeyspaces = engine
	d := n.build(t)

	require.NoError(t, d.Init(ctx, nil))

	assert.Equal(t, StateRunning, d.State())
	assert.Empty(t, n.term.Codes())
	for _, o := range d.Outcomes() {
		assert.True(t, o.Success, "stage %s", o.StageName)
	}
	assert.DirExists(t, filepath.Join(dataDir, "data", storage.SystemKeyspaceName, "local"))
	assert.DirExists(t, filepath.Join(dataDir, "data", "app", "orders"))
	for _, cf := range engine.ColumnFamilies() {
		assert.Equal(t, cf.CompactionShouldBeEnabled(), cf.AutoCompactionEnabled(), cf.Name())
	}
}
