package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchema_SystemTablesAlwaysPresent(t *testing.T) {
	schema := NewSchema(openInMemorySystemKeyspace(t), zaptest.NewLogger(t))

	assert.Equal(t, []string{SystemKeyspaceName}, schema.Keyspaces())
	assert.Empty(t, schema.NonSystemKeyspaces())
	assert.Len(t, schema.TablesAndViews(SystemKeyspaceName), len(systemTables))
}

func TestSchema_AddTableAndReload(t *testing.T) {
	ctx := context.Background()
	sys := openInMemorySystemKeyspace(t)
	schema := NewSchema(sys, zaptest.NewLogger(t))

	view := TableDef{Keyspace: "shop", Name: "orders_by_customer", IsView: true, BaseTable: "orders"}
	orders := TableDef{Keyspace: "shop", Name: "orders", Indexes: []string{"status"}}
	require.NoError(t, schema.AddTable(ctx, view))
	require.NoError(t, schema.AddTable(ctx, orders))

	// Re-adding replaces the definition
	orders.Compaction = CompactionParams{Strategy: "leveled", Enabled: true}
	require.NoError(t, schema.AddTable(ctx, orders))

	defs := schema.TablesAndViews("shop")
	require.Len(t, defs, 2)
	assert.Equal(t, "orders", defs[0].Name, "base tables come before views")
	assert.True(t, defs[1].IsView)
	assert.Equal(t, []string{"shop"}, schema.NonSystemKeyspaces())

	reloaded := NewSchema(sys, zaptest.NewLogger(t))
	require.NoError(t, reloaded.LoadFromDisk(ctx))
	assert.Equal(t, []string{"shop", SystemKeyspaceName}, reloaded.Keyspaces())
	defs = reloaded.TablesAndViews("shop")
	require.Len(t, defs, 2)
	assert.Equal(t, CompactionParams{Strategy: "leveled", Enabled: true}, defs[0].Compaction)
}

func TestSchema_AddTableRequiresNames(t *testing.T) {
	schema := NewSchema(openInMemorySystemKeyspace(t), zaptest.NewLogger(t))

	assert.Error(t, schema.AddTable(context.Background(), TableDef{Keyspace: "shop"}))
	assert.Error(t, schema.AddTable(context.Background(), TableDef{Name: "orders"}))
}

func TestCatalog_CreateTable(t *testing.T) {
	ctx := context.Background()
	schema := NewSchema(openInMemorySystemKeyspace(t), zaptest.NewLogger(t))
	engine := NewEngine(t.TempDir(), schema, zaptest.NewLogger(t))
	catalog := NewCatalog(schema, engine)

	def := TableDef{Keyspace: "shop", Name: "customers"}
	assert.ErrorIs(t, catalog.CreateTable(ctx, def), ErrNotInitialized)

	engine.SetInitialized()
	require.NoError(t, catalog.CreateTable(ctx, def))
	require.NoError(t, engine.Apply(Mutation{Keyspace: "shop", Table: "customers", Key: "c-1", Data: []byte("ada")}))
	data, _, err := engine.Read("shop", "customers", "c-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ada"), data)

	assert.ErrorIs(t, catalog.CreateTable(ctx, TableDef{Keyspace: SystemKeyspaceName, Name: "x"}), ErrReservedKeyspace)
	assert.ErrorIs(t, catalog.CreateTable(ctx, TableDef{Keyspace: SystemDistributedKeyspaceName, Name: "x"}), ErrReservedKeyspace)
	assert.NotContains(t, schema.Keyspaces(), SystemDistributedKeyspaceName)
}
