package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrReservedKeyspace is returned when a client tries to change a system
// keyspace.
var ErrReservedKeyspace = errors.New("reserved keyspace")

const (
	prefixSchema       = "schema/tables/"
	prefixLegacySchema = "schema_legacy/"
)

// systemTables are always present, whatever is on disk.
var systemTables = []TableDef{
	{Keyspace: SystemKeyspaceName, Name: "local", Compaction: CompactionParams{Strategy: "size_tiered", Enabled: true}},
	{Keyspace: SystemKeyspaceName, Name: "peers", Compaction: CompactionParams{Strategy: "size_tiered", Enabled: true}},
	{Keyspace: SystemKeyspaceName, Name: "prepared_statements", Compaction: CompactionParams{Strategy: "size_tiered", Enabled: true}},
	{Keyspace: SystemKeyspaceName, Name: "batches", Compaction: CompactionParams{Strategy: "size_tiered", Enabled: true}},
}

// Schema is the catalog of keyspaces, tables and views.
type Schema struct {
	sys    *SystemKeyspace
	logger *zap.Logger

	mu        sync.RWMutex
	keyspaces map[string][]TableDef
}

// NewSchema creates a catalog persisted in the system keyspace.
func NewSchema(sys *SystemKeyspace, logger *zap.Logger) *Schema {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Schema{
		sys:       sys,
		logger:    logger.Named("schema"),
		keyspaces: make(map[string][]TableDef),
	}
	s.keyspaces[SystemKeyspaceName] = append([]TableDef(nil), systemTables...)
	return s
}

// LoadFromDisk reads every persisted table definition into the catalog.
func (s *Schema) LoadFromDisk(ctx context.Context) error {
	loaded := make(map[string][]TableDef)
	loaded[SystemKeyspaceName] = append([]TableDef(nil), systemTables...)

	err := s.sys.scan(prefixSchema, func(key string, value []byte) error {
		var def TableDef
		if err := json.Unmarshal(value, &def); err != nil {
			return fmt.Errorf("decode table definition %s: %w", key, err)
		}
		if def.Keyspace == SystemKeyspaceName {
			return nil
		}
		loaded[def.Keyspace] = append(loaded[def.Keyspace], def)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.keyspaces = loaded
	s.mu.Unlock()
	s.logger.Info("Loaded schema", zap.Int("keyspaces", len(loaded)))
	return nil
}

// AddTable persists a table definition and adds it to the catalog.
func (s *Schema) AddTable(ctx context.Context, def TableDef) error {
	if def.Keyspace == "" || def.Name == "" {
		return fmt.Errorf("table definition needs a keyspace and a name")
	}
	value, err := json.Marshal(def)
	if err != nil {
		return err
	}
	if err := s.sys.put(schemaKey(def.Keyspace, def.Name), value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defs := s.keyspaces[def.Keyspace]
	for i, existing := range defs {
		if existing.Name == def.Name {
			defs[i] = def
			return nil
		}
	}
	s.keyspaces[def.Keyspace] = append(defs, def)
	return nil
}

// Keyspaces returns every keyspace name in sorted order.
func (s *Schema) Keyspaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.keyspaces))
	for name := range s.keyspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NonSystemKeyspaces returns every keyspace except the local system keyspace.
func (s *Schema) NonSystemKeyspaces() []string {
	var out []string
	for _, name := range s.Keyspaces() {
		if name != SystemKeyspaceName {
			out = append(out, name)
		}
	}
	return out
}

// TablesAndViews returns the definitions of a keyspace, base tables before
// the views that depend on them.
func (s *Schema) TablesAndViews(keyspace string) []TableDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := append([]TableDef(nil), s.keyspaces[keyspace]...)
	sort.SliceStable(defs, func(i, j int) bool {
		return !defs[i].IsView && defs[j].IsView
	})
	return defs
}

// Catalog applies schema changes made while the node is serving.
type Catalog struct {
	schema *Schema
	engine *Engine
}

// NewCatalog pairs the schema with the engine whose stores it opens.
func NewCatalog(schema *Schema, engine *Engine) *Catalog {
	return &Catalog{schema: schema, engine: engine}
}

// CreateTable persists def and opens its store. System keyspaces are
// rejected.
func (c *Catalog) CreateTable(ctx context.Context, def TableDef) error {
	if def.Keyspace == SystemKeyspaceName || def.Keyspace == SystemDistributedKeyspaceName {
		return fmt.Errorf("%w: %s is reserved", ErrReservedKeyspace, def.Keyspace)
	}
	if !c.engine.Initialized() {
		return ErrNotInitialized
	}
	if err := c.schema.AddTable(ctx, def); err != nil {
		return err
	}
	if _, err := c.engine.AddTable(def); err != nil {
		return fmt.Errorf("open %s: %w", def.QualifiedName(), err)
	}
	c.schema.logger.Info("Created table", zap.String("table", def.QualifiedName()))
	return nil
}

func schemaKey(keyspace, table string) string {
	return prefixSchema + keyspace + "/" + table
}

// legacyTableRow is the table definition layout used before the schema
// rows moved under schema/tables.
type legacyTableRow struct {
	KeyspaceName     string `json:"keyspace_name"`
	ColumnFamilyName string `json:"columnfamily_name"`
	Type             string `json:"type"`
	BaseTable        string `json:"base_table,omitempty"`
	Indexes          string `json:"index_names,omitempty"`
	CompactionClass  string `json:"compaction_strategy_class,omitempty"`
	AutoCompaction   *bool  `json:"auto_compaction,omitempty"`
}

// LegacySchemaMigrator rewrites legacy schema rows into the current layout.
type LegacySchemaMigrator struct {
	sys    *SystemKeyspace
	logger *zap.Logger
}

// NewLegacySchemaMigrator creates a migrator over the system keyspace.
func NewLegacySchemaMigrator(sys *SystemKeyspace, logger *zap.Logger) *LegacySchemaMigrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegacySchemaMigrator{sys: sys, logger: logger.Named("legacy-schema")}
}

// Migrate converts every legacy row and removes the originals. Running it
// again after a successful migration does nothing.
func (m *LegacySchemaMigrator) Migrate(ctx context.Context) error {
	moved, err := m.sys.move(prefixLegacySchema, func(key string, value []byte) (string, []byte, error) {
		var row legacyTableRow
		if err := json.Unmarshal(value, &row); err != nil {
			return "", nil, fmt.Errorf("decode legacy schema row %s: %w", key, err)
		}
		def := row.toTableDef()
		if def.Keyspace == "" || def.Name == "" {
			return "", nil, fmt.Errorf("legacy schema row %s has no keyspace or table name", key)
		}
		out, err := json.Marshal(def)
		if err != nil {
			return "", nil, err
		}
		return schemaKey(def.Keyspace, def.Name), out, nil
	})
	if err != nil {
		return err
	}
	if moved > 0 {
		m.logger.Info("Migrated legacy schema", zap.Int("tables", moved))
	}
	return nil
}

func (r legacyTableRow) toTableDef() TableDef {
	def := TableDef{
		Keyspace:   r.KeyspaceName,
		Name:       r.ColumnFamilyName,
		IsView:     strings.EqualFold(r.Type, "view"),
		BaseTable:  r.BaseTable,
		Compaction: CompactionParams{Strategy: "size_tiered", Enabled: true},
	}
	if r.CompactionClass != "" {
		def.Compaction.Strategy = r.CompactionClass
	}
	if r.AutoCompaction != nil {
		def.Compaction.Enabled = *r.AutoCompaction
	}
	for _, idx := range strings.Split(r.Indexes, ",") {
		if idx = strings.TrimSpace(idx); idx != "" {
			def.Indexes = append(def.Indexes, idx)
		}
	}
	return def
}
