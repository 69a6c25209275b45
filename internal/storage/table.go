package storage

import (
	"fmt"
	"os"
	"sync"
)

// SystemKeyspaceName is the node's own bookkeeping keyspace.
const SystemKeyspaceName = "system"

// SystemDistributedKeyspaceName is reserved for cluster-wide bookkeeping.
// Clients cannot create tables in it.
const SystemDistributedKeyspaceName = "system_distributed"

// CompactionParams controls background compaction of a table.
type CompactionParams struct {
	Strategy string `json:"strategy"`
	Enabled  bool   `json:"enabled"`
}

// TableDef describes a table or materialized view.
type TableDef struct {
	Keyspace   string           `json:"keyspace"`
	Name       string           `json:"name"`
	IsView     bool             `json:"is_view,omitempty"`
	BaseTable  string           `json:"base_table,omitempty"`
	Indexes    []string         `json:"indexes,omitempty"`
	Compaction CompactionParams `json:"compaction"`
}

// QualifiedName returns keyspace.table.
func (d TableDef) QualifiedName() string {
	return d.Keyspace + "." + d.Name
}

// ColumnFamily is a table or secondary index store with compaction controls.
type ColumnFamily interface {
	Name() string
	DisableAutoCompaction()
	EnableAutoCompaction()
	AutoCompactionEnabled() bool
	CompactionShouldBeEnabled() bool
	Reload() error
}

// BoundaryProvider returns the current ring version used to compute disk
// boundaries. It changes whenever token metadata changes.
type BoundaryProvider func() uint64

// ColumnFamilyStore is the store for one table or one of its indexes.
type ColumnFamilyStore struct {
	def        TableDef
	name       string
	dir        string
	memtable   *Memtable
	boundaries BoundaryProvider

	mu             sync.RWMutex
	autoCompaction bool
	ringVersion    uint64
	indexes        []*ColumnFamilyStore
}

func newColumnFamilyStore(def TableDef, name, dir string, boundaries BoundaryProvider) *ColumnFamilyStore {
	return &ColumnFamilyStore{
		def:            def,
		name:           name,
		dir:            dir,
		memtable:       NewMemtable(),
		boundaries:     boundaries,
		autoCompaction: def.Compaction.Enabled,
	}
}

// Name returns keyspace.table, or keyspace.table.index for index stores.
func (s *ColumnFamilyStore) Name() string { return s.name }

// Def returns the table definition the store was opened with.
func (s *ColumnFamilyStore) Def() TableDef { return s.def }

// Memtable returns the in-memory write buffer.
func (s *ColumnFamilyStore) Memtable() *Memtable { return s.memtable }

// DisableAutoCompaction stops background compaction for this store.
func (s *ColumnFamilyStore) DisableAutoCompaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCompaction = false
}

// EnableAutoCompaction resumes background compaction for this store.
func (s *ColumnFamilyStore) EnableAutoCompaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCompaction = true
}

// AutoCompactionEnabled reports the current compaction state.
func (s *ColumnFamilyStore) AutoCompactionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoCompaction
}

// CompactionShouldBeEnabled reports whether the table's compaction params
// ask for background compaction.
func (s *ColumnFamilyStore) CompactionShouldBeEnabled() bool {
	return s.def.Compaction.Enabled
}

// Reload refreshes the store's view of its data directory and disk
// boundaries.
func (s *ColumnFamilyStore) Reload() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("reload %s: %w", s.name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("reload %s: %s is not a directory", s.name, s.dir)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundaries != nil {
		s.ringVersion = s.boundaries()
	}
	return nil
}

// RingVersion returns the ring version seen by the last Reload.
func (s *ColumnFamilyStore) RingVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ringVersion
}

// ConcatWithIndexes returns the store followed by its index stores.
func (s *ColumnFamilyStore) ConcatWithIndexes() []ColumnFamily {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ColumnFamily, 0, len(s.indexes)+1)
	out = append(out, s)
	for _, idx := range s.indexes {
		out = append(out, idx)
	}
	return out
}
