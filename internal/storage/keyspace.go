package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

var (
	// ErrNotInitialized is returned when a keyspace is opened before the
	// keyspace layer has been marked initialized.
	ErrNotInitialized = errors.New("keyspace layer not initialized")
	// ErrUnknownKeyspace is returned for keyspaces absent from the schema.
	ErrUnknownKeyspace = errors.New("unknown keyspace")
	// ErrUnknownTable is returned for tables absent from an open keyspace.
	ErrUnknownTable = errors.New("unknown table")
)

// TableSource supplies the table and view definitions of a keyspace.
type TableSource interface {
	TablesAndViews(keyspace string) []TableDef
}

// Mutation is a single write applied to a table.
type Mutation struct {
	Keyspace    string `json:"keyspace"`
	Table       string `json:"table"`
	Key         string `json:"key"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Delete      bool   `json:"delete,omitempty"`
}

type keyspace struct {
	name   string
	tables map[string]*ColumnFamilyStore
	order  []string
}

// Engine owns the open keyspaces and their table stores.
type Engine struct {
	dataDir string
	tables  TableSource
	logger  *zap.Logger

	mu          sync.RWMutex
	initialized bool
	boundaries  BoundaryProvider
	keyspaces   map[string]*keyspace
}

// NewEngine creates an engine rooted at dataDir. Table stores live under
// <dataDir>/data/<keyspace>/<table>.
func NewEngine(dataDir string, tables TableSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dataDir:   dataDir,
		tables:    tables,
		logger:    logger.Named("keyspaces"),
		keyspaces: make(map[string]*keyspace),
	}
}

// SetBoundaryProvider sets the source of ring versions consulted by Reload.
func (e *Engine) SetBoundaryProvider(p BoundaryProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.boundaries = p
}

// TableDirectory returns the data directory of a table.
func (e *Engine) TableDirectory(def TableDef) string {
	return filepath.Join(e.dataDir, "data", def.Keyspace, def.Name)
}

// ScrubDataDirectories prepares a table's data directory: it creates it when
// missing and removes leftover temporary files from an interrupted write.
func (e *Engine) ScrubDataDirectories(def TableDef) error {
	dir := e.TableDirectory(def)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return failure.NewStartupError(failure.ExitWrongDiskState,
				"cannot create data directory %s for %s: %v", dir, def.QualifiedName(), err)
		}
		return nil
	case err != nil:
		return failure.NewStartupError(failure.ExitWrongDiskState,
			"cannot access data directory %s for %s: %v", dir, def.QualifiedName(), err)
	case !info.IsDir():
		return failure.NewStartupError(failure.ExitWrongDiskState,
			"data directory %s for %s is not a directory", dir, def.QualifiedName())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return failure.NewStartupError(failure.ExitWrongDiskState,
			"cannot list data directory %s for %s: %v", dir, def.QualifiedName(), err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return failure.NewStartupError(failure.ExitWrongDiskState,
				"cannot remove temporary file %s: %v", path, err)
		}
		e.logger.Info("Removed temporary file", zap.String("table", def.QualifiedName()), zap.String("path", path))
	}
	return nil
}

// SetInitialized allows keyspaces to be opened.
func (e *Engine) SetInitialized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
}

// Initialized reports whether SetInitialized has been called.
func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// Open opens a keyspace and returns every store in it, index stores
// included. Opening an already open keyspace returns the existing stores.
func (e *Engine) Open(name string) ([]ColumnFamily, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}

	ks, ok := e.keyspaces[name]
	if !ok {
		defs := e.tables.TablesAndViews(name)
		if len(defs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyspace, name)
		}
		ks = &keyspace{name: name, tables: make(map[string]*ColumnFamilyStore, len(defs))}
		for _, def := range defs {
			store, err := e.newStore(def)
			if err != nil {
				return nil, err
			}
			ks.add(store)
		}
		e.keyspaces[name] = ks
		e.logger.Debug("Opened keyspace", zap.String("keyspace", name), zap.Int("tables", len(defs)))
	}
	return ks.columnFamilies(), nil
}

// AddTable opens a store for a table created after startup.
func (e *Engine) AddTable(def TableDef) (*ColumnFamilyStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	ks, ok := e.keyspaces[def.Keyspace]
	if ok {
		if existing, ok := ks.tables[def.Name]; ok {
			return existing, nil
		}
	}
	store, err := e.newStore(def)
	if err != nil {
		return nil, err
	}
	if !ok {
		ks = &keyspace{name: def.Keyspace, tables: make(map[string]*ColumnFamilyStore)}
		e.keyspaces[def.Keyspace] = ks
	}
	ks.add(store)
	return store, nil
}

// newStore creates the table's data directory when missing and returns its
// store and index stores.
func (e *Engine) newStore(def TableDef) (*ColumnFamilyStore, error) {
	dir := e.TableDirectory(def)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &failure.FSError{Op: "mkdir", Path: dir, Err: err}
	}
	store := newColumnFamilyStore(def, def.QualifiedName(), dir, e.boundaryFunc)
	for _, idx := range def.Indexes {
		store.indexes = append(store.indexes,
			newColumnFamilyStore(def, def.QualifiedName()+"."+idx, dir, e.boundaryFunc))
	}
	return store, nil
}

func (e *Engine) boundaryFunc() uint64 {
	e.mu.RLock()
	p := e.boundaries
	e.mu.RUnlock()
	if p == nil {
		return 0
	}
	return p()
}

// ColumnFamilies returns every open store with its indexes, ordered by
// keyspace name then table definition order.
func (e *Engine) ColumnFamilies() []ColumnFamily {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.keyspaces))
	for name := range e.keyspaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ColumnFamily
	for _, name := range names {
		out = append(out, e.keyspaces[name].columnFamilies()...)
	}
	return out
}

// Table returns the store of an open table.
func (e *Engine) Table(keyspaceName, table string) (*ColumnFamilyStore, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ks, ok := e.keyspaces[keyspaceName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyspace, keyspaceName)
	}
	store, ok := ks.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownTable, keyspaceName, table)
	}
	return store, nil
}

// Apply writes a mutation into its table's memtable.
func (e *Engine) Apply(m Mutation) error {
	store, err := e.Table(m.Keyspace, m.Table)
	if err != nil {
		return err
	}
	if m.Delete {
		err := store.Memtable().Delete(m.Key)
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return store.Memtable().Put(m.Key, m.Data, m.ContentType)
}

// Read returns the current value of key in keyspace.table.
func (e *Engine) Read(keyspaceName, table, key string) ([]byte, string, error) {
	store, err := e.Table(keyspaceName, table)
	if err != nil {
		return nil, "", err
	}
	return store.Memtable().Get(key)
}

// BuildAllViews populates every open materialized view from its base table.
func (e *Engine) BuildAllViews() {
	for _, cf := range e.ColumnFamilies() {
		view, ok := cf.(*ColumnFamilyStore)
		if !ok || !view.def.IsView {
			continue
		}
		base, err := e.Table(view.def.Keyspace, view.def.BaseTable)
		if err != nil {
			e.logger.Warn("Skipping view without base table",
				zap.String("view", view.Name()), zap.Error(err))
			continue
		}
		built := 0
		for _, key := range base.Memtable().Keys() {
			data, contentType, err := base.Memtable().Get(key)
			if err != nil {
				continue
			}
			if err := view.Memtable().Put(key, data, contentType); err == nil {
				built++
			}
		}
		e.logger.Debug("Built materialized view", zap.String("view", view.Name()), zap.Int("rows", built))
	}
	e.logger.Debug("Completed submission of build tasks for any materialized views defined at startup")
}

func (k *keyspace) add(store *ColumnFamilyStore) {
	k.tables[store.def.Name] = store
	k.order = append(k.order, store.def.Name)
}

func (k *keyspace) columnFamilies() []ColumnFamily {
	var out []ColumnFamily
	for _, name := range k.order {
		out = append(out, k.tables[name].ConcatWithIndexes()...)
	}
	return out
}
