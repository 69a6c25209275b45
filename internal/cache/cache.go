// Package cache holds the node's key and row caches and their on-disk
// snapshots, which are reloaded concurrently during startup.
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

const snapshotSuffix = ".db.zst"

var (
	// ErrInvalidKey is returned for keys not in keyspace.table/key form.
	ErrInvalidKey = errors.New("cache key must be keyspace.table/key")
	// ErrInvalidCapacity is returned when a cache is created with a non-positive size.
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
)

// Key addresses one partition of one table.
type Key struct {
	Keyspace string `json:"keyspace"`
	Table    string `json:"table"`
	Key      string `json:"key"`
}

// String renders the key as keyspace.table/key.
func (k Key) String() string {
	return k.Keyspace + "." + k.Table + "/" + k.Key
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	table, key, ok := strings.Cut(s, "/")
	if !ok || key == "" {
		return Key{}, ErrInvalidKey
	}
	ks, tbl, ok := strings.Cut(table, ".")
	if !ok || ks == "" || tbl == "" {
		return Key{}, ErrInvalidKey
	}
	return Key{Keyspace: ks, Table: tbl, Key: key}, nil
}

// Revalidator decides whether a saved entry is still worth restoring and may
// refresh its value. Returning false drops the entry.
type Revalidator[V any] func(k Key, saved V) (V, bool)

type entry[V any] struct {
	Key   Key `json:"k"`
	Value V   `json:"v"`
}

// SavedCache is a bounded LRU cache that can snapshot itself to disk and
// restore the snapshot on the next start.
type SavedCache[V any] struct {
	name        string
	dir         string
	lru         *lru.Cache[Key, V]
	revalidator Revalidator[V]
	logger      *zap.Logger

	saveMu sync.Mutex
}

// NewSavedCache creates a cache holding at most capacity entries whose
// snapshot lives in dir/<name>.db.zst.
func NewSavedCache[V any](name, dir string, capacity int, revalidate Revalidator[V], logger *zap.Logger) (*SavedCache[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidCapacity)
	}
	c, err := lru.New[Key, V](capacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SavedCache[V]{
		name:        name,
		dir:         dir,
		lru:         c,
		revalidator: revalidate,
		logger:      logger.Named(name),
	}, nil
}

// Name returns the cache name.
func (c *SavedCache[V]) Name() string { return c.name }

// Len returns the number of cached entries.
func (c *SavedCache[V]) Len() int { return c.lru.Len() }

// Put caches value under k.
func (c *SavedCache[V]) Put(k Key, value V) {
	c.lru.Add(k, value)
}

// Get returns the cached value for k.
func (c *SavedCache[V]) Get(k Key) (V, bool) {
	return c.lru.Get(k)
}

// Invalidate drops k.
func (c *SavedCache[V]) Invalidate(k Key) {
	c.lru.Remove(k)
}

// SnapshotPath is the file the cache saves to.
func (c *SavedCache[V]) SnapshotPath() string {
	return filepath.Join(c.dir, c.name+snapshotSuffix)
}

// Save writes the cache contents, least recently used first, to the
// snapshot file. The file is replaced atomically.
func (c *SavedCache[V]) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return &failure.FSError{Op: "mkdir", Path: c.dir, Err: err}
	}
	path := c.SnapshotPath()
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return &failure.FSError{Op: "create", Path: path, Err: err}
	}
	defer func() {
		if err := pf.Cleanup(); err != nil {
			c.logger.Debug("Failed to clean up pending snapshot", zap.String("path", path), zap.Error(err))
		}
	}()

	written, err := c.writeSnapshot(pf)
	if err != nil {
		return &failure.FSError{Op: "write", Path: path, Err: err}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return &failure.FSError{Op: "rename", Path: path, Err: err}
	}
	c.logger.Debug("Saved cache", zap.Int("entries", written), zap.String("path", path))
	return nil
}

func (c *SavedCache[V]) writeSnapshot(w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(zw)
	written := 0
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if err := enc.Encode(entry[V]{Key: k, Value: v}); err != nil {
			zw.Close()
			return written, err
		}
		written++
	}
	return written, zw.Close()
}

// LoadSaved restores the snapshot written by a previous Save and returns the
// number of entries restored. A missing snapshot restores nothing.
func (c *SavedCache[V]) LoadSaved(ctx context.Context) (int, error) {
	path := c.SnapshotPath()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("No saved cache found", zap.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, &failure.FSError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, &failure.CorruptDataError{Path: path, Err: err}
	}
	defer zr.Close()

	loaded := 0
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		var e entry[V]
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return loaded, &failure.CorruptDataError{Path: path, Err: err}
		}
		value := e.Value
		if c.revalidator != nil {
			var keep bool
			if value, keep = c.revalidator(e.Key, e.Value); !keep {
				continue
			}
		}
		c.lru.Add(e.Key, value)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, &failure.CorruptDataError{Path: path, Err: err}
	}
	c.logger.Info("Loaded saved cache", zap.Int("entries", loaded), zap.String("path", path))
	return loaded, nil
}
