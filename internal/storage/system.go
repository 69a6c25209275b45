package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

const (
	keyHostID           = "local/host_id"
	keyClusterName      = "local/cluster_name"
	keyReleaseVersion   = "local/release_version"
	keyListenAddress    = "local/listen_address"
	keyBroadcastAddress = "local/broadcast_address"
	keyBootstrapState   = "local/bootstrapped"
	keyStartedAt        = "local/started_at"

	prefixPrepared = "prepared/"
)

// Bootstrap states persisted in the system keyspace.
const (
	BootstrapNeeded    = "NEEDS_BOOTSTRAP"
	BootstrapCompleted = "COMPLETED"
)

// Directory names under the data root that are not keyspaces.
var reservedDataDirs = map[string]bool{
	"data":         true,
	"system":       true,
	"snapshots":    true,
	"commitlog":    true,
	"hints":        true,
	"saved_caches": true,
}

// LocalMetadata is the node identity written before any other durable write.
type LocalMetadata struct {
	ClusterName      string
	ReleaseVersion   string
	ListenAddress    string
	BroadcastAddress string
}

// SystemKeyspaceOptions configures OpenSystemKeyspace.
type SystemKeyspaceOptions struct {
	DataDir  string
	InMemory bool
	Local    LocalMetadata
	Logger   *zap.Logger
}

// SystemKeyspace is the node's own bookkeeping store backed by badger.
type SystemKeyspace struct {
	db      *badger.DB
	dataDir string
	local   LocalMetadata
	logger  *zap.Logger
	hostID  string
}

// OpenSystemKeyspace opens (or creates) the bookkeeping store.
func OpenSystemKeyspace(opts SystemKeyspaceOptions) (*SystemKeyspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("system-keyspace")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := filepath.Join(opts.DataDir, SystemKeyspaceName)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &failure.FSError{Op: "mkdir", Path: dir, Err: err}
		}
		bopts = badger.DefaultOptions(dir)
	}
	bopts = bopts.WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open system keyspace: %w", err)
	}
	return &SystemKeyspace{
		db:      db,
		dataDir: opts.DataDir,
		local:   opts.Local,
		logger:  logger,
	}, nil
}

// Close releases the badger handle.
func (s *SystemKeyspace) Close() error {
	return s.db.Close()
}

// SnapshotOnVersionChange takes a backup of the bookkeeping store when the
// persisted release version differs from the running one. It reports whether
// a snapshot was taken, which means the data directories need migrating.
func (s *SystemKeyspace) SnapshotOnVersionChange(ctx context.Context) (bool, error) {
	previous, err := s.get(keyReleaseVersion)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current := s.local.ReleaseVersion
	if string(previous) == current {
		return false, nil
	}

	dir := filepath.Join(s.dataDir, "snapshots", fmt.Sprintf("upgrade-%s-%s-%d", previous, current, time.Now().Unix()))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, &failure.FSError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, "system.bak")
	f, err := os.Create(path)
	if err != nil {
		return false, &failure.FSError{Op: "create", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := s.db.Backup(f, 0); err != nil {
		return false, &failure.FSError{Op: "backup", Path: path, Err: err}
	}

	s.logger.Info("Detected version upgrade, snapshot taken",
		zap.String("from", string(previous)),
		zap.String("to", current),
		zap.String("snapshot", path))
	return true, nil
}

// MigrateDataDirs moves keyspace directories from the legacy flat layout
// (<data>/<keyspace>) into <data>/data/<keyspace>.
func (s *SystemKeyspace) MigrateDataDirs(ctx context.Context) error {
	if s.dataDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return &failure.FSError{Op: "readdir", Path: s.dataDir, Err: err}
	}
	target := filepath.Join(s.dataDir, "data")
	for _, entry := range entries {
		if !entry.IsDir() || reservedDataDirs[entry.Name()] || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := os.MkdirAll(target, 0o750); err != nil {
			return &failure.FSError{Op: "mkdir", Path: target, Err: err}
		}
		from := filepath.Join(s.dataDir, entry.Name())
		to := filepath.Join(target, entry.Name())
		if _, err := os.Stat(to); err == nil {
			return &failure.FSError{Op: "migrate", Path: to, Err: os.ErrExist}
		}
		if err := os.Rename(from, to); err != nil {
			return &failure.FSError{Op: "rename", Path: from, Err: err}
		}
		s.logger.Info("Migrated legacy data directory", zap.String("from", from), zap.String("to", to))
	}
	return nil
}

// PersistLocalMetadata records the node identity. It generates a host ID on
// first start and keeps it afterwards.
func (s *SystemKeyspace) PersistLocalMetadata(ctx context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		hostID, err := getTxn(txn, keyHostID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			hostID = []byte(uuid.NewString())
			if err := txn.Set([]byte(keyHostID), hostID); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		s.hostID = string(hostID)

		if _, err := getTxn(txn, keyBootstrapState); errors.Is(err, badger.ErrKeyNotFound) {
			if err := txn.Set([]byte(keyBootstrapState), []byte(BootstrapNeeded)); err != nil {
				return err
			}
		}

		fields := map[string]string{
			keyClusterName:      s.local.ClusterName,
			keyReleaseVersion:   s.local.ReleaseVersion,
			keyListenAddress:    s.local.ListenAddress,
			keyBroadcastAddress: s.local.BroadcastAddress,
		}
		for k, v := range fields {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckHealth verifies the persisted identity matches the configured one. A
// node must never join a cluster other than the one its data belongs to.
func (s *SystemKeyspace) CheckHealth(ctx context.Context) error {
	saved, err := s.get(keyClusterName)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(saved) != s.local.ClusterName {
		return failure.NewConfigurationError("Saved cluster name %s != configured name %s", saved, s.local.ClusterName)
	}
	return nil
}

// HostID returns the persisted host ID, or "" before PersistLocalMetadata.
func (s *SystemKeyspace) HostID() string {
	return s.hostID
}

// FinishStartup marks the node fully started.
func (s *SystemKeyspace) FinishStartup(ctx context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyBootstrapState), []byte(BootstrapCompleted)); err != nil {
			return err
		}
		return txn.Set([]byte(keyStartedAt), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// BootstrapState returns the persisted bootstrap state.
func (s *SystemKeyspace) BootstrapState() (string, error) {
	v, err := s.get(keyBootstrapState)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return BootstrapNeeded, nil
	}
	return string(v), err
}

// SavePreparedStatement persists a prepared statement so it can be
// re-prepared after a restart.
func (s *SystemKeyspace) SavePreparedStatement(id, query string) error {
	return s.put(prefixPrepared+id, []byte(query))
}

// RemovePreparedStatement deletes a persisted prepared statement.
func (s *SystemKeyspace) RemovePreparedStatement(id string) error {
	return s.delete(prefixPrepared + id)
}

// PreparedStatements returns every persisted statement by ID.
func (s *SystemKeyspace) PreparedStatements(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.scan(prefixPrepared, func(key string, value []byte) error {
		out[strings.TrimPrefix(key, prefixPrepared)] = string(value)
		return nil
	})
	return out, err
}

func (s *SystemKeyspace) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getTxn(txn, key)
		out = v
		return err
	})
	return out, err
}

func (s *SystemKeyspace) put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *SystemKeyspace) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan visits every key under prefix in key order.
func (s *SystemKeyspace) scan(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// move rewrites every row under fromPrefix through convert and deletes the
// original, in a single transaction. convert returns the new key and value.
func (s *SystemKeyspace) move(fromPrefix string, convert func(key string, value []byte) (string, []byte, error)) (int, error) {
	moved := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		type row struct {
			key   string
			value []byte
		}
		var rows []row
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		p := []byte(fromPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			rows = append(rows, row{key: string(it.Item().KeyCopy(nil)), value: value})
		}
		it.Close()

		for _, r := range rows {
			newKey, newValue, err := convert(r.key, r.value)
			if err != nil {
				return err
			}
			if newKey != "" {
				if err := txn.Set([]byte(newKey), newValue); err != nil {
					return err
				}
			}
			if err := txn.Delete([]byte(r.key)); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func getTxn(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

const prefixTokens = "tokens/"

// SaveTokens records the ring positions owned by a node.
func (s *SystemKeyspace) SaveTokens(ctx context.Context, nodeID string, tokens []uint64) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.put(prefixTokens+nodeID, data)
}

// SavedTokens returns every node's persisted ring positions.
func (s *SystemKeyspace) SavedTokens(ctx context.Context) (map[string][]uint64, error) {
	out := make(map[string][]uint64)
	err := s.scan(prefixTokens, func(key string, value []byte) error {
		var tokens []uint64
		if err := json.Unmarshal(value, &tokens); err != nil {
			return fmt.Errorf("decode tokens %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, prefixTokens)] = tokens
		return nil
	})
	return out, err
}
