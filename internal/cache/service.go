package cache

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	KeyCacheName = "KeyCache"
	RowCacheName = "RowCache"
)

// RowReader reads the current value of a row.
type RowReader interface {
	Read(keyspace, table, key string) ([]byte, string, error)
}

// KeyInfo is what the key cache remembers about a row.
type KeyInfo struct {
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Config sizes the caches.
type Config struct {
	Dir          string
	KeyCacheSize int
	RowCacheSize int
}

// Loadable is a cache that can restore a saved snapshot.
type Loadable interface {
	Name() string
	LoadSaved(ctx context.Context) (int, error)
}

// Service owns the key and row caches.
type Service struct {
	keys   *SavedCache[KeyInfo]
	rows   *SavedCache[[]byte]
	logger *zap.Logger
}

// NewService creates both caches. Saved entries are revalidated against rows
// so that only rows still present are restored, and row cache values are
// refreshed from the current data.
func NewService(cfg Config, rows RowReader, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")

	keyCache, err := NewSavedCache[KeyInfo](KeyCacheName, cfg.Dir, cfg.KeyCacheSize, func(k Key, saved KeyInfo) (KeyInfo, bool) {
		if rows == nil {
			return saved, true
		}
		data, contentType, err := rows.Read(k.Keyspace, k.Table, k.Key)
		if err != nil {
			return saved, false
		}
		return KeyInfo{ContentType: contentType, Size: len(data)}, true
	}, logger)
	if err != nil {
		return nil, err
	}

	rowCache, err := NewSavedCache[[]byte](RowCacheName, cfg.Dir, cfg.RowCacheSize, func(k Key, saved []byte) ([]byte, bool) {
		if rows == nil {
			return saved, true
		}
		data, _, err := rows.Read(k.Keyspace, k.Table, k.Key)
		if err != nil {
			return nil, false
		}
		return data, true
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Service{keys: keyCache, rows: rowCache, logger: logger}, nil
}

// KeyCache returns the key cache.
func (s *Service) KeyCache() *SavedCache[KeyInfo] { return s.keys }

// RowCache returns the row cache.
func (s *Service) RowCache() *SavedCache[[]byte] { return s.rows }

// Caches lists the caches restored at startup.
func (s *Service) Caches() []Loadable {
	return []Loadable{s.keys, s.rows}
}

// Record caches a freshly read or written row.
func (s *Service) Record(k Key, data []byte, contentType string) {
	s.keys.Put(k, KeyInfo{ContentType: contentType, Size: len(data)})
	s.rows.Put(k, data)
}

// Invalidate drops k from both caches.
func (s *Service) Invalidate(k Key) {
	s.keys.Invalidate(k)
	s.rows.Invalidate(k)
}

// SaveAll snapshots both caches.
func (s *Service) SaveAll() error {
	start := time.Now()
	err := multierr.Combine(s.keys.Save(), s.rows.Save())
	if err == nil {
		s.logger.Info("Saved caches",
			zap.Int("keys", s.keys.Len()),
			zap.Int("rows", s.rows.Len()),
			zap.Duration("took", time.Since(start)))
	}
	return err
}
