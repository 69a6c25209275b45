package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

const (
	defaultHintMaxAge = 24 * time.Hour

	prefixLegacyHints    = "legacy/hints/"
	prefixLegacyBatchlog = "legacy/batchlog/"
	prefixBatches        = "batches/"
)

// HintedWrite is a write kept for a replica that could not receive it.
type HintedWrite struct {
	Key         string    `json:"key"`
	Data        []byte    `json:"data"`
	ContentType string    `json:"content_type"`
	TargetNode  string    `json:"target_node"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
}

func (h *HintedWrite) fileName() string {
	return fmt.Sprintf("%d_%s_%s.hint", h.Timestamp.UnixNano(), h.TargetNode, h.Key)
}

// HintStore keeps hints as one JSON file per write in the hints directory.
type HintStore struct {
	mu       sync.Mutex
	hintsDir string
	maxAge   time.Duration
}

// NewHintStore creates the hints directory if needed.
func NewHintStore(hintsDir string) (*HintStore, error) {
	if err := os.MkdirAll(hintsDir, 0o750); err != nil {
		return nil, &failure.FSError{Op: "mkdir", Path: hintsDir, Err: err}
	}
	return &HintStore{hintsDir: hintsDir, maxAge: defaultHintMaxAge}, nil
}

// Dir returns the hints directory.
func (hs *HintStore) Dir() string { return hs.hintsDir }

// StoreHint writes a hint atomically.
func (hs *HintStore) StoreHint(hint *HintedWrite) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	filePath := filepath.Join(hs.hintsDir, hint.fileName())
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to marshal hint: %w", err)
	}

	tempFile := filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o640); err != nil {
		return &failure.FSError{Op: "write", Path: tempFile, Err: err}
	}
	if err := os.Rename(tempFile, filePath); err != nil {
		os.Remove(tempFile)
		return &failure.FSError{Op: "rename", Path: tempFile, Err: err}
	}
	return nil
}

// Hints returns every stored hint ordered by timestamp. Expired hints are
// removed instead of returned.
func (hs *HintStore) Hints() ([]*HintedWrite, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	files, err := os.ReadDir(hs.hintsDir)
	if err != nil {
		return nil, &failure.FSError{Op: "readdir", Path: hs.hintsDir, Err: err}
	}
	var out []*HintedWrite
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".hint" {
			continue
		}
		filePath := filepath.Join(hs.hintsDir, file.Name())
		hint, err := readHintFile(filePath)
		if err != nil {
			return nil, &failure.CorruptDataError{Path: filePath, Err: err}
		}
		if time.Since(hint.Timestamp) > hs.maxAge {
			os.Remove(filePath)
			continue
		}
		out = append(out, hint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func readHintFile(filePath string) (*HintedWrite, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var hint HintedWrite
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, err
	}
	return &hint, nil
}

// LegacyHintsMigrator moves hints kept as system keyspace rows by older
// releases into the hints directory.
type LegacyHintsMigrator struct {
	sys    *SystemKeyspace
	hints  *HintStore
	logger *zap.Logger
}

// NewLegacyHintsMigrator creates a migrator writing into hints.
func NewLegacyHintsMigrator(sys *SystemKeyspace, hints *HintStore, logger *zap.Logger) *LegacyHintsMigrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegacyHintsMigrator{sys: sys, hints: hints, logger: logger.Named("legacy-hints")}
}

// Migrate writes every legacy hint row as a hint file and deletes the row.
func (m *LegacyHintsMigrator) Migrate(ctx context.Context) error {
	var pending []*HintedWrite
	err := m.sys.scan(prefixLegacyHints, func(key string, value []byte) error {
		var hint HintedWrite
		if err := json.Unmarshal(value, &hint); err != nil {
			return fmt.Errorf("decode legacy hint %s: %w", key, err)
		}
		if hint.RequestID == "" {
			hint.RequestID = strings.TrimPrefix(key, prefixLegacyHints)
		}
		pending = append(pending, &hint)
		return nil
	})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for _, hint := range pending {
		if err := m.hints.StoreHint(hint); err != nil {
			return err
		}
	}
	if _, err := m.sys.move(prefixLegacyHints, func(string, []byte) (string, []byte, error) {
		return "", nil, nil
	}); err != nil {
		return err
	}
	m.logger.Info("Migrated legacy hints", zap.Int("hints", len(pending)))
	return nil
}

// Batch is a logged batch awaiting replay.
type Batch struct {
	ID        string     `json:"id"`
	Mutations []Mutation `json:"mutations"`
	WrittenAt time.Time  `json:"written_at"`
}

// BatchlogMigrator moves batches from the legacy batchlog rows into the
// current batches table.
type BatchlogMigrator struct {
	sys    *SystemKeyspace
	logger *zap.Logger
}

// NewBatchlogMigrator creates a migrator over the system keyspace.
func NewBatchlogMigrator(sys *SystemKeyspace, logger *zap.Logger) *BatchlogMigrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchlogMigrator{sys: sys, logger: logger.Named("legacy-batchlog")}
}

// Migrate converts every legacy batch and removes the originals.
func (m *BatchlogMigrator) Migrate(ctx context.Context) error {
	moved, err := m.sys.move(prefixLegacyBatchlog, func(key string, value []byte) (string, []byte, error) {
		var batch Batch
		if err := json.Unmarshal(value, &batch); err != nil {
			return "", nil, fmt.Errorf("decode legacy batch %s: %w", key, err)
		}
		if batch.ID == "" {
			batch.ID = strings.TrimPrefix(key, prefixLegacyBatchlog)
		}
		out, err := json.Marshal(batch)
		if err != nil {
			return "", nil, err
		}
		return prefixBatches + batch.ID, out, nil
	})
	if err != nil {
		return err
	}
	if moved > 0 {
		m.logger.Info("Migrated legacy batchlog", zap.Int("batches", moved))
	}
	return nil
}

// Batches returns the batches awaiting replay.
func (s *SystemKeyspace) Batches(ctx context.Context) ([]Batch, error) {
	var out []Batch
	err := s.scan(prefixBatches, func(key string, value []byte) error {
		var b Batch
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode batch %s: %w", key, err)
		}
		out = append(out, b)
		return nil
	})
	return out, err
}
