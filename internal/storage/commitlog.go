package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

const (
	segmentPrefix     = "CommitLog-"
	segmentSuffix     = ".log"
	segmentZstdSuffix = ".log.zst"
)

// MutationApplier receives replayed mutations.
type MutationApplier interface {
	Apply(m Mutation) error
}

// ReplayObserver is notified once per replayed mutation.
type ReplayObserver func(m Mutation)

// CommitLog replays mutation segments left on disk by a previous run.
type CommitLog struct {
	dir      string
	applier  MutationApplier
	observer ReplayObserver
	logger   *zap.Logger
}

// NewCommitLog creates a replayer over the segments in dir.
func NewCommitLog(dir string, applier MutationApplier, logger *zap.Logger) *CommitLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitLog{dir: dir, applier: applier, logger: logger.Named("commitlog")}
}

// OnReplay sets a callback run for every applied mutation.
func (c *CommitLog) OnReplay(fn ReplayObserver) {
	c.observer = fn
}

// Segments lists the segment files in replay order.
func (c *CommitLog) Segments() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &failure.FSError{Op: "readdir", Path: c.dir, Err: err}
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		if strings.HasSuffix(name, segmentSuffix) || strings.HasSuffix(name, segmentZstdSuffix) {
			out = append(out, filepath.Join(c.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// RecoverSegmentsOnDisk applies every mutation found in the segments and
// returns how many were applied. Mutations for tables that no longer exist
// are skipped. An undecodable record is a corruption error.
func (c *CommitLog) RecoverSegmentsOnDisk(ctx context.Context) (int, error) {
	segments, err := c.Segments()
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		c.logger.Info("No commitlog files found; skipping replay")
		return 0, nil
	}

	total := 0
	for _, path := range segments {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.replaySegment(path)
		total += n
		if err != nil {
			return total, err
		}
	}
	c.logger.Info("Log replay complete", zap.Int("segments", len(segments)), zap.Int("mutations", total))
	return total, nil
}

func (c *CommitLog) replaySegment(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &failure.FSError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, segmentZstdSuffix) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, &failure.CorruptDataError{Path: path, Err: err}
		}
		defer dec.Close()
		r = dec
	}

	applied := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var m Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return applied, &failure.CorruptDataError{Path: path, Err: fmt.Errorf("record %d: %w", line, err)}
		}
		err := c.applier.Apply(m)
		if errors.Is(err, ErrUnknownKeyspace) || errors.Is(err, ErrUnknownTable) {
			c.logger.Warn("Skipping replayed mutation for unknown table",
				zap.String("segment", filepath.Base(path)),
				zap.String("keyspace", m.Keyspace),
				zap.String("table", m.Table))
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("apply mutation from %s record %d: %w", filepath.Base(path), line, err)
		}
		applied++
		if c.observer != nil {
			c.observer(m)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) || strings.HasSuffix(path, segmentZstdSuffix) {
			return applied, &failure.CorruptDataError{Path: path, Err: err}
		}
		return applied, &failure.FSError{Op: "read", Path: path, Err: err}
	}
	return applied, nil
}

// WriteSegment writes mutations to a new segment, compressed when compress
// is set. It is used by tools and tests that prepare a replay.
func WriteSegment(dir, name string, compress bool, mutations ...Mutation) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", &failure.FSError{Op: "mkdir", Path: dir, Err: err}
	}
	suffix := segmentSuffix
	if compress {
		suffix = segmentZstdSuffix
	}
	path := filepath.Join(dir, segmentPrefix+name+suffix)
	f, err := os.Create(path)
	if err != nil {
		return "", &failure.FSError{Op: "create", Path: path, Err: err}
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			return "", err
		}
		w = enc
	}
	bw := bufio.NewWriter(w)
	for _, m := range mutations {
		data, err := json.Marshal(m)
		if err != nil {
			return "", err
		}
		bw.Write(data)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return "", &failure.FSError{Op: "write", Path: path, Err: err}
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return "", &failure.FSError{Op: "write", Path: path, Err: err}
		}
	}
	return path, nil
}
