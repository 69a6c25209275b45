package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/storage"
)

// DefaultCacheSize bounds the prepared statement cache.
const DefaultCacheSize = 1024

// StatementStore persists prepared statements across restarts.
type StatementStore interface {
	SavePreparedStatement(id, query string) error
	RemovePreparedStatement(id string) error
	PreparedStatements(ctx context.Context) (map[string]string, error)
}

// Backend executes statements against table data.
type Backend interface {
	Table(keyspace, table string) (*storage.ColumnFamilyStore, error)
	Read(keyspace, table, key string) ([]byte, string, error)
	Apply(m storage.Mutation) error
}

// Result is what executing a statement produced.
type Result struct {
	Found       bool   `json:"found"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Processor prepares statements and keeps the prepared ones in a bounded cache.
type Processor struct {
	store    StatementStore
	backend  Backend
	prepared *lru.Cache[string, *Statement]
	logger   *zap.Logger
}

// NewProcessor creates a processor caching at most size statements.
func NewProcessor(store StatementStore, backend Backend, size int, logger *zap.Logger) (*Processor, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{store: store, backend: backend, logger: logger.Named("query")}
	cache, err := lru.NewWithEvict[string, *Statement](size, func(id string, _ *Statement) {
		p.logger.Debug("Evicted prepared statement", zap.String("id", id))
	})
	if err != nil {
		return nil, err
	}
	p.prepared = cache
	return p, nil
}

// Prepare parses query, checks its table exists, caches and persists it.
func (p *Processor) Prepare(query string) (*Statement, error) {
	stmt, err := p.prepare(query)
	if err != nil {
		return nil, err
	}
	if p.store != nil {
		if err := p.store.SavePreparedStatement(stmt.ID, stmt.Query); err != nil {
			return nil, fmt.Errorf("persisting prepared statement: %w", err)
		}
	}
	return stmt, nil
}

func (p *Processor) prepare(query string) (*Statement, error) {
	stmt, err := Parse(query)
	if err != nil {
		return nil, err
	}
	if p.backend != nil {
		if _, err := p.backend.Table(stmt.Keyspace, stmt.Table); err != nil {
			return nil, err
		}
	}
	p.prepared.Add(stmt.ID, stmt)
	return stmt, nil
}

// Lookup returns a prepared statement by id.
func (p *Processor) Lookup(id string) (*Statement, bool) {
	return p.prepared.Get(id)
}

// Len returns the number of cached statements.
func (p *Processor) Len() int {
	return p.prepared.Len()
}

// Execute runs a prepared statement for key. data is only used by inserts.
func (p *Processor) Execute(id, key string, data []byte, contentType string) (Result, error) {
	stmt, ok := p.Lookup(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownStatement, id)
	}
	if p.backend == nil {
		return Result{}, errors.New("no backend configured")
	}

	switch stmt.Op {
	case OpSelect:
		value, ct, err := p.backend.Read(stmt.Keyspace, stmt.Table, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Found: true, Data: value, ContentType: ct}, nil
	case OpInsert:
		return Result{}, p.backend.Apply(storage.Mutation{
			Keyspace: stmt.Keyspace, Table: stmt.Table, Key: key, Data: data, ContentType: contentType,
		})
	case OpDelete:
		return Result{}, p.backend.Apply(storage.Mutation{
			Keyspace: stmt.Keyspace, Table: stmt.Table, Key: key, Delete: true,
		})
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrSyntax, stmt.Op)
	}
}

// PreloadPreparedStatements re-prepares every persisted statement and returns
// how many succeeded. Statements that no longer prepare, for example because
// their table was dropped, are removed from the store.
func (p *Processor) PreloadPreparedStatements(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	saved, err := p.store.PreparedStatements(ctx)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(saved))
	for id := range saved {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loaded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		query := saved[id]
		if _, err := p.prepare(query); err != nil {
			p.logger.Warn("Dropping prepared statement that no longer prepares",
				zap.String("id", id),
				zap.String("query", query),
				zap.Error(err))
			if rmErr := p.store.RemovePreparedStatement(id); rmErr != nil {
				p.logger.Warn("Failed to remove prepared statement", zap.String("id", id), zap.Error(rmErr))
			}
			continue
		}
		loaded++
	}
	p.logger.Info("Preloaded prepared statements", zap.Int("count", loaded), zap.Int("dropped", len(ids)-loaded))
	return loaded, nil
}
