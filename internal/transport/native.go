package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/query"
	"github.com/arohanajit/hashmapd/internal/storage"
)

// Statements prepares and executes statements for the native protocol.
type Statements interface {
	Prepare(query string) (*query.Statement, error)
	Execute(id, key string, data []byte, contentType string) (query.Result, error)
}

// Tables creates tables while the node is serving.
type Tables interface {
	CreateTable(ctx context.Context, def storage.TableDef) error
}

// NativeTransport serves key routes and prepared statements.
type NativeTransport struct {
	*Server
	statements Statements
}

type prepareRequest struct {
	Query string `json:"query"`
}

type prepareResponse struct {
	ID string `json:"id"`
}

type executeRequest struct {
	Key         string `json:"key"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// NewNativeTransport constructs the native transport without starting it.
func NewNativeTransport(cfg Config, store DataStore, rows RowCache, statements Statements, logger *zap.Logger) *NativeTransport {
	if cfg.Name == "" {
		cfg.Name = "native-transport"
	}
	t := &NativeTransport{Server: newServer(cfg, logger), statements: statements}

	NewKeyHandler(store, rows, t.logger).RegisterRoutes(t.router)
	if statements != nil {
		t.router.HandleFunc("/native/prepare", t.handlePrepare).Methods(http.MethodPost)
		t.router.HandleFunc("/native/execute/{id}", t.handleExecute).Methods(http.MethodPost)
	}
	return t
}

// RegisterTables adds the table creation route. It must be called before
// Start.
func (t *NativeTransport) RegisterTables(tables Tables) {
	t.router.HandleFunc("/native/tables", func(w http.ResponseWriter, r *http.Request) {
		var def storage.TableDef
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadSize)).Decode(&def); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if def.Keyspace == "" || def.Name == "" {
			http.Error(w, "keyspace and name are required", http.StatusBadRequest)
			return
		}

		err := tables.CreateTable(r.Context(), def)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusCreated)
		case errors.Is(err, storage.ErrReservedKeyspace):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			t.logger.Error("Create table failed", zap.String("table", def.QualifiedName()), zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}).Methods(http.MethodPost)
}

func (t *NativeTransport) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadSize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	stmt, err := t.statements.Prepare(req.Query)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, prepareResponse{ID: stmt.ID})
	case errors.Is(err, query.ErrSyntax):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrUnknownKeyspace), errors.Is(err, storage.ErrUnknownTable):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		t.logger.Error("Prepare failed", zap.String("query", req.Query), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (t *NativeTransport) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadSize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, storage.ErrEmptyKey.Error(), http.StatusBadRequest)
		return
	}

	res, err := t.statements.Execute(mux.Vars(r)["id"], req.Key, req.Data, req.ContentType)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, query.ErrUnknownStatement):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrNilValue), errors.Is(err, storage.ErrEmptyKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		t.logger.Error("Execute failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// RPCServer is the legacy key-value server.
type RPCServer struct {
	*Server
}

// NewRPCServer constructs the legacy RPC server without starting it.
func NewRPCServer(cfg Config, store DataStore, rows RowCache, logger *zap.Logger) *RPCServer {
	if cfg.Name == "" {
		cfg.Name = "rpc-server"
	}
	s := &RPCServer{Server: newServer(cfg, logger)}
	NewKeyHandler(store, rows, s.logger).RegisterRoutes(s.router)
	return s
}
