package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/cache"
	"github.com/arohanajit/hashmapd/internal/storage"
)

const (
	maxPayloadSize = 5 * 1024 * 1024 // 5MB
)

// DataStore reads and writes table rows.
type DataStore interface {
	Read(keyspace, table, key string) ([]byte, string, error)
	Apply(m storage.Mutation) error
}

// RowCache is consulted on reads and kept in step with writes.
type RowCache interface {
	Record(k cache.Key, data []byte, contentType string)
	Invalidate(k cache.Key)
}

// KeyHandler handles operations on keys of a table
type KeyHandler struct {
	store  DataStore
	cache  RowCache
	logger *zap.Logger
}

// NewKeyHandler creates a new instance of KeyHandler. rows may be nil.
func NewKeyHandler(store DataStore, rows RowCache, logger *zap.Logger) *KeyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyHandler{store: store, cache: rows, logger: logger}
}

// RegisterRoutes registers the key routes on r
func (h *KeyHandler) RegisterRoutes(r *mux.Router) {
	const path = "/v1/{keyspace}/{table}/{key}"
	r.HandleFunc(path, h.Get).Methods(http.MethodGet)
	r.HandleFunc(path, h.Put).Methods(http.MethodPut)
	r.HandleFunc(path, h.Delete).Methods(http.MethodDelete)
}

func cacheKey(r *http.Request) cache.Key {
	vars := mux.Vars(r)
	return cache.Key{Keyspace: vars["keyspace"], Table: vars["table"], Key: vars["key"]}
}

// Get handles GET requests to retrieve a value
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	k := cacheKey(r)

	data, contentType, err := h.store.Read(k.Keyspace, k.Table, k.Key)
	if err != nil {
		h.writeError(w, k, err)
		return
	}
	if h.cache != nil {
		h.cache.Record(k, data, contentType)
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// Put handles PUT requests to store a value
func (h *KeyHandler) Put(w http.ResponseWriter, r *http.Request) {
	k := cacheKey(r)

	if r.ContentLength > maxPayloadSize {
		http.Error(w, fmt.Sprintf("Payload too large. Maximum size is %d bytes", maxPayloadSize), http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if strings.HasPrefix(contentType, "application/json") && !json.Valid(body) {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	err = h.store.Apply(storage.Mutation{
		Keyspace: k.Keyspace, Table: k.Table, Key: k.Key, Data: body, ContentType: contentType,
	})
	if err != nil {
		h.writeError(w, k, err)
		return
	}
	if h.cache != nil {
		h.cache.Record(k, body, contentType)
	}
	w.WriteHeader(http.StatusCreated)
}

// Delete handles DELETE requests to remove a value
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	k := cacheKey(r)

	if err := h.store.Apply(storage.Mutation{Keyspace: k.Keyspace, Table: k.Table, Key: k.Key, Delete: true}); err != nil {
		h.writeError(w, k, err)
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(k)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) writeError(w http.ResponseWriter, k cache.Key, err error) {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		http.Error(w, "Key not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrUnknownKeyspace), errors.Is(err, storage.ErrUnknownTable):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrEmptyKey), errors.Is(err, storage.ErrNilValue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Request failed", zap.Stringer("key", k), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
