package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/storage"
)

const maxObjectSize = 8 << 20

type databaseInfo struct {
	Name      string `json:"name"`
	Primary   bool   `json:"primary"`
	CacheSize int    `json:"cache_size,omitempty"`
	PoolSize  int    `json:"pool_size,omitempty"`
}

type databasesResponse struct {
	Databases []databaseInfo `json:"databases"`
}

func (s *Service) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /databases", s.handleDatabases)
	mux.HandleFunc("GET /objects/{key...}", s.handleLoad)
	mux.HandleFunc("PUT /objects/{key...}", s.handleStore)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Service) handleDatabases(w http.ResponseWriter, _ *http.Request) {
	resp := databasesResponse{Databases: make([]databaseInfo, 0, len(s.registry))}
	for _, name := range s.registry.Names() {
		opts := s.registry[name].Options()
		resp.Databases = append(resp.Databases, databaseInfo{
			Name:      name,
			Primary:   name == database.PrimaryName,
			CacheSize: opts.CacheSize,
			PoolSize:  opts.PoolSize,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode database list")
	}
}

func (s *Service) handleLoad(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "object key required", http.StatusBadRequest)
		return
	}
	conn, err := s.broker.FromRequest(r, r.URL.Query().Get("db"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := conn.Load(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Service) handleStore(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "object key required", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	conn, err := s.broker.FromRequest(r, r.URL.Query().Get("db"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := conn.Store(key, data); err != nil {
		s.writeError(w, err)
		return
	}
	if err := conn.Commit(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	var unknown *database.UnknownDatabaseError
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &unknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error().Err(err).Msg("object request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
