package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/cache"
	"github.com/septivank/energy-uplink-ingest/internal/service"
)

type uplinkResponse struct {
	Status string `json:"status"`
	*service.Result
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type cacheListing struct {
	Deployment string            `json:"deployment"`
	Count      int               `json:"count"`
	Entries    []cache.EntryInfo `json:"entries"`
}

func (s *Server) handleUplink(p *service.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeJSON(w, errorResponse{Error: "request body too large"}, http.StatusRequestEntityTooLarge)
				return
			}
			s.writeJSON(w, errorResponse{Error: "failed to read request body", Detail: err.Error()}, http.StatusBadRequest)
			return
		}

		res, err := p.Process(r.Context(), service.SourceHTTP, body)
		if err != nil {
			if service.IsClientError(err) {
				s.writeJSON(w, errorResponse{Error: "invalid uplink", Detail: err.Error()}, http.StatusBadRequest)
				return
			}
			s.writeJSON(w, errorResponse{Error: "failed to process uplink", Detail: err.Error()}, http.StatusInternalServerError)
			return
		}

		s.writeJSON(w, uplinkResponse{Status: "ok", Result: res}, http.StatusOK)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.writeJSON(w, errorResponse{Error: "database unavailable", Detail: err.Error()}, http.StatusServiceUnavailable)
			return
		}
	}
	s.writeJSON(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func (s *Server) handleCacheListing(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["deployment"]
	p, ok := s.pipelines.Get(name)
	if !ok {
		s.writeJSON(w, errorResponse{Error: "unknown deployment", Detail: name}, http.StatusNotFound)
		return
	}

	entries := p.Cache().Entries()
	s.writeJSON(w, cacheListing{Deployment: name, Count: len(entries), Entries: entries}, http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
