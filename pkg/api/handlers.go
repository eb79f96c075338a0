package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/tracekeeper/pkg/blobstore"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
	healthTimeout    = 5 * time.Second
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// envelope is the success/message payload of the ingestion and admin
// routes.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps a repository error to a response. Unexpected
// errors are logged and hidden behind a 500.
func (s *server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{what + " not found"})

		return
	}

	s.log.WithError(err).WithField("resource", what).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal server error"})
}

// pagination reads the limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}

	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}

	return limit, offset, nil
}

// healthResponse reports the state of the server's dependencies.
type healthResponse struct {
	Status    string  `json:"status"`
	Database  string  `json:"database"`
	Storage   string  `json:"storage"`
	FreeBytes *uint64 `json:"free_bytes,omitempty"`
}

// handleHealth returns server health status. A failing database ping
// reports 503.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Database: "ok",
		Storage:  s.blobs.Backend(),
	}

	status := http.StatusOK

	if err := s.db.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("Database health check failed")

		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if reporter, ok := s.blobs.(blobstore.SpaceReporter); ok {
		free, err := reporter.FreeBytes(ctx)
		if err != nil {
			s.log.WithError(err).Debug("Attachment disk usage unavailable")
		} else {
			resp.FreeBytes = &free
		}
	}

	writeJSON(w, status, resp)
}
