package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/tracekeeper/pkg/store"
)

// --- API key cache ---

type cacheStatsResponse struct {
	CacheSize  int      `json:"cache_size"`
	CachedKeys []string `json:"cached_keys"`
	TTLSeconds float64  `json:"ttl_seconds"`
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.keys.Stats()

	writeJSON(w, http.StatusOK, cacheStatsResponse{
		CacheSize:  stats.Size,
		CachedKeys: stats.Keys,
		TTLSeconds: s.cfg.Cache.TTL.Seconds(),
	})
}

type invalidateRequest struct {
	APIKey string `json:"api_key"`
}

// handleCacheInvalidate drops one key, or every key when the body names
// none.
func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest,
				envelope{Message: "invalid request body"})

			return
		}
	}

	if req.APIKey != "" {
		s.keys.Invalidate(req.APIKey)
		writeJSON(w, http.StatusOK,
			envelope{Success: true, Message: "API key invalidated"})

		return
	}

	s.keys.InvalidateAll()
	writeJSON(w, http.StatusOK,
		envelope{Success: true, Message: "API key cache cleared"})
}

// --- System management ---

func (s *server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	systems, err := s.store.Systems.List(r.Context())
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: systems})
}

type createSystemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	APIKey      string `json:"api_key"`
}

func (s *server) handleCreateSystem(w http.ResponseWriter, r *http.Request) {
	var req createSystemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			envelope{Message: "invalid request body"})

		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			envelope{Message: "name is required"})

		return
	}

	if _, err := s.store.Systems.GetByName(r.Context(), req.Name); err == nil {
		writeJSON(w, http.StatusConflict,
			envelope{Message: "system already exists"})

		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeAdminError(w, err, "system")

		return
	}

	sys, err := s.store.Systems.Create(r.Context(), req.Name, req.Description, req.APIKey)
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	s.log.WithField("system", sys.Name).Info("System created")

	writeJSON(w, http.StatusCreated,
		envelope{Success: true, Message: "System created", Data: sys})
}

func (s *server) handleUpdateSystem(w http.ResponseWriter, r *http.Request) {
	var req store.SystemUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			envelope{Message: "invalid request body"})

		return
	}

	sys, err := s.store.Systems.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	// A status change must take effect on the next request.
	s.keys.Invalidate(sys.APIKey)

	writeJSON(w, http.StatusOK,
		envelope{Success: true, Message: "System updated", Data: sys})
}

func (s *server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	old, err := s.store.Systems.GetByID(r.Context(), id)
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	sys, err := s.store.Systems.RegenerateAPIKey(r.Context(), id)
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	s.keys.Invalidate(old.APIKey)

	s.log.WithField("system", sys.Name).Info("System API key regenerated")

	writeJSON(w, http.StatusOK,
		envelope{Success: true, Message: "API key regenerated", Data: sys})
}

type systemStatsResponse struct {
	System *store.System      `json:"system"`
	Stats  *store.SystemStats `json:"stats"`
}

func (s *server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	sys, err := s.store.Systems.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	stats, err := s.store.Systems.Stats(r.Context(), sys.Name)
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    systemStatsResponse{System: sys, Stats: stats},
	})
}

func (s *server) handleDeleteSystem(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.Systems.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	if !deleted {
		writeJSON(w, http.StatusNotFound,
			envelope{Message: "system not found"})

		return
	}

	s.keys.InvalidateAll()

	writeJSON(w, http.StatusOK,
		envelope{Success: true, Message: "System deleted"})
}

// --- Maintenance ---

func (s *server) handleMigrateRuns(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Systems.MigrateRunSystems(r.Context())
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	s.log.WithField("created", res.Created).
		WithField("skipped", res.Skipped).
		Info("Migrated run systems")

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Run systems migrated",
		Data:    res,
	})
}

type validateResponse struct {
	Valid          bool     `json:"valid"`
	MissingSystems []string `json:"missing_systems"`
	OrphanedRuns   int      `json:"orphaned_runs"`
}

func (s *server) handleValidateReferences(w http.ResponseWriter, r *http.Request) {
	missing, err := s.store.Systems.ValidateReferences(r.Context())
	if err != nil {
		s.writeAdminError(w, err, "system")

		return
	}

	orphaned, err := s.store.Traces.OrphanedRuns(r.Context())
	if err != nil {
		s.writeAdminError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: validateResponse{
			Valid:          len(missing) == 0,
			MissingSystems: missing,
			OrphanedRuns:   len(orphaned),
		},
	})
}

// writeAdminError maps a repository error to an admin envelope.
func (s *server) writeAdminError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Message: what + " not found"})
	case errors.Is(err, store.ErrInvalidStatus), errors.Is(err, store.ErrNameRequired):
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
	default:
		s.log.WithError(err).WithField("resource", what).Error("Admin request failed")
		writeJSON(w, http.StatusInternalServerError,
			envelope{Message: "internal server error"})
	}
}
