package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/tracekeeper/pkg/extract"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

const defaultStatsWindow = 24 * time.Hour

// parseTimeParam reads the first non-empty query parameter of names as
// epoch milliseconds or RFC 3339. A missing parameter yields fallback.
func parseTimeParam(r *http.Request, fallback time.Time, names ...string) (time.Time, error) {
	for _, name := range names {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}

		ms, ok := extract.EpochMillis(v)
		if !ok {
			return time.Time{}, fmt.Errorf("%s must be epoch milliseconds or RFC 3339", name)
		}

		return time.UnixMilli(ms).UTC(), nil
	}

	return fallback, nil
}

// handleHourlyStats returns the hourly roll-up rows of a time range,
// computing missing hours on demand. The range defaults to the last day.
func (s *server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	end, err := parseTimeParam(r, time.Now().UTC(), "end", "endTime")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	start, err := parseTimeParam(r, end.Add(-defaultStatsWindow), "start", "startTime")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rows, err := s.store.Stats.Query(r.Context(), start, end, store.StatsFilter{
		ModelName: r.URL.Query().Get("model_name"),
		System:    r.URL.Query().Get("system"),
	})
	if err != nil {
		if errors.Is(err, store.ErrRangeTooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		s.writeStoreError(w, err, "statistics")

		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
}

type updateStatsRequest struct {
	Hour string `json:"hour"`
}

// handleUpdateStats recomputes the roll-up of one hour.
func (s *server) handleUpdateStats(w http.ResponseWriter, r *http.Request) {
	var req updateStatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	ms, ok := extract.EpochMillis(req.Hour)
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"hour must be epoch milliseconds or RFC 3339"})

		return
	}

	hour := time.UnixMilli(ms).UTC()

	if err := s.store.Stats.RecomputeHour(r.Context(), hour); err != nil {
		s.writeStoreError(w, err, "statistics")

		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Statistics updated for " + store.HourKey(hour),
	})
}
