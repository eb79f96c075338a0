package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/tracekeeper/pkg/store"
)

type traceListResponse struct {
	Traces []store.TraceOverview `json:"traces"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type threadListResponse struct {
	Threads []store.ThreadOverview `json:"threads"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

type runListResponse struct {
	Runs   []store.Run `json:"runs"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func traceFilter(r *http.Request) store.TraceFilter {
	q := r.URL.Query()

	return store.TraceFilter{
		System:    q.Get("system"),
		ThreadID:  q.Get("thread_id"),
		UserID:    q.Get("user_id"),
		RunType:   q.Get("run_type"),
		ModelName: q.Get("model_name"),
	}
}

// handleListTraces returns one page of trace overviews.
func (s *server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	f := traceFilter(r)

	traces, err := s.store.Traces.List(r.Context(), f, limit, offset)
	if err != nil {
		s.writeStoreError(w, err, "traces")

		return
	}

	total, err := s.store.Traces.Count(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err, "traces")

		return
	}

	writeJSON(w, http.StatusOK, traceListResponse{
		Traces: traces,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCountTraces returns the number of traces matching the filters.
func (s *server) handleCountTraces(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.Traces.Count(r.Context(), traceFilter(r))
	if err != nil {
		s.writeStoreError(w, err, "traces")

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"total": total})
}

// handleGetTrace reconstructs one trace.
func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Traces.Summary(r.Context(), chi.URLParam(r, "traceID"))
	if err != nil {
		s.writeStoreError(w, err, "trace")

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleTraceStats returns the aggregate statistics of one trace.
func (s *server) handleTraceStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Traces.Summary(r.Context(), chi.URLParam(r, "traceID"))
	if err != nil {
		s.writeStoreError(w, err, "trace")

		return
	}

	writeJSON(w, http.StatusOK, summary.Stats())
}

// handleListThreads returns one page of thread overviews.
func (s *server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	threads, err := s.store.Traces.Threads(r.Context(), store.ThreadFilter{
		System:   r.URL.Query().Get("system"),
		ThreadID: r.URL.Query().Get("thread_id"),
	}, limit, offset)
	if err != nil {
		s.writeStoreError(w, err, "threads")

		return
	}

	writeJSON(w, http.StatusOK, threadListResponse{
		Threads: threads,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleThreadRuns returns every run of one thread.
func (s *server) handleThreadRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs.ListByThread(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		s.writeStoreError(w, err, "thread")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleSearchRuns returns one page of runs matching the filters.
func (s *server) handleSearchRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	q := r.URL.Query()
	f := store.RunFilter{
		RunType:         q.Get("run_type"),
		System:          q.Get("system"),
		ModelName:       q.Get("model_name"),
		ThreadID:        q.Get("thread_id"),
		UserID:          q.Get("user_id"),
		Tag:             q.Get("tag"),
		StartTimeAfter:  q.Get("start_after"),
		StartTimeBefore: q.Get("start_before"),
	}

	runs, err := s.store.Runs.Search(r.Context(), f, limit, offset)
	if err != nil {
		s.writeStoreError(w, err, "runs")

		return
	}

	total, err := s.store.Runs.Count(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err, "runs")

		return
	}

	writeJSON(w, http.StatusOK, runListResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleGetRun returns one run with its feedback and attachments.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")

	run, err := s.store.Runs.Get(ctx, runID)
	if err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	feedback, err := s.store.Feedback.ListByRun(ctx, runID)
	if err != nil {
		s.writeStoreError(w, err, "feedback")

		return
	}

	attachments, err := s.store.Attachments.ListByRun(ctx, runID)
	if err != nil {
		s.writeStoreError(w, err, "attachments")

		return
	}

	writeJSON(w, http.StatusOK, store.RunDetail{
		Run:         *run,
		Feedback:    feedback,
		Attachments: attachments,
	})
}

// handleDistinct serves a sorted list of distinct values under key.
func (s *server) handleDistinct(
	key string,
	list func(ctx context.Context) ([]string, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := list(r.Context())
		if err != nil {
			s.writeStoreError(w, err, key)

			return
		}

		writeJSON(w, http.StatusOK, map[string][]string{key: values})
	}
}
