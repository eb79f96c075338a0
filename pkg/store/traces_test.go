package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/store"
)

func seedTraces(t *testing.T, s *store.Store) {
	t.Helper()

	ctx := context.Background()

	createRun(t, s, store.RunPayload{
		ID: "root", TraceID: strPtr("t1"), RunType: strPtr("chain"), System: strPtr("alpha"),
		StartTime: raw(`1700000000000`), EndTime: raw(`1700000003000`),
		Extra: raw(`{"metadata":{"thread_id":"conv-1","user_id":"u1"}}`),
	})
	createRun(t, s, store.RunPayload{
		ID: "llm", TraceID: strPtr("t1"), RunType: strPtr("llm"), System: strPtr("alpha"),
		StartTime: raw(`1700000001000`), EndTime: raw(`1700000002000`),
		Outputs: raw(`{"llmOutput":{"tokenUsage":{"totalTokens":30}}}`),
		Extra:   raw(`{"metadata":{"thread_id":"conv-1","user_id":"u1"}}`),
	})
	createRun(t, s, store.RunPayload{
		ID: "other", TraceID: strPtr("t2"), RunType: strPtr("llm"), System: strPtr("beta"),
		StartTime: raw(`1700000010000`), EndTime: raw(`1700000011000`),
		Outputs: raw(`{"llmOutput":{"tokenUsage":{"totalTokens":5}}}`),
		Extra:   raw(`{"metadata":{"thread_id":"conv-1"}}`),
	})
	createRun(t, s, store.RunPayload{ID: "loose", RunType: strPtr("tool")})

	_, err := s.Feedback.Create(ctx, "llm", &store.FeedbackPayload{TraceID: "t1"})
	require.NoError(t, err)

	_, err = s.Feedback.Create(ctx, "root", &store.FeedbackPayload{TraceID: "t1"})
	require.NoError(t, err)

	_, err = s.Attachments.Create(ctx, &store.Attachment{
		RunID: "llm", Filename: "out.txt", StoragePath: "llm/out.txt",
	})
	require.NoError(t, err)
}

func findTrace(traces []store.TraceOverview, id string) *store.TraceOverview {
	for i := range traces {
		if traces[i].TraceID == id {
			return &traces[i]
		}
	}

	return nil
}

func TestTraces_List(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedTraces(t, s)

	traces, err := s.Traces.List(ctx, store.TraceFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, traces, 2, "runs without a trace id are not a trace")

	t1 := findTrace(traces, "t1")
	require.NotNil(t, t1)
	assert.Equal(t, int64(2), t1.TotalRuns)
	assert.Equal(t, int64(2), t1.TotalFeedback)
	assert.Equal(t, int64(1), t1.TotalAttachments)
	assert.Equal(t, "1700000000000", t1.FirstRunTime)
	assert.Equal(t, "1700000003000", t1.LastRunTime)
	assert.ElementsMatch(t, []string{"chain", "llm"}, t1.RunTypes)
	assert.Equal(t, []string{"alpha"}, t1.Systems)
	assert.Equal(t, int64(30), t1.TotalTokensSum)
	assert.Equal(t, "u1", t1.UserID)

	bySystem, err := s.Traces.List(ctx, store.TraceFilter{System: "beta"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, bySystem, 1)
	assert.Equal(t, "t2", bySystem[0].TraceID)
	assert.Equal(t, int64(0), bySystem[0].TotalFeedback)

	paged, err := s.Traces.List(ctx, store.TraceFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	n, err := s.Traces.Count(ctx, store.TraceFilter{ThreadID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Traces.Count(ctx, store.TraceFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTraces_Threads(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedTraces(t, s)

	threads, err := s.Traces.Threads(ctx, store.ThreadFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	th := threads[0]
	assert.Equal(t, "conv-1", th.ThreadID)
	assert.Equal(t, int64(3), th.TotalRuns)
	assert.Equal(t, int64(2), th.TotalTraces)
	assert.Equal(t, int64(2), th.TotalFeedback)
	assert.Equal(t, int64(1), th.TotalAttachments)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, th.Systems)
	assert.Equal(t, int64(35), th.TotalTokensSum)

	filtered, err := s.Traces.Threads(ctx, store.ThreadFilter{ThreadID: "conv"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	none, err := s.Traces.Threads(ctx, store.ThreadFilter{System: "gamma"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTraces_Summary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedTraces(t, s)

	summary, err := s.Traces.Summary(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", summary.Overview.TraceID)
	require.Len(t, summary.Runs, 2)
	assert.Equal(t, "root", summary.Runs[0].ID, "runs are ordered by start time")
	assert.Len(t, summary.Runs[0].Feedback, 1)
	assert.Empty(t, summary.Runs[0].Attachments)
	assert.Len(t, summary.Runs[1].Attachments, 1)

	_, err = s.Traces.Summary(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTraceSummary_Stats(t *testing.T) {
	score := func(v float64) *float64 { return &v }

	summary := &store.TraceSummary{
		Overview: store.TraceOverview{TraceID: "t1"},
		Runs: []store.RunDetail{
			{
				Run: store.Run{ID: "a", RunType: "chain", CreatedAt: "2024-01-01T10:00:00.000Z"},
				Feedback: []store.Feedback{
					{ID: "f1", Score: score(1)},
					{ID: "f2"},
				},
			},
			{
				Run:         store.Run{ID: "b", RunType: "llm", CreatedAt: "2024-01-01T11:30:00.000Z"},
				Feedback:    []store.Feedback{{ID: "f3", Score: score(0)}},
				Attachments: []store.Attachment{{ID: "x"}},
			},
			{
				Run: store.Run{ID: "c", CreatedAt: "2024-01-01T10:20:00.000Z"},
			},
		},
	}

	stats := summary.Stats()

	assert.Equal(t, "t1", stats.TraceID)
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 3, stats.TotalFeedback)
	assert.Equal(t, 1, stats.TotalAttachments)
	require.NotNil(t, stats.AverageFeedbackScore)
	assert.InDelta(t, 0.5, *stats.AverageFeedbackScore, 1e-9)
	assert.Equal(t, map[string]int{"chain": 1, "llm": 1, "unknown": 1}, stats.RunTypes)
	assert.Equal(t, "2024-01-01T10:00:00.000Z", stats.Duration.FirstRun)
	assert.Equal(t, "2024-01-01T11:30:00.000Z", stats.Duration.LastRun)
	assert.InDelta(t, 1.5, stats.Duration.SpanHours, 1e-9)
}

func TestTraceSummary_StatsWithoutScores(t *testing.T) {
	summary := &store.TraceSummary{
		Runs: []store.RunDetail{{Run: store.Run{ID: "a", CreatedAt: "2024-01-01T10:00:00.000Z"}}},
	}

	stats := summary.Stats()

	assert.Nil(t, stats.AverageFeedbackScore)
	assert.Zero(t, stats.Duration.SpanHours)
}
