package store_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/store"
)

func TestStats_RecomputeHour(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ms := func(offset time.Duration) string {
		return `"` + hour.Add(offset).Format(time.RFC3339Nano) + `"`
	}

	outputs := raw(`{"generations":[[{"generation_info":{"model_name":"gpt"},"message":{"usage_metadata":{"total_tokens":10}}}]]}`)

	createRun(t, s, store.RunPayload{
		ID: "a", System: strPtr("alpha"), Outputs: outputs,
		StartTime: raw(ms(time.Minute)), EndTime: raw(ms(time.Minute + 100*time.Millisecond)),
		Events: raw(`[{"time":0},{"time":20}]`),
		Extra:  raw(`{"metadata":{"user_id":"u1"}}`),
	})
	createRun(t, s, store.RunPayload{
		ID: "b", System: strPtr("alpha"), Outputs: outputs,
		StartTime: raw(ms(2 * time.Minute)), EndTime: raw(ms(2*time.Minute + 300*time.Millisecond)),
		Error:  raw(`"timeout"`),
		Events: raw(`[{"time":0},{"time":40}]`),
		Extra:  raw(`{"metadata":{"user_id":"u1"}}`),
	})
	createRun(t, s, store.RunPayload{
		ID: "no-model", System: strPtr("alpha"),
		StartTime: raw(ms(3 * time.Minute)), EndTime: raw(ms(4 * time.Minute)),
	})
	createRun(t, s, store.RunPayload{
		ID: "next-hour", System: strPtr("alpha"), Outputs: outputs,
		StartTime: raw(ms(time.Hour)), EndTime: raw(ms(time.Hour + time.Second)),
	})

	require.NoError(t, s.Stats.RecomputeHour(ctx, hour.Add(30*time.Minute)))

	rows, err := s.Stats.Query(ctx, hour, hour.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "2024-01-01T10:00:00.000Z", row.StatHour)
	assert.Equal(t, "gpt", row.ModelName)
	assert.Equal(t, "alpha", row.System)
	assert.Equal(t, int64(2), row.TotalRuns)
	assert.Equal(t, int64(1), row.SuccessfulRuns)
	assert.Equal(t, int64(1), row.FailedRuns)
	assert.InDelta(t, 0.5, row.ErrorRate, 1e-9)
	assert.Equal(t, int64(400), row.TotalDurationMS)
	assert.Equal(t, int64(200), row.AvgDurationMS)
	assert.Equal(t, int64(300), row.P95DurationMS)
	assert.Equal(t, int64(300), row.P99DurationMS)
	assert.Equal(t, int64(20), row.TotalTokensSum)
	assert.InDelta(t, 10.0, row.AvgTokensPerRun, 1e-9)
	assert.Equal(t, int64(30), row.AvgTTFTMS)
	assert.Equal(t, int64(40), row.P95TTFTMS)
	assert.Equal(t, int64(1), row.DistinctUsers)

	// Recomputing replaces rather than duplicates.
	require.NoError(t, s.Stats.RecomputeHour(ctx, hour))

	rows, err = s.Stats.Query(ctx, hour, hour.Add(time.Hour), store.StatsFilter{System: "alpha"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStats_QueryComputesMissingHours(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	hour := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		createRun(t, s, store.RunPayload{
			ID:        string(rune('a' + i)),
			StartTime: raw(`"` + hour.Add(offset+time.Minute).Format(time.RFC3339) + `"`),
			Outputs:   raw(`{"generations":[[{"generation_info":{"model_name":"m"}}]]}`),
		})
	}

	rows, err := s.Stats.Query(ctx, hour.Add(10*time.Minute), hour.Add(2*time.Hour), store.StatsFilter{ModelName: "m"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-05T09:00:00.000Z", rows[0].StatHour)
	assert.Equal(t, "2024-03-05T08:00:00.000Z", rows[1].StatHour)
	assert.Empty(t, rows[0].System)

	empty, err := s.Stats.Query(ctx, hour, hour, store.StatsFilter{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.Stats.Query(ctx, hour, hour.Add((store.MaxQueryHours+1)*time.Hour), store.StatsFilter{})
	require.ErrorIs(t, err, store.ErrRangeTooLarge)
}

func TestStats_QueryRemembersEmptyHours(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	hour := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

	rows, err := s.Stats.Query(ctx, hour, hour.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	createRun(t, s, store.RunPayload{
		ID:        "late",
		StartTime: raw(`"` + hour.Add(time.Minute).Format(time.RFC3339) + `"`),
		Outputs:   raw(`{"generations":[[{"generation_info":{"model_name":"m"}}]]}`),
	})

	// The empty hour was computed once and is not recomputed per query.
	rows, err = s.Stats.Query(ctx, hour, hour.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, s.Stats.RecomputeHour(ctx, hour))

	rows, err = s.Stats.Query(ctx, hour, hour.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].TotalRuns)
}

func TestStats_QueryRecomputesCurrentHour(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	current := time.Now().UTC().Truncate(time.Hour)
	outputs := raw(`{"generations":[[{"generation_info":{"model_name":"m"}}]]}`)
	started := raw(strconv.FormatInt(current.UnixMilli(), 10))

	createRun(t, s, store.RunPayload{ID: "first", StartTime: started, Outputs: outputs})

	rows, err := s.Stats.Query(ctx, current, current.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].TotalRuns)

	createRun(t, s, store.RunPayload{ID: "second", StartTime: started, Outputs: outputs})

	rows, err = s.Stats.Query(ctx, current, current.Add(time.Hour), store.StatsFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].TotalRuns)
}

func TestHourKey(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 59, 59, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-01-01T09:00:00.000Z", store.HourKey(ts))
}
