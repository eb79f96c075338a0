package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

// StatHourLayout is the rendering of an hour bucket key.
const StatHourLayout = "2006-01-02T15:04:05.000Z"

// MaxQueryHours bounds the number of hour buckets one query may compute.
const MaxQueryHours = 24 * 93

// ErrRangeTooLarge is returned when a statistics query spans too many hours.
var ErrRangeTooLarge = errors.New("statistics range too large")

const statsColumns = `stat_hour, model_name, system, total_runs, successful_runs,
	failed_runs, error_rate, total_duration_ms, avg_duration_ms, p95_duration_ms,
	p99_duration_ms, total_tokens_sum, avg_tokens_per_run, avg_ttft_ms, p95_ttft_ms,
	distinct_users`

// StatsRepository maintains the hourly roll-up keyed by
// (hour, model_name, system).
type StatsRepository struct {
	log logrus.FieldLogger
	db  database.Adapter
}

// NewStatsRepository creates a statistics repository on a.
func NewStatsRepository(log logrus.FieldLogger, a database.Adapter) *StatsRepository {
	return &StatsRepository{
		log: log.WithField("repository", "stats"),
		db:  a,
	}
}

// HourKey returns the bucket key of the hour containing t.
func HourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(StatHourLayout)
}

type statsRun struct {
	ModelName        string `db:"model_name"`
	System           string `db:"system"`
	Error            string `db:"error"`
	StartTime        string `db:"start_time"`
	EndTime          string `db:"end_time"`
	TotalTokens      int64  `db:"total_tokens"`
	TimeToFirstToken int64  `db:"time_to_first_token"`
	UserID           string `db:"user_id"`
}

type statsKey struct {
	model  string
	system string
}

// RecomputeHour rebuilds the rows of the hour containing hour from the runs
// that started within it. Runs without a model name are not counted.
func (r *StatsRepository) RecomputeHour(ctx context.Context, hour time.Time) error {
	start := hour.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)
	key := start.Format(StatHourLayout)

	err := r.db.Transaction(ctx, func(ctx context.Context, tx database.Adapter) error {
		runs := make([]statsRun, 0)
		if err := database.Query(ctx, tx, &runs, database.Bind(tx, `
			SELECT model_name, system, error, start_time, end_time,
				total_tokens, time_to_first_token, user_id
			FROM runs
			WHERE start_time >= ? AND start_time < ?`),
			strconv.FormatInt(start.UnixMilli(), 10),
			strconv.FormatInt(end.UnixMilli(), 10),
		); err != nil {
			return fmt.Errorf("loading runs: %w", err)
		}

		groups := make(map[statsKey][]statsRun)

		for _, run := range runs {
			model := normalizeDimension(run.ModelName)
			if model == "" {
				continue
			}

			k := statsKey{model: model, system: normalizeDimension(run.System)}
			groups[k] = append(groups[k], run)
		}

		if _, err := database.Run(ctx, tx, database.Bind(tx,
			`DELETE FROM run_stats_hourly WHERE stat_hour = ?`), key,
		); err != nil {
			return fmt.Errorf("clearing hour: %w", err)
		}

		if _, err := database.Run(ctx, tx, database.Bind(tx,
			`DELETE FROM run_stats_hours WHERE stat_hour = ?`), key,
		); err != nil {
			return fmt.Errorf("clearing hour marker: %w", err)
		}

		if _, err := database.Run(ctx, tx, database.Bind(tx,
			`INSERT INTO run_stats_hours (stat_hour, computed_at) VALUES (?, ?)`), key, now(),
		); err != nil {
			return fmt.Errorf("marking hour: %w", err)
		}

		keys := make([]statsKey, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}

		sort.Slice(keys, func(i, j int) bool {
			if keys[i].model != keys[j].model {
				return keys[i].model < keys[j].model
			}

			return keys[i].system < keys[j].system
		})

		stmt, err := tx.Prepare(ctx, database.Bind(tx, `INSERT INTO run_stats_hourly (`+statsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, k := range keys {
			s := computeStats(key, k, groups[k])

			if _, err := stmt.Run(ctx,
				s.StatHour, s.ModelName, s.System, s.TotalRuns, s.SuccessfulRuns,
				s.FailedRuns, s.ErrorRate, s.TotalDurationMS, s.AvgDurationMS,
				s.P95DurationMS, s.P99DurationMS, s.TotalTokensSum, s.AvgTokensPerRun,
				s.AvgTTFTMS, s.P95TTFTMS, s.DistinctUsers,
			); err != nil {
				return fmt.Errorf("inserting stats for %s/%s: %w", k.model, k.system, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("recomputing stats for %s: %w", key, err)
	}

	r.log.WithField("hour", key).Debug("Recomputed hourly stats")

	return nil
}

func normalizeDimension(v string) string {
	if v == "N/A" {
		return ""
	}

	return v
}

func computeStats(hour string, k statsKey, group []statsRun) HourlyStats {
	s := HourlyStats{
		StatHour:  hour,
		ModelName: k.model,
		System:    k.system,
		TotalRuns: int64(len(group)),
	}

	durations := make([]int64, 0, len(group))
	ttfts := make([]int64, 0, len(group))
	users := make(map[string]struct{})

	for _, run := range group {
		if run.Error != "" && run.Error != "null" {
			s.FailedRuns++
		}

		if d, ok := runDuration(run); ok {
			durations = append(durations, d)
			s.TotalDurationMS += d
		}

		ttfts = append(ttfts, run.TimeToFirstToken)
		s.TotalTokensSum += run.TotalTokens

		if run.UserID != "" {
			users[run.UserID] = struct{}{}
		}
	}

	s.SuccessfulRuns = s.TotalRuns - s.FailedRuns
	s.DistinctUsers = int64(len(users))

	if s.TotalRuns > 0 {
		s.ErrorRate = float64(s.FailedRuns) / float64(s.TotalRuns)
		s.AvgTokensPerRun = float64(s.TotalTokensSum) / float64(s.TotalRuns)
	}

	if len(durations) > 0 {
		s.AvgDurationMS = int64(math.Round(float64(s.TotalDurationMS) / float64(len(durations))))
	}

	if len(ttfts) > 0 {
		var total int64
		for _, t := range ttfts {
			total += t
		}

		s.AvgTTFTMS = int64(math.Round(float64(total) / float64(len(ttfts))))
	}

	sortInt64s(durations)
	sortInt64s(ttfts)

	s.P95DurationMS = percentile(durations, 0.95)
	s.P99DurationMS = percentile(durations, 0.99)
	s.P95TTFTMS = percentile(ttfts, 0.95)

	return s
}

func runDuration(run statsRun) (int64, bool) {
	start, err := strconv.ParseInt(run.StartTime, 10, 64)
	if err != nil {
		return 0, false
	}

	end, err := strconv.ParseInt(run.EndTime, 10, 64)
	if err != nil {
		return 0, false
	}

	return end - start, true
}

func sortInt64s(v []int64) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}

// percentile returns sorted[floor(p*n)], or 0 for an empty slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(math.Floor(p * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

func (r *StatsRepository) hasHour(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := database.QueryRow(ctx, r.db, &n, database.Bind(r.db,
		`SELECT COUNT(*) FROM run_stats_hours WHERE stat_hour = ?`), key,
	); err != nil {
		return false, err
	}

	return n > 0, nil
}

// Query returns the rows of every hour bucket in [from, to), newest first.
// Buckets never computed are computed from the runs first. A bucket whose
// hour has not ended yet is always recomputed.
func (r *StatsRepository) Query(
	ctx context.Context, from, to time.Time, f StatsFilter,
) ([]HourlyStats, error) {
	start := from.UTC().Truncate(time.Hour)
	end := to.UTC()

	if !start.Before(end) {
		return []HourlyStats{}, nil
	}

	if end.Sub(start) > MaxQueryHours*time.Hour {
		return nil, fmt.Errorf("%w: at most %d hours", ErrRangeTooLarge, MaxQueryHours)
	}

	current := time.Now().UTC().Truncate(time.Hour)

	for cur := start; cur.Before(end); cur = cur.Add(time.Hour) {
		key := cur.Format(StatHourLayout)

		if cur.Before(current) {
			ok, err := r.hasHour(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("checking hour %s: %w", key, err)
			}

			if ok {
				continue
			}
		}

		if err := r.RecomputeHour(ctx, cur); err != nil {
			return nil, err
		}
	}

	args := database.NewArgs(r.db)
	query := `SELECT ` + statsColumns + ` FROM run_stats_hourly
		WHERE stat_hour >= ` + args.Add(start.Format(StatHourLayout)) +
		` AND stat_hour < ` + args.Add(end.Format(StatHourLayout))

	if f.ModelName != "" {
		query += " AND model_name = " + args.Add(f.ModelName)
	}

	if f.System != "" {
		query += " AND system = " + args.Add(f.System)
	}

	query += " ORDER BY stat_hour DESC, model_name, system"

	rows := make([]HourlyStats, 0)
	if err := database.Query(ctx, r.db, &rows, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("querying hourly stats: %w", err)
	}

	return rows, nil
}
