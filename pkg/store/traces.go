package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

// countConcurrency bounds the per-trace child count queries in flight.
const countConcurrency = 4

// TraceRepository reconstructs traces and threads from stored runs. It
// never writes.
type TraceRepository struct {
	log logrus.FieldLogger
	db  database.Adapter
}

// NewTraceRepository creates a trace repository on a.
func NewTraceRepository(log logrus.FieldLogger, a database.Adapter) *TraceRepository {
	return &TraceRepository{
		log: log.WithField("repository", "traces"),
		db:  a,
	}
}

func (r *TraceRepository) traceWhere(f TraceFilter, traceID string, args *database.Args) string {
	conds := []string{"trace_id IS NOT NULL", "trace_id != ''"}

	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = "+args.Add(v))
		}
	}

	eq("trace_id", traceID)
	eq("system", f.System)
	eq("thread_id", f.ThreadID)
	eq("user_id", f.UserID)
	eq("run_type", f.RunType)
	eq("model_name", f.ModelName)

	return " WHERE " + strings.Join(conds, " AND ")
}

func page(args *database.Args, limit, offset int) string {
	if limit <= 0 {
		return ""
	}

	clause := " LIMIT " + args.Add(limit)
	if offset > 0 {
		clause += " OFFSET " + args.Add(offset)
	}

	return clause
}

func (r *TraceRepository) queryTraces(
	ctx context.Context, f TraceFilter, traceID string, limit, offset int,
) ([]TraceOverview, error) {
	args := database.NewArgs(r.db)
	query := `
		SELECT
			trace_id,
			COUNT(*) AS total_runs,
			MIN(start_time) AS first_run_time,
			MAX(end_time) AS last_run_time,
			` + r.db.StringAgg("run_type", true, ",") + ` AS run_types,
			` + r.db.StringAgg("system", true, ",") + ` AS systems,
			COALESCE(SUM(total_tokens), 0) AS total_tokens_sum,
			MIN(user_id) AS user_id
		FROM runs` + r.traceWhere(f, traceID, args) + `
		GROUP BY trace_id
		ORDER BY MAX(created_at) DESC, trace_id` + page(args, limit, offset)

	traces := make([]TraceOverview, 0)
	if err := database.Query(ctx, r.db, &traces, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}

	for i := range traces {
		traces[i].RunTypes = splitAgg(traces[i].RunTypesAgg)
		traces[i].Systems = splitAgg(traces[i].SystemsAgg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countConcurrency)

	for i := range traces {
		g.Go(func() error {
			t := &traces[i]

			if err := database.QueryRow(gctx, r.db, &t.TotalFeedback, database.Bind(r.db,
				`SELECT COUNT(*) FROM feedback WHERE trace_id = ?`), t.TraceID,
			); err != nil {
				return fmt.Errorf("counting feedback of trace %s: %w", t.TraceID, err)
			}

			if err := database.QueryRow(gctx, r.db, &t.TotalAttachments, database.Bind(r.db, `
				SELECT COUNT(*) FROM attachments a
				JOIN runs r ON a.run_id = r.id
				WHERE r.trace_id = ?`), t.TraceID,
			); err != nil {
				return fmt.Errorf("counting attachments of trace %s: %w", t.TraceID, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return traces, nil
}

// List returns one page of trace overviews matching f, most recently
// active first. A non-positive limit returns every trace.
func (r *TraceRepository) List(
	ctx context.Context, f TraceFilter, limit, offset int,
) ([]TraceOverview, error) {
	return r.queryTraces(ctx, f, "", limit, offset)
}

// Count returns the number of traces matching f.
func (r *TraceRepository) Count(ctx context.Context, f TraceFilter) (int64, error) {
	args := database.NewArgs(r.db)

	var n int64
	if err := database.QueryRow(ctx, r.db, &n,
		`SELECT COUNT(DISTINCT trace_id) FROM runs`+r.traceWhere(f, "", args),
		args.Values()...,
	); err != nil {
		return 0, fmt.Errorf("counting traces: %w", err)
	}

	return n, nil
}

// Threads returns one page of thread overviews, most recently active
// first.
func (r *TraceRepository) Threads(
	ctx context.Context, f ThreadFilter, limit, offset int,
) ([]ThreadOverview, error) {
	args := database.NewArgs(r.db)
	conds := []string{"thread_id IS NOT NULL", "thread_id != ''"}

	if f.System != "" {
		conds = append(conds, "system = "+args.Add(f.System))
	}

	if f.ThreadID != "" {
		conds = append(conds, "thread_id LIKE "+args.Add("%"+f.ThreadID+"%"))
	}

	query := `
		SELECT
			thread_id,
			COUNT(*) AS total_runs,
			COUNT(DISTINCT trace_id) AS total_traces,
			MIN(start_time) AS first_run_time,
			MAX(end_time) AS last_run_time,
			` + r.db.StringAgg("run_type", true, ",") + ` AS run_types,
			` + r.db.StringAgg("system", true, ",") + ` AS systems,
			COALESCE(SUM(total_tokens), 0) AS total_tokens_sum
		FROM runs
		WHERE ` + strings.Join(conds, " AND ") + `
		GROUP BY thread_id
		ORDER BY MAX(created_at) DESC, thread_id` + page(args, limit, offset)

	threads := make([]ThreadOverview, 0)
	if err := database.Query(ctx, r.db, &threads, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countConcurrency)

	for i := range threads {
		threads[i].RunTypes = splitAgg(threads[i].RunTypesAgg)
		threads[i].Systems = splitAgg(threads[i].SystemsAgg)

		g.Go(func() error {
			t := &threads[i]

			if err := database.QueryRow(gctx, r.db, &t.TotalFeedback, database.Bind(r.db, `
				SELECT COUNT(*) FROM feedback f
				JOIN runs r ON f.run_id = r.id
				WHERE r.thread_id = ?`), t.ThreadID,
			); err != nil {
				return fmt.Errorf("counting feedback of thread %s: %w", t.ThreadID, err)
			}

			if err := database.QueryRow(gctx, r.db, &t.TotalAttachments, database.Bind(r.db, `
				SELECT COUNT(*) FROM attachments a
				JOIN runs r ON a.run_id = r.id
				WHERE r.thread_id = ?`), t.ThreadID,
			); err != nil {
				return fmt.Errorf("counting attachments of thread %s: %w", t.ThreadID, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return threads, nil
}

// Summary reconstructs one trace: its overview plus every run with the
// run's feedback and attachments.
func (r *TraceRepository) Summary(ctx context.Context, traceID string) (*TraceSummary, error) {
	overviews, err := r.queryTraces(ctx, TraceFilter{}, traceID, 0, 0)
	if err != nil {
		return nil, err
	}

	if len(overviews) == 0 {
		return nil, fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
	}

	runs := make([]Run, 0)
	if err := database.Query(ctx, r.db, &runs, database.Bind(r.db,
		`SELECT `+runColumns+` FROM runs WHERE trace_id = ? ORDER BY start_time, created_at, id`),
		traceID,
	); err != nil {
		return nil, fmt.Errorf("listing runs of trace %s: %w", traceID, err)
	}

	feedback := make([]Feedback, 0)
	if err := database.Query(ctx, r.db, &feedback, database.Bind(r.db, `
		SELECT f.id, f.trace_id, f.run_id, f.feedback_id, f.score, f.comment, f.metadata, f.created_at
		FROM feedback f JOIN runs r ON f.run_id = r.id
		WHERE r.trace_id = ? ORDER BY f.created_at, f.id`), traceID,
	); err != nil {
		return nil, fmt.Errorf("listing feedback of trace %s: %w", traceID, err)
	}

	attachments := make([]Attachment, 0)
	if err := database.Query(ctx, r.db, &attachments, database.Bind(r.db, `
		SELECT a.id, a.run_id, a.filename, a.content_type, a.file_size, a.storage_path, a.created_at
		FROM attachments a JOIN runs r ON a.run_id = r.id
		WHERE r.trace_id = ? ORDER BY a.created_at, a.id`), traceID,
	); err != nil {
		return nil, fmt.Errorf("listing attachments of trace %s: %w", traceID, err)
	}

	feedbackByRun := make(map[string][]Feedback, len(runs))
	for _, fb := range feedback {
		feedbackByRun[fb.RunID] = append(feedbackByRun[fb.RunID], fb)
	}

	attachmentsByRun := make(map[string][]Attachment, len(runs))
	for _, att := range attachments {
		attachmentsByRun[att.RunID] = append(attachmentsByRun[att.RunID], att)
	}

	summary := &TraceSummary{
		Overview: overviews[0],
		Runs:     make([]RunDetail, 0, len(runs)),
	}

	for _, run := range runs {
		detail := RunDetail{
			Run:         run,
			Feedback:    feedbackByRun[run.ID],
			Attachments: attachmentsByRun[run.ID],
		}

		if detail.Feedback == nil {
			detail.Feedback = []Feedback{}
		}

		if detail.Attachments == nil {
			detail.Attachments = []Attachment{}
		}

		summary.Runs = append(summary.Runs, detail)
	}

	r.log.WithFields(logrus.Fields{
		"trace_id": traceID,
		"runs":     len(runs),
	}).Debug("Reconstructed trace")

	return summary, nil
}

// OrphanedRuns returns runs whose system has no system row.
func (r *TraceRepository) OrphanedRuns(ctx context.Context) ([]Run, error) {
	cols := make([]string, 0, 21)
	for _, c := range strings.Split(runColumns, ",") {
		cols = append(cols, "r."+strings.TrimSpace(c))
	}

	runs := make([]Run, 0)
	if err := database.Query(ctx, r.db, &runs, `
		SELECT `+strings.Join(cols, ", ")+`
		FROM runs r
		LEFT JOIN systems s ON r.system = s.name
		WHERE r.system IS NOT NULL AND r.system != '' AND s.name IS NULL
		ORDER BY r.created_at DESC, r.id`,
	); err != nil {
		return nil, fmt.Errorf("listing orphaned runs: %w", err)
	}

	return runs, nil
}

// Stats computes the run type counts, feedback score average and creation
// span of the summarised trace. Runs without a type count as "unknown".
func (s *TraceSummary) Stats() TraceStats {
	stats := TraceStats{
		TraceID:   s.Overview.TraceID,
		TotalRuns: len(s.Runs),
		RunTypes:  make(map[string]int, 4),
	}

	var (
		scoreSum    float64
		scoreCount  int
		first, last time.Time
	)

	for _, run := range s.Runs {
		runType := run.RunType
		if runType == "" {
			runType = "unknown"
		}

		stats.RunTypes[runType]++
		stats.TotalFeedback += len(run.Feedback)
		stats.TotalAttachments += len(run.Attachments)

		for _, fb := range run.Feedback {
			if fb.Score != nil {
				scoreSum += *fb.Score
				scoreCount++
			}
		}

		created, err := time.Parse(timeLayout, run.CreatedAt)
		if err != nil {
			continue
		}

		if first.IsZero() || created.Before(first) {
			first = created
			stats.Duration.FirstRun = run.CreatedAt
		}

		if last.IsZero() || created.After(last) {
			last = created
			stats.Duration.LastRun = run.CreatedAt
		}
	}

	if scoreCount > 0 {
		avg := scoreSum / float64(scoreCount)
		stats.AverageFeedbackScore = &avg
	}

	if !first.IsZero() {
		stats.Duration.SpanHours = math.Round(last.Sub(first).Hours()*100) / 100
	}

	return stats
}
