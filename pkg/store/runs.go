package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ethpandaops/tracekeeper/pkg/database"
	"github.com/ethpandaops/tracekeeper/pkg/extract"
)

const runColumns = `id, trace_id, name, run_type, system, thread_id, user_id,
	start_time, end_time, inputs, outputs, events, error, extra, serialized,
	total_tokens, model_name, time_to_first_token, tags, created_at, updated_at`

// writableRunColumns are the columns UpdateField may target.
var writableRunColumns = map[string]struct{}{
	"trace_id": {}, "name": {}, "run_type": {}, "system": {},
	"thread_id": {}, "user_id": {}, "start_time": {}, "end_time": {},
	"inputs": {}, "outputs": {}, "events": {}, "error": {}, "extra": {},
	"serialized": {}, "total_tokens": {}, "model_name": {},
	"time_to_first_token": {}, "tags": {},
}

// ErrUnknownColumn is returned when a field update names a column runs do
// not have.
var ErrUnknownColumn = errors.New("unknown run column")

// RunRepository persists runs and keeps their derived columns current.
type RunRepository struct {
	db      database.Adapter
	systems *SystemRepository
}

// NewRunRepository creates a run repository. systems is used to create
// the referenced system on first use.
func NewRunRepository(a database.Adapter, systems *SystemRepository) *RunRepository {
	return &RunRepository{db: a, systems: systems}
}

// Create inserts a run. A missing id is generated, timestamps are
// normalised to epoch milliseconds and derived columns are extracted from
// the JSON payload fields.
func (r *RunRepository) Create(ctx context.Context, p *RunPayload) (*Run, error) {
	id := p.ID
	if id == "" {
		id = newID()
	}

	system := deref(p.System)
	if system != "" {
		if _, err := r.systems.EnsureExists(ctx, system); err != nil {
			return nil, fmt.Errorf("ensuring system for run %s: %w", id, err)
		}
	}

	threadID := deref(p.ThreadID)
	if threadID == "" {
		threadID = extract.ThreadID([]byte(p.Extra))
	}

	var totalTokens int64
	if p.TotalTokens != nil {
		totalTokens = *p.TotalTokens
	}

	modelName := deref(p.ModelName)

	if hasJSON(p.Outputs) {
		totalTokens = extract.TotalTokens([]byte(p.Outputs))

		if m := extract.ModelName([]byte(p.Outputs)); m != "" {
			modelName = m
		}
	}

	tags, err := tagsText(p.Tags)
	if err != nil {
		return nil, err
	}

	ts := now()

	if _, err := database.Run(ctx, r.db, database.Bind(r.db,
		`INSERT INTO runs (`+runColumns+`) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id,
		nullable(deref(p.TraceID)),
		nullable(deref(p.Name)),
		nullable(deref(p.RunType)),
		nullable(system),
		nullable(threadID),
		nullable(extract.UserID([]byte(p.Extra))),
		timestampText(p.StartTime),
		timestampText(p.EndTime),
		jsonText(p.Inputs),
		jsonText(p.Outputs),
		jsonText(p.Events),
		jsonText(p.Error),
		jsonText(p.Extra),
		jsonText(p.Serialized),
		totalTokens,
		nullable(modelName),
		extract.TimeToFirstToken([]byte(p.Events)),
		tags,
		ts,
		ts,
	); err != nil {
		return nil, fmt.Errorf("creating run %s: %w", id, err)
	}

	return r.Get(ctx, id)
}

// Update merges the present fields of p into run id. Absent fields keep
// their stored values. It reports false when no run has that id.
func (r *RunRepository) Update(ctx context.Context, id string, p *RunPayload) (bool, error) {
	args := database.NewArgs(r.db)
	sets := make([]string, 0, 16)

	set := func(col string, v any) {
		sets = append(sets, col+" = "+args.Add(v))
	}

	if p.TraceID != nil {
		set("trace_id", nullable(*p.TraceID))
	}

	if p.Name != nil {
		set("name", nullable(*p.Name))
	}

	if p.RunType != nil {
		set("run_type", nullable(*p.RunType))
	}

	if p.System != nil {
		if *p.System != "" {
			if _, err := r.systems.EnsureExists(ctx, *p.System); err != nil {
				return false, fmt.Errorf("ensuring system for run %s: %w", id, err)
			}
		}

		set("system", nullable(*p.System))
	}

	if p.StartTime != nil {
		set("start_time", timestampText(p.StartTime))
	}

	if p.EndTime != nil {
		set("end_time", timestampText(p.EndTime))
	}

	if p.Inputs != nil {
		set("inputs", jsonText(p.Inputs))
	}

	switch {
	case p.Outputs != nil:
		set("outputs", jsonText(p.Outputs))
		set("total_tokens", extract.TotalTokens([]byte(p.Outputs)))
		set("model_name", nullable(extract.ModelName([]byte(p.Outputs))))
	default:
		if p.TotalTokens != nil {
			set("total_tokens", *p.TotalTokens)
		}

		if p.ModelName != nil {
			set("model_name", nullable(*p.ModelName))
		}
	}

	if p.Events != nil {
		set("events", jsonText(p.Events))
		set("time_to_first_token", extract.TimeToFirstToken([]byte(p.Events)))
	}

	if p.Error != nil {
		set("error", jsonText(p.Error))
	}

	if p.Extra != nil {
		set("extra", jsonText(p.Extra))

		if p.ThreadID == nil {
			if threadID := extract.ThreadID([]byte(p.Extra)); threadID != "" {
				set("thread_id", threadID)
			}
		}

		if userID := extract.UserID([]byte(p.Extra)); userID != "" {
			set("user_id", userID)
		}
	}

	if p.ThreadID != nil {
		set("thread_id", nullable(*p.ThreadID))
	}

	if p.Serialized != nil {
		set("serialized", jsonText(p.Serialized))
	}

	if p.Tags != nil {
		tags, err := tagsText(p.Tags)
		if err != nil {
			return false, err
		}

		set("tags", tags)
	}

	if len(sets) == 0 {
		return r.exists(ctx, id)
	}

	set("updated_at", now())

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = " + args.Add(id)

	n, err := database.Run(ctx, r.db, query, args.Values()...)
	if err != nil {
		return false, fmt.Errorf("updating run %s: %w", id, err)
	}

	return n > 0, nil
}

// UpdateField writes one column of run id, JSON-encoding value first when
// encode is set. Columns derived from the written field are recomputed.
// It reports false when no run has that id.
func (r *RunRepository) UpdateField(
	ctx context.Context, id, field string, value any, encode bool,
) (bool, error) {
	if _, ok := writableRunColumns[field]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownColumn, field)
	}

	stored := value

	if encode {
		b, err := sonic.Marshal(value)
		if err != nil {
			return false, fmt.Errorf("encoding %s: %w", field, err)
		}

		stored = jsonText(b)
	}

	args := database.NewArgs(r.db)
	sets := []string{field + " = " + args.Add(stored)}

	set := func(col string, v any) {
		sets = append(sets, col+" = "+args.Add(v))
	}

	switch field {
	case "outputs":
		set("total_tokens", extract.TotalTokens(value))
		set("model_name", nullable(extract.ModelName(value)))
	case "events":
		set("time_to_first_token", extract.TimeToFirstToken(value))
	case "extra":
		if threadID := extract.ThreadID(value); threadID != "" {
			set("thread_id", threadID)
		}

		if userID := extract.UserID(value); userID != "" {
			set("user_id", userID)
		}
	}

	set("updated_at", now())

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = " + args.Add(id)

	n, err := database.Run(ctx, r.db, query, args.Values()...)
	if err != nil {
		return false, fmt.Errorf("updating %s of run %s: %w", field, id, err)
	}

	return n > 0, nil
}

func (r *RunRepository) exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := database.QueryRow(ctx, r.db, &n, database.Bind(r.db,
		`SELECT COUNT(*) FROM runs WHERE id = ?`), id,
	); err != nil {
		return false, fmt.Errorf("checking run %s: %w", id, err)
	}

	return n > 0, nil
}

// Get returns run id.
func (r *RunRepository) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := database.QueryRow(ctx, r.db, &run, database.Bind(r.db,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`), id,
	); err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, notFound(err))
	}

	return &run, nil
}

// Exists reports whether run id has been created.
func (r *RunRepository) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := database.QueryRow(ctx, r.db, &n, database.Bind(r.db,
		`SELECT COUNT(*) FROM runs WHERE id = ?`), id,
	); err != nil {
		return false, fmt.Errorf("checking run %s: %w", id, err)
	}

	return n > 0, nil
}

func (r *RunRepository) listBy(
	ctx context.Context, column, value, order string,
) ([]Run, error) {
	runs := make([]Run, 0)
	if err := database.Query(ctx, r.db, &runs, database.Bind(r.db,
		`SELECT `+runColumns+` FROM runs WHERE `+column+` = ? ORDER BY `+order), value,
	); err != nil {
		return nil, fmt.Errorf("listing runs by %s: %w", column, err)
	}

	return runs, nil
}

// ListByTrace returns the runs of a trace in creation order.
func (r *RunRepository) ListByTrace(ctx context.Context, traceID string) ([]Run, error) {
	return r.listBy(ctx, "trace_id", traceID, "created_at, id")
}

// ListByThread returns the runs of a thread, newest first.
func (r *RunRepository) ListByThread(ctx context.Context, threadID string) ([]Run, error) {
	return r.listBy(ctx, "thread_id", threadID, "created_at DESC, id")
}

// ListBySystem returns the runs of a system, newest first.
func (r *RunRepository) ListBySystem(ctx context.Context, system string) ([]Run, error) {
	return r.listBy(ctx, "system", system, "created_at DESC, id")
}

// ListByUser returns the runs of a user, newest first.
func (r *RunRepository) ListByUser(ctx context.Context, userID string) ([]Run, error) {
	return r.listBy(ctx, "user_id", userID, "created_at DESC, id")
}

func (r *RunRepository) where(f RunFilter, args *database.Args) string {
	conds := make([]string, 0, 8)

	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = "+args.Add(v))
		}
	}

	eq("run_type", f.RunType)
	eq("system", f.System)
	eq("model_name", f.ModelName)
	eq("thread_id", f.ThreadID)
	eq("user_id", f.UserID)

	if f.Tag != "" {
		conds = append(conds, "tags IS NOT NULL AND tags LIKE "+args.Add(`%"`+f.Tag+`"%`))
	}

	if ms, ok := extract.EpochMillis(f.StartTimeAfter); ok {
		conds = append(conds, "start_time >= "+args.Add(strconv.FormatInt(ms, 10)))
	}

	if ms, ok := extract.EpochMillis(f.StartTimeBefore); ok {
		conds = append(conds, "start_time <= "+args.Add(strconv.FormatInt(ms, 10)))
	}

	if len(conds) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(conds, " AND ")
}

// Search returns one page of runs matching f, newest first.
func (r *RunRepository) Search(
	ctx context.Context, f RunFilter, limit, offset int,
) ([]Run, error) {
	args := database.NewArgs(r.db)
	query := `SELECT ` + runColumns + ` FROM runs` + r.where(f, args) +
		` ORDER BY created_at DESC, id LIMIT ` + args.Add(limit) +
		` OFFSET ` + args.Add(offset)

	runs := make([]Run, 0)
	if err := database.Query(ctx, r.db, &runs, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("searching runs: %w", err)
	}

	return runs, nil
}

// Count returns the number of runs matching f.
func (r *RunRepository) Count(ctx context.Context, f RunFilter) (int64, error) {
	args := database.NewArgs(r.db)

	var n int64
	if err := database.QueryRow(ctx, r.db, &n,
		`SELECT COUNT(*) FROM runs`+r.where(f, args), args.Values()...,
	); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}

	return n, nil
}

func (r *RunRepository) distinct(ctx context.Context, column string) ([]string, error) {
	values := make([]string, 0)
	if err := database.Query(ctx, r.db, &values,
		`SELECT DISTINCT `+column+` FROM runs
		WHERE `+column+` IS NOT NULL AND `+column+` != ''
		ORDER BY `+column,
	); err != nil {
		return nil, fmt.Errorf("listing distinct %s: %w", column, err)
	}

	return values, nil
}

// DistinctThreadIDs lists every thread id seen on a run.
func (r *RunRepository) DistinctThreadIDs(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "thread_id")
}

// DistinctUserIDs lists every user id seen on a run.
func (r *RunRepository) DistinctUserIDs(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "user_id")
}

// DistinctModelNames lists every model name seen on a run.
func (r *RunRepository) DistinctModelNames(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "model_name")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

func hasJSON(raw json.RawMessage) bool {
	return jsonText(raw) != nil
}

// timestampText normalises a JSON timestamp (RFC 3339 string or epoch
// milliseconds) to an epoch millisecond string, or NULL.
func timestampText(raw json.RawMessage) any {
	if !hasJSON(raw) {
		return nil
	}

	var v any
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return nil
	}

	ms, ok := extract.EpochMillis(v)
	if !ok {
		return nil
	}

	return strconv.FormatInt(ms, 10)
}

// tagsText encodes tags as a JSON array so that a single tag can be
// matched with LIKE '%"tag"%'.
func tagsText(tags *Tags) (any, error) {
	if tags == nil || len(*tags) == 0 {
		return nil, nil
	}

	b, err := sonic.Marshal([]string(*tags))
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}

	return string(b), nil
}
