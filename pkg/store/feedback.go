package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

const feedbackColumns = "id, trace_id, run_id, feedback_id, score, comment, metadata, created_at"

// FeedbackRepository persists run feedback. Feedback is never updated.
type FeedbackRepository struct {
	db database.Adapter
}

// NewFeedbackRepository creates a feedback repository on a.
func NewFeedbackRepository(a database.Adapter) *FeedbackRepository {
	return &FeedbackRepository{db: a}
}

// Create records feedback for runID.
func (r *FeedbackRepository) Create(
	ctx context.Context, runID string, p *FeedbackPayload,
) (*Feedback, error) {
	if p.TraceID == "" {
		return nil, errors.New("feedback must include trace_id")
	}

	fb := &Feedback{
		ID:         newID(),
		TraceID:    p.TraceID,
		RunID:      runID,
		FeedbackID: p.FeedbackID,
		Score:      p.Score,
		Comment:    p.Comment,
		CreatedAt:  now(),
	}

	if meta := jsonText(p.Metadata); meta != nil {
		fb.Metadata = meta.(string)
	}

	var score any
	if fb.Score != nil {
		score = *fb.Score
	}

	if _, err := database.Run(ctx, r.db, database.Bind(r.db,
		`INSERT INTO feedback (`+feedbackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		fb.ID, fb.TraceID, fb.RunID, nullable(fb.FeedbackID), score,
		nullable(fb.Comment), nullable(fb.Metadata), fb.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("creating feedback for run %s: %w", runID, err)
	}

	return fb, nil
}

func (r *FeedbackRepository) listBy(ctx context.Context, column, value string) ([]Feedback, error) {
	out := make([]Feedback, 0)
	if err := database.Query(ctx, r.db, &out, database.Bind(r.db,
		`SELECT `+feedbackColumns+` FROM feedback WHERE `+column+` = ? ORDER BY created_at, id`),
		value,
	); err != nil {
		return nil, fmt.Errorf("listing feedback by %s: %w", column, err)
	}

	return out, nil
}

// ListByRun returns the feedback of one run in creation order.
func (r *FeedbackRepository) ListByRun(ctx context.Context, runID string) ([]Feedback, error) {
	return r.listBy(ctx, "run_id", runID)
}

// ListByTrace returns the feedback of one trace in creation order.
func (r *FeedbackRepository) ListByTrace(ctx context.Context, traceID string) ([]Feedback, error) {
	return r.listBy(ctx, "trace_id", traceID)
}
