package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

const attachmentColumns = "id, run_id, filename, content_type, file_size, storage_path, created_at"

// AttachmentRepository persists attachment metadata. The bytes live in the
// blob store under StoragePath.
type AttachmentRepository struct {
	db database.Adapter
}

// NewAttachmentRepository creates an attachment repository on a.
func NewAttachmentRepository(a database.Adapter) *AttachmentRepository {
	return &AttachmentRepository{db: a}
}

// Create records att, filling in its id and creation time.
func (r *AttachmentRepository) Create(ctx context.Context, att *Attachment) (*Attachment, error) {
	rec := *att
	if rec.ID == "" {
		rec.ID = newID()
	}

	rec.CreatedAt = now()

	if _, err := database.Run(ctx, r.db, database.Bind(r.db,
		`INSERT INTO attachments (`+attachmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.RunID, rec.Filename, nullable(rec.ContentType),
		rec.FileSize, rec.StoragePath, rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("creating attachment for run %s: %w", rec.RunID, err)
	}

	return &rec, nil
}

// Get returns attachment id.
func (r *AttachmentRepository) Get(ctx context.Context, id string) (*Attachment, error) {
	var att Attachment
	if err := database.QueryRow(ctx, r.db, &att, database.Bind(r.db,
		`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`), id,
	); err != nil {
		return nil, fmt.Errorf("getting attachment %s: %w", id, notFound(err))
	}

	return &att, nil
}

// ListByRun returns the attachments of one run in creation order.
func (r *AttachmentRepository) ListByRun(ctx context.Context, runID string) ([]Attachment, error) {
	out := make([]Attachment, 0)
	if err := database.Query(ctx, r.db, &out, database.Bind(r.db,
		`SELECT `+attachmentColumns+` FROM attachments WHERE run_id = ? ORDER BY created_at, id`),
		runID,
	); err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	return out, nil
}

// CountByLocation returns how many attachments reference a stored blob.
// Identical content uploaded twice for a run shares one blob.
func (r *AttachmentRepository) CountByLocation(ctx context.Context, location string) (int64, error) {
	var n int64
	if err := database.QueryRow(ctx, r.db, &n, database.Bind(r.db,
		`SELECT COUNT(*) FROM attachments WHERE storage_path = ?`), location,
	); err != nil {
		return 0, fmt.Errorf("counting attachments at %s: %w", location, err)
	}

	return n, nil
}
