// Package ingest applies multipart run submissions to the store.
//
// Every part of a submission is decoded and applied on its own, in body
// order. A failing part is reported in the result and never affects its
// siblings; only a blob store that cannot be prepared, a cancelled
// context, or a panicking handler stops the remaining parts.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/blobstore"
	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/partname"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

// defaultContentType is recorded for attachments sent without one.
const defaultContentType = "application/octet-stream"

// fatalError marks failures that abort the rest of a submission.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	return &fatalError{err: err}
}

// Processor decodes parts and dispatches them to the repositories.
type Processor struct {
	log        logrus.FieldLogger
	decoder    *partname.Decoder
	store      *store.Store
	blobs      blobstore.Store
	outOfBand  map[string]struct{}
	feedbackRq []string
}

// NewProcessor builds a processor for the given ingestion settings.
func NewProcessor(
	log logrus.FieldLogger,
	cfg *config.IngestConfig,
	st *store.Store,
	blobs blobstore.Store,
) (*Processor, error) {
	decoder, err := partname.NewDecoder(cfg.PartPatterns)
	if err != nil {
		return nil, fmt.Errorf("building part name decoder: %w", err)
	}

	outOfBand := make(map[string]struct{}, len(cfg.OutOfBandFields))
	for _, f := range cfg.OutOfBandFields {
		outOfBand[f] = struct{}{}
	}

	return &Processor{
		log:        log.WithField("component", "ingest"),
		decoder:    decoder,
		store:      st,
		blobs:      blobs,
		outOfBand:  outOfBand,
		feedbackRq: slices.Clone(cfg.FeedbackRequiredFields),
	}, nil
}

// submission carries the state of one Process call.
type submission struct {
	system        string
	result        *Result
	blobsPrepared bool
}

// Process applies parts in order on behalf of system, which may be empty
// when the caller is not scoped to a system.
func (p *Processor) Process(ctx context.Context, system string, parts []Part) *Result {
	sub := &submission{system: system, result: newResult()}
	res := sub.result

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			res.abort(err.Error())

			break
		}

		desc, ok := p.decoder.Decode(part.Name)
		if !ok {
			res.Errors = append(res.Errors, "Invalid part name: "+part.Name)

			continue
		}

		err := p.safeHandle(ctx, sub, desc, part)
		if err == nil {
			continue
		}

		var fe *fatalError
		if errors.As(err, &fe) {
			res.abort(fe.Error())

			p.log.WithError(err).WithField("part", part.Name).Error("Aborting submission")

			break
		}

		p.log.WithError(err).WithField("part", part.Name).Debug("Part failed")

		res.Errors = append(res.Errors, fmt.Sprintf("Error processing part %s: %s", part.Name, err))
	}

	if !res.Aborted && len(res.Errors) > 0 {
		res.Success = false
		res.Message = MessageCompletedWithErrors
	}

	p.log.WithFields(logrus.Fields{
		"system":             system,
		"parts":              len(parts),
		"runs_created":       res.Data.RunsCreated,
		"runs_updated":       res.Data.RunsUpdated,
		"fields_updated":     res.Data.FieldsUpdated,
		"feedback_created":   res.Data.FeedbackCreated,
		"attachments_stored": res.Data.AttachmentsStored,
		"errors":             len(res.Errors),
	}).Info("Processed submission")

	return res
}

func (p *Processor) safeHandle(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fatal(fmt.Errorf("panic handling part %s: %v", part.Name, r))
		}
	}()

	return p.handle(ctx, sub, desc, part)
}

func (p *Processor) handle(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	switch desc.Event {
	case config.EventPost:
		if desc.HasField() {
			return p.handleField(ctx, sub, desc, part)
		}

		return p.handleCreate(ctx, sub, desc, part)
	case config.EventPatch:
		if desc.HasField() {
			return p.handleField(ctx, sub, desc, part)
		}

		return p.handleUpdate(ctx, sub, desc, part)
	case config.EventField:
		return p.handleField(ctx, sub, desc, part)
	case config.EventFeedback:
		return p.handleFeedback(ctx, sub, desc, part)
	case config.EventAttachment:
		return p.handleAttachment(ctx, sub, desc, part)
	default:
		return fmt.Errorf("unsupported event %q", desc.Event)
	}
}

func (p *Processor) handleCreate(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	if part.Text == nil {
		return errors.New("Run data must be a string")
	}

	var payload store.RunPayload
	if err := sonic.UnmarshalString(*part.Text, &payload); err != nil {
		return fmt.Errorf("invalid run payload: %w", err)
	}

	if payload.ID == "" {
		payload.ID = desc.RunID
	}

	payload.System = systemRef(sub.system)

	if _, err := p.store.Runs.Create(ctx, &payload); err != nil {
		return err
	}

	sub.result.Data.RunsCreated++

	return nil
}

func (p *Processor) handleUpdate(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	if part.Text == nil {
		return errors.New("Run data must be a string")
	}

	var payload store.RunPayload
	if err := sonic.UnmarshalString(*part.Text, &payload); err != nil {
		return fmt.Errorf("invalid run payload: %w", err)
	}

	payload.System = systemRef(sub.system)

	updated, err := p.store.Runs.Update(ctx, desc.RunID, &payload)
	if err != nil {
		return err
	}

	if !updated {
		return fmt.Errorf("Run %s not found for update", desc.RunID)
	}

	sub.result.Data.RunsUpdated++

	return nil
}

func (p *Processor) handleField(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	if desc.Field == "" {
		return errors.New("Field name is required")
	}

	if _, ok := p.outOfBand[desc.Field]; !ok {
		return fmt.Errorf("Field %s is not allowed for out-of-band storage", desc.Field)
	}

	if part.Text == nil {
		return errors.New("Field data must be a string")
	}

	var value any
	if err := sonic.UnmarshalString(*part.Text, &value); err != nil {
		return fmt.Errorf("invalid field payload: %w", err)
	}

	updated, err := p.store.Runs.UpdateField(ctx, desc.RunID, desc.Field, value, true)
	if err != nil {
		return err
	}

	if !updated {
		return fmt.Errorf("Run %s not found for field update", desc.RunID)
	}

	sub.result.Data.FieldsUpdated++

	return nil
}

func (p *Processor) handleFeedback(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	if part.Text == nil {
		return errors.New("Feedback data must be a string")
	}

	var doc map[string]any
	if err := sonic.UnmarshalString(*part.Text, &doc); err != nil {
		return fmt.Errorf("invalid feedback payload: %w", err)
	}

	for _, field := range p.feedbackRq {
		if isEmpty(doc[field]) {
			return fmt.Errorf("Feedback must include %s", field)
		}
	}

	var payload store.FeedbackPayload
	if err := sonic.UnmarshalString(*part.Text, &payload); err != nil {
		return fmt.Errorf("invalid feedback payload: %w", err)
	}

	if err := p.requireRun(ctx, desc.RunID, "feedback"); err != nil {
		return err
	}

	if _, err := p.store.Feedback.Create(ctx, desc.RunID, &payload); err != nil {
		return err
	}

	sub.result.Data.FeedbackCreated++

	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func (p *Processor) handleAttachment(
	ctx context.Context, sub *submission, desc partname.Descriptor, part Part,
) error {
	if desc.Filename == "" {
		return errors.New("Filename is required for attachments")
	}

	if part.Binary == nil || part.Binary.Open == nil {
		return errors.New("Attachment data must be a file")
	}

	if !sub.blobsPrepared {
		if err := p.blobs.Prepare(ctx); err != nil {
			return fatal(err)
		}

		sub.blobsPrepared = true
	}

	if err := p.requireRun(ctx, desc.RunID, "attachment"); err != nil {
		return err
	}

	data, err := readAll(part.Binary)
	if err != nil {
		return err
	}

	contentType := part.Binary.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	key := blobstore.Key(desc.RunID, desc.Filename, data)

	location, size, err := p.blobs.Put(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storing attachment: %w", err)
	}

	if _, err := p.store.Attachments.Create(ctx, &store.Attachment{
		RunID:       desc.RunID,
		Filename:    desc.Filename,
		ContentType: contentType,
		FileSize:    size,
		StoragePath: location,
	}); err != nil {
		p.discardBlob(ctx, location)

		return err
	}

	sub.result.Data.AttachmentsStored++

	return nil
}

// requireRun fails the part when run id has not been created.
func (p *Processor) requireRun(ctx context.Context, id, what string) error {
	exists, err := p.store.Runs.Exists(ctx, id)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("Run %s not found for %s", id, what)
	}

	return nil
}

// discardBlob removes a blob whose metadata could not be recorded, unless
// an earlier attachment of the same content still references it.
func (p *Processor) discardBlob(ctx context.Context, location string) {
	log := p.log.WithField("location", location)

	refs, err := p.store.Attachments.CountByLocation(ctx, location)
	if err != nil {
		log.WithError(err).Warn("Keeping attachment blob, reference check failed")

		return
	}

	if refs > 0 {
		return
	}

	if err := p.blobs.Delete(ctx, location); err != nil {
		log.WithError(err).Warn("Failed to remove unrecorded attachment blob")
	}
}

func readAll(f *FilePart) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening attachment: %w", err)
	}

	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}

	return data, nil
}

// systemRef returns the payload value forcing the run's system. An
// unscoped caller leaves the stored system untouched.
func systemRef(system string) *string {
	if system == "" {
		return nil
	}

	return &system
}
