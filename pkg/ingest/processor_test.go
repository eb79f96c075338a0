package ingest_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/blobstore"
	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/database"
	"github.com/ethpandaops/tracekeeper/pkg/ingest"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

type fixture struct {
	db        *database.DB
	store     *store.Store
	blobs     *blobstore.Local
	processor *ingest.Processor
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := database.Open(context.Background(), log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	st := store.New(log, db)
	blobs := blobstore.NewLocal(log, filepath.Join(t.TempDir(), "attachments"))

	return &fixture{
		db:        db,
		store:     st,
		blobs:     blobs,
		processor: newProcessor(t, st, blobs),
	}
}

func newProcessor(t *testing.T, st *store.Store, blobs blobstore.Store) *ingest.Processor {
	t.Helper()

	cfg := &config.IngestConfig{
		OutOfBandFields:        config.DefaultOutOfBandFields,
		FeedbackRequiredFields: config.DefaultFeedbackRequiredFields,
		PartPatterns:           config.DefaultPartPatterns(),
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	p, err := ingest.NewProcessor(log, cfg, st, blobs)
	require.NoError(t, err)

	return p
}

// failingBlobs is a blob store whose directory can never be prepared.
type failingBlobs struct {
	blobstore.Store
}

func (failingBlobs) Prepare(context.Context) error {
	return errors.New("permission denied")
}

const runJSON = `{"trace_id":"t1","name":"chain","run_type":"chain","start_time":1700000000000}`

func TestProcess_CreateFeedbackAttachment(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "alpha", []ingest.Part{
		ingest.TextPart("post.run1", runJSON),
		ingest.TextPart("feedback.run1", `{"trace_id":"t1","score":1,"comment":"good"}`),
		ingest.BytesPart("attachment.run1.report.pdf", "report.pdf", "application/pdf", []byte("%PDF-1.4")),
	})

	assert.True(t, res.Success)
	assert.Equal(t, ingest.MessageCompleted, res.Message)
	assert.Empty(t, res.Errors)
	assert.Equal(t, &ingest.Counts{RunsCreated: 1, FeedbackCreated: 1, AttachmentsStored: 1}, res.Data)

	feedback, err := f.store.Feedback.ListByRun(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, "t1", feedback[0].TraceID)

	attachments, err := f.store.Attachments.ListByRun(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, attachments, 1)

	att := attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, int64(8), att.FileSize)

	rc, err := f.blobs.Open(ctx, att.StoragePath)
	require.NoError(t, err)

	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestProcess_SystemOverridesPayload(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "alpha", []ingest.Part{
		ingest.TextPart("post.run1", `{"system":"spoofed","name":"x"}`),
	})
	require.True(t, res.Success, res.Errors)

	run, err := f.store.Runs.Get(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.System)

	_, err = f.store.Systems.GetByName(ctx, "alpha")
	require.NoError(t, err, "referenced system is created on first use")

	_, err = f.store.Systems.GetByName(ctx, "spoofed")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_PayloadSystemTypeIgnored(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "sys-a", []ingest.Part{
		ingest.TextPart("post.r1", `{"system":42,"tags":"a, b,"}`),
		ingest.TextPart("post.r2", `{"system":{"name":"x"},"tags":["c"]}`),
		ingest.TextPart("patch.r1", `{"system":[1],"tags":"d"}`),
	})
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, &ingest.Counts{RunsCreated: 2, RunsUpdated: 1}, res.Data)

	r1, err := f.store.Runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "sys-a", r1.System)
	assert.Equal(t, `["d"]`, r1.Tags)

	r2, err := f.store.Runs.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "sys-a", r2.System)
	assert.Equal(t, `["c"]`, r2.Tags)
}

func TestProcess_CommaSeparatedTags(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.r1", `{"tags":"a, b,"}`),
		ingest.TextPart("post.r2", `{"tags":7}`),
	})

	assert.Equal(t, 1, res.Data.RunsCreated)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "Error processing part post.r2: "), res.Errors[0])

	run, err := f.store.Runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, run.Tags)
}

func TestProcess_PayloadIDWins(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.from-name", `{"id":"from-payload"}`),
	})
	require.True(t, res.Success, res.Errors)

	_, err := f.store.Runs.Get(ctx, "from-payload")
	require.NoError(t, err)

	_, err = f.store.Runs.Get(ctx, "from-name")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_PatchIsPartial(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "alpha", []ingest.Part{
		ingest.TextPart("post.run1", `{"trace_id":"t1","name":"before","inputs":{"q":"hi"}}`),
		ingest.TextPart("patch.run1", `{"end_time":"2024-01-01T00:00:01Z","outputs":{"generations":[[{"message":{"usage_metadata":{"total_tokens":7}}}]]}}`),
	})
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Data.RunsUpdated)

	run, err := f.store.Runs.Get(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, "before", run.Name)
	assert.Equal(t, "t1", run.TraceID)
	assert.JSONEq(t, `{"q":"hi"}`, run.Inputs)
	assert.Equal(t, "1704067201000", run.EndTime)
	assert.Equal(t, int64(7), run.TotalTokens)
	assert.Equal(t, "alpha", run.System)
}

func TestProcess_PatchUnknownRun(t *testing.T) {
	f := setupFixture(t)

	res := f.processor.Process(context.Background(), "", []ingest.Part{
		ingest.TextPart("patch.run404", `{"name":"x"}`),
	})

	assert.False(t, res.Success)
	assert.False(t, res.Aborted)
	assert.Equal(t, ingest.MessageCompletedWithErrors, res.Message)
	assert.Equal(t, 0, res.Data.RunsUpdated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Error processing part patch.run404: Run run404 not found for update", res.Errors[0])
}

func TestProcess_FieldNotAllowed(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.run1", `{"name":"keep","inputs":{"a":1}}`),
		ingest.TextPart("field.run1.badfield", `"x"`),
	})

	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Data.FieldsUpdated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t,
		"Error processing part field.run1.badfield: Field badfield is not allowed for out-of-band storage",
		res.Errors[0])

	run, err := f.store.Runs.Get(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, "keep", run.Name)
	assert.JSONEq(t, `{"a":1}`, run.Inputs)
}

func TestProcess_FieldAliases(t *testing.T) {
	outputs := `{"generations":[[{"message":{"usage_metadata":{"total_tokens":42},"response_metadata":{"model_name":"gpt-4o"}}}]]}`

	for _, event := range []string{"post", "patch", "field"} {
		t.Run(event, func(t *testing.T) {
			f := setupFixture(t)
			ctx := context.Background()

			res := f.processor.Process(ctx, "", []ingest.Part{
				ingest.TextPart("post.run1", `{"name":"n"}`),
				ingest.TextPart(event+".run1.outputs", outputs),
			})
			require.True(t, res.Success, res.Errors)
			assert.Equal(t, 1, res.Data.RunsCreated, "the field part is not a create")
			assert.Equal(t, 1, res.Data.FieldsUpdated)

			run, err := f.store.Runs.Get(ctx, "run1")
			require.NoError(t, err)
			assert.Equal(t, int64(42), run.TotalTokens)
			assert.Equal(t, "gpt-4o", run.ModelName)
			assert.JSONEq(t, outputs, run.Outputs)
			assert.Equal(t, "n", run.Name)
		})
	}
}

func TestProcess_FieldUnknownRun(t *testing.T) {
	f := setupFixture(t)

	res := f.processor.Process(context.Background(), "", []ingest.Part{
		ingest.TextPart("patch.ghost.inputs", `{"a":1}`),
	})

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Error processing part patch.ghost.inputs: Run ghost not found for field update", res.Errors[0])
}

func TestProcess_FeedbackRequiresTraceID(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	for _, payload := range []string{`{"score":1}`, `{"trace_id":""}`, `{"trace_id":null}`} {
		res := f.processor.Process(ctx, "", []ingest.Part{
			ingest.TextPart("feedback.run1", payload),
		})

		require.Len(t, res.Errors, 1, payload)
		assert.Equal(t, "Error processing part feedback.run1: Feedback must include trace_id", res.Errors[0])
		assert.Equal(t, 0, res.Data.FeedbackCreated)
	}

	feedback, err := f.store.Feedback.ListByRun(ctx, "run1")
	require.NoError(t, err)
	assert.Empty(t, feedback)
}

func TestProcess_FeedbackAndAttachmentRequireRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("feedback.ghost", `{"trace_id":"t1","score":1}`),
		ingest.BytesPart("attachment.ghost.a.txt", "a.txt", "text/plain", []byte("boo")),
	})

	assert.False(t, res.Success)
	assert.Equal(t, []string{
		"Error processing part feedback.ghost: Run ghost not found for feedback",
		"Error processing part attachment.ghost.a.txt: Run ghost not found for attachment",
	}, res.Errors)
	assert.Equal(t, &ingest.Counts{}, res.Data)

	feedback, err := f.store.Feedback.ListByRun(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, feedback)

	assert.NoDirExists(t, filepath.Join(f.blobs.Root(), "ghost"), "no blob is written")
}

func TestProcess_AttachmentInsertFailureRemovesBlob(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.r1", `{}`),
		ingest.BytesPart("attachment.r1.kept.txt", "kept.txt", "", []byte("shared")),
	})
	require.True(t, res.Success, res.Errors)

	_, err := f.db.Exec(ctx, `CREATE TRIGGER reject_attachments BEFORE INSERT ON attachments
		BEGIN SELECT RAISE(ABORT, 'attachments are read-only'); END`)
	require.NoError(t, err)

	res = f.processor.Process(ctx, "", []ingest.Part{
		ingest.BytesPart("attachment.r1.new.txt", "new.txt", "", []byte("fresh")),
		ingest.BytesPart("attachment.r1.kept.txt", "kept.txt", "", []byte("shared")),
	})

	require.Len(t, res.Errors, 2)
	assert.Equal(t, 0, res.Data.AttachmentsStored)

	entries, err := os.ReadDir(filepath.Join(f.blobs.Root(), "r1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the blob still referenced survives")
	assert.True(t, strings.HasSuffix(entries[0].Name(), "kept.txt"), entries[0].Name())
}

func TestProcess_PartialFailureIsolation(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	parts := []ingest.Part{
		ingest.TextPart("post.a", `{"name":"a"}`),
		ingest.TextPart("bogus", `{}`),
		ingest.TextPart("post.b", `not json`),
		ingest.BytesPart("post.c", "c.json", "application/json", []byte(`{}`)),
		ingest.TextPart("post.d", `{"name":"d"}`),
		ingest.TextPart("attachment.a.notes.txt", "plain text"),
		ingest.TextPart("feedback.a", `{"trace_id":"t"}`),
	}

	res := f.processor.Process(ctx, "", parts)

	assert.False(t, res.Success)
	require.Len(t, res.Errors, 4)
	assert.Equal(t, "Invalid part name: bogus", res.Errors[0])
	assert.True(t, strings.HasPrefix(res.Errors[1], "Error processing part post.b: "))
	assert.Equal(t, "Error processing part post.c: Run data must be a string", res.Errors[2])
	assert.Equal(t, "Error processing part attachment.a.notes.txt: Attachment data must be a file", res.Errors[3])
	assert.Equal(t, &ingest.Counts{RunsCreated: 2, FeedbackCreated: 1}, res.Data)

	for _, id := range []string{"a", "d"} {
		_, err := f.store.Runs.Get(ctx, id)
		require.NoError(t, err, id)
	}
}

func TestProcess_DuplicateCreateIsPartError(t *testing.T) {
	f := setupFixture(t)

	res := f.processor.Process(context.Background(), "", []ingest.Part{
		ingest.TextPart("post.dup", `{}`),
		ingest.TextPart("post.dup", `{}`),
	})

	assert.Equal(t, 1, res.Data.RunsCreated)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Error processing part post.dup: ")
}

func TestProcess_BlobStoreFailureAborts(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	p := newProcessor(t, f.store, failingBlobs{})

	res := p.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.before", `{}`),
		ingest.BytesPart("attachment.before.a.bin", "a.bin", "", []byte{1, 2, 3}),
		ingest.TextPart("post.after", `{}`),
	})

	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Equal(t, "Processing failed: permission denied", res.Message)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Data.RunsCreated)

	_, err := f.store.Runs.Get(ctx, "after")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_PanicAborts(t *testing.T) {
	f := setupFixture(t)

	res := f.processor.Process(context.Background(), "", []ingest.Part{
		ingest.TextPart("post.r", `{}`),
		{
			Name: "attachment.r.x.bin",
			Binary: &ingest.FilePart{
				Filename: "x.bin",
				Open:     func() (io.ReadCloser, error) { panic("boom") },
			},
		},
		ingest.TextPart("post.after", `{}`),
	})

	assert.True(t, res.Aborted)
	assert.Contains(t, res.Message, "Processing failed: ")
	assert.Contains(t, res.Message, "boom")
	assert.Equal(t, 1, res.Data.RunsCreated)

	_, err := f.store.Runs.Get(context.Background(), "after")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_CancelledContext(t *testing.T) {
	f := setupFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.processor.Process(ctx, "", []ingest.Part{
		ingest.TextPart("post.a", `{}`),
	})

	assert.True(t, res.Aborted)
	assert.Equal(t, "Processing failed: context canceled", res.Message)
	assert.Equal(t, 0, res.Data.RunsCreated)
}

func TestProcess_AttachmentDirectoryCreated(t *testing.T) {
	f := setupFixture(t)

	res := f.processor.Process(context.Background(), "", []ingest.Part{
		ingest.TextPart("post.r1", `{}`),
		ingest.BytesPart("attachment.r1.data.csv", "data.csv", "", []byte("a,b\n")),
	})
	require.True(t, res.Success, res.Errors)

	info, err := os.Stat(f.blobs.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	attachments, err := f.store.Attachments.ListByRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "application/octet-stream", attachments[0].ContentType)
}

func TestNewProcessor_BadPattern(t *testing.T) {
	_, err := ingest.NewProcessor(logrus.New(), &config.IngestConfig{
		PartPatterns: []config.PartPattern{{Kind: "broken", Event: "post", Pattern: "("}},
	}, nil, nil)
	require.Error(t, err)
}
