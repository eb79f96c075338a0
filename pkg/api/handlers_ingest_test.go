package api

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/ingest"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

func createSystem(t *testing.T, s *server, name, key string) {
	t.Helper()

	_, err := s.store.Systems.Create(context.Background(), name, "", key)
	require.NoError(t, err)
}

func TestMultipart_FullSuccess(t *testing.T) {
	s, h := newTestServer(t)
	createSystem(t, s, "alpha", "sk-alpha")

	body, contentType := multipartBody(t,
		formPart{name: "post.run1", body: runJSON},
		formPart{name: "feedback.run1", body: `{"trace_id":"t1","score":1}`},
		formPart{
			name: "attachment.run1.notes.txt", filename: "notes.txt",
			contentType: "text/plain", body: "hello",
		},
	)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
		"X-API-Key":    "sk-alpha",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[ingest.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, ingest.MessageCompleted, res.Message)
	assert.Equal(t, &ingest.Counts{RunsCreated: 1, FeedbackCreated: 1, AttachmentsStored: 1}, res.Data)

	run, err := s.store.Runs.Get(context.Background(), "run1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.System)
	assert.Equal(t, "t1", run.TraceID)
}

func TestMultipart_PartialFailure(t *testing.T) {
	_, h := newTestServer(t)

	body, contentType := multipartBody(t,
		formPart{name: "post.run1", body: runJSON},
		formPart{name: "bogus", body: "x"},
		formPart{name: "patch.missing", body: `{"name":"n"}`},
	)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)

	res := decodeBody[ingest.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, ingest.MessageCompletedWithErrors, res.Message)
	assert.Equal(t, 1, res.Data.RunsCreated)
	assert.Equal(t, []string{
		"Invalid part name: bogus",
		"Error processing part patch.missing: Run missing not found for update",
	}, res.Errors)
}

func TestMultipart_UnknownKeyRejected(t *testing.T) {
	s, h := newTestServer(t)

	body, contentType := multipartBody(t, formPart{name: "post.run1", body: runJSON})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
		"X-API-Key":    "sk-unknown",
	})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Invalid API key"}`, rec.Body.String())

	_, err := s.store.Runs.Get(context.Background(), "run1")
	require.Error(t, err)
}

func TestMultipart_InactiveSystemRejected(t *testing.T) {
	s, h := newTestServer(t)
	createSystem(t, s, "alpha", "sk-alpha")

	sys, err := s.store.Systems.GetByName(context.Background(), "alpha")
	require.NoError(t, err)

	inactive := "inactive"
	_, err = s.store.Systems.Update(context.Background(), sys.ID, store.SystemUpdate{Status: &inactive})
	require.NoError(t, err)

	body, contentType := multipartBody(t, formPart{name: "post.run1", body: runJSON})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
		"X-API-Key":    "sk-alpha",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMultipart_MissingKeyIsUnscoped(t *testing.T) {
	s, h := newTestServer(t)

	body, contentType := multipartBody(t, formPart{
		name: "post.run1", body: `{"trace_id":"t1","system":"payload-system"}`,
	})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Only an authenticated caller attributes runs to a system.
	run, err := s.store.Runs.Get(context.Background(), "run1")
	require.NoError(t, err)
	assert.Empty(t, run.System)
}

func TestMultipart_NotMultipart(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart",
		strings.NewReader(`{}`), map[string]string{"Content-Type": "application/json"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestMultipart_Gzip(t *testing.T) {
	s, h := newTestServer(t)

	body, contentType := multipartBody(t, formPart{name: "post.run1", body: runJSON})

	var compressed bytes.Buffer

	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", &compressed, map[string]string{
		"Content-Type":     contentType,
		"Content-Encoding": "gzip",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err = s.store.Runs.Get(context.Background(), "run1")
	require.NoError(t, err)
}

func TestMultipart_UnsupportedEncoding(t *testing.T) {
	_, h := newTestServer(t)

	body, contentType := multipartBody(t, formPart{name: "post.run1", body: runJSON})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type":     contentType,
		"Content-Encoding": "br",
	})

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestMultipart_BodyTooLarge(t *testing.T) {
	_, h := newTestServer(t, func(cfg *config.Config) {
		cfg.Ingest.MaxBodySize = "1KB"
	})

	body, contentType := multipartBody(t, formPart{
		name: "post.run1", body: `{"name":"` + strings.Repeat("x", 4096) + `"}`,
	})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/multipart", body, map[string]string{
		"Content-Type": contentType,
	})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBatch(t *testing.T) {
	s, h := newTestServer(t)
	createSystem(t, s, "alpha", "sk-alpha")

	rec := do(t, h, http.MethodPost, "/api/v1/runs/batch", strings.NewReader(`{
		"patch": [{"id":"r1","end_time":1700000001000}],
		"post": [{"id":"r1","trace_id":"t1","run_type":"chain","start_time":1700000000000}]
	}`), map[string]string{"X-API-Key": "sk-alpha"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[ingest.Result](t, rec)
	assert.Equal(t, &ingest.Counts{RunsCreated: 1, RunsUpdated: 1}, res.Data)

	run, err := s.store.Runs.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.System)
	assert.Equal(t, "1700000001000", run.EndTime)
}

func TestBatch_InvalidJSON(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/batch", strings.NewReader(`{"post":`), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetadataSubmit(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/v1/metadata/submit",
		strings.NewReader(`{"anything":true}`), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
