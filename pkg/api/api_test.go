package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/database"
)

const runJSON = `{"trace_id":"t1","name":"chain","run_type":"chain","start_time":1700000000000}`

// newTestServer wires a server on an in-memory database and local
// attachment storage without binding a listener.
func newTestServer(t *testing.T, mutate ...func(cfg *config.Config)) (*server, http.Handler) {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Database = config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}
	cfg.Storage.Local.Dir = filepath.Join(t.TempDir(), "attachments")
	cfg.Rollup.Enabled = false

	for _, m := range mutate {
		m(cfg)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, ok := NewServer(log, cfg).(*server)
	require.True(t, ok)

	db, err := database.Open(context.Background(), log, &cfg.Database)
	require.NoError(t, err)
	require.NoError(t, s.wire(db))

	t.Cleanup(func() { _ = s.Stop() })

	return s, s.buildRouter()
}

func do(
	t *testing.T, h http.Handler, method, path string, body io.Reader, headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

type formPart struct {
	name        string
	filename    string
	contentType string
	body        string
}

// multipartBody encodes parts in order and returns the body with its
// Content-Type header value.
func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for _, p := range parts {
		h := make(textproto.MIMEHeader)

		disposition := fmt.Sprintf(`form-data; name="%s"`, p.name)
		if p.filename != "" {
			disposition += fmt.Sprintf(`; filename="%s"`, p.filename)
		}

		h.Set("Content-Disposition", disposition)

		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}

		w, err := mw.CreatePart(h)
		require.NoError(t, err)

		_, err = w.Write([]byte(p.body))
		require.NoError(t, err)
	}

	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}
