package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ethpandaops/tracekeeper/pkg/ingest"
)

// requestBody bounds the request body, then decodes its Content-Encoding.
// The decoded stream is bounded as well so a small compressed body cannot
// expand past the limit.
func (s *server) requestBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	raw := http.MaxBytesReader(w, r.Body, s.maxBody)

	decoded, err := ingest.DecodeBody(raw, r.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}

	return http.MaxBytesReader(w, decoded, s.maxBody), nil
}

// writeBodyError answers a request whose body could not be read.
func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxErr):
		writeJSON(w, http.StatusRequestEntityTooLarge,
			envelope{Message: "Request body too large"})
	case errors.Is(err, ingest.ErrUnsupportedEncoding):
		writeJSON(w, http.StatusUnsupportedMediaType,
			envelope{Message: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest,
			envelope{Message: "Invalid request body: " + err.Error()})
	}
}

// writeResult answers with a processing result: 200 when every part
// applied, 500 when processing was aborted and 400 otherwise.
func writeResult(w http.ResponseWriter, res *ingest.Result) {
	status := http.StatusOK

	switch {
	case res.Aborted:
		status = http.StatusInternalServerError
	case !res.Success:
		status = http.StatusBadRequest
	}

	writeJSON(w, status, res)
}

// handleMultipart applies a multipart submission.
func (s *server) handleMultipart(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		writeJSON(w, http.StatusBadRequest,
			envelope{Message: "Content-Type must be multipart/form-data with a boundary"})

		return
	}

	body, err := s.requestBody(w, r)
	if err != nil {
		writeBodyError(w, err)

		return
	}
	defer body.Close()

	parts, err := ingest.ParseMultipart(multipart.NewReader(body, params["boundary"]))
	if err != nil {
		writeBodyError(w, err)

		return
	}

	writeResult(w, s.processor.Process(r.Context(), systemFromContext(r.Context()), parts))
}

// handleBatch applies a JSON batch of run creates and updates.
func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := s.requestBody(w, r)
	if err != nil {
		writeBodyError(w, err)

		return
	}
	defer body.Close()

	var req ingest.BatchRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeBodyError(w, err)

		return
	}

	writeResult(w, s.processor.Process(
		r.Context(), systemFromContext(r.Context()), ingest.FromBatch(&req),
	))
}

// handleMetadataSubmit accepts and discards producer metadata so clients
// that report it do not fail.
func (s *server) handleMetadataSubmit(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, s.maxBody))

	w.WriteHeader(http.StatusOK)
}
