package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/tracekeeper/pkg/blobstore"
)

// handleGetAttachment streams a stored attachment.
func (s *server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := s.store.Attachments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "attachment")

		return
	}

	blob, err := s.blobs.Open(r.Context(), att.StoragePath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"attachment content not found"})

			return
		}

		s.log.WithError(err).WithField("attachment", att.ID).
			Error("Opening attachment failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal server error"})

		return
	}
	defer blob.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.FileSize, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

	if _, err := io.Copy(w, blob); err != nil {
		s.log.WithError(err).WithField("attachment", att.ID).
			Warn("Streaming attachment failed")
	}
}
