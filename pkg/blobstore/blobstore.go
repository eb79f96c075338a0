// Package blobstore persists attachment content outside the database,
// either under a local directory or in an S3-compatible bucket.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/fsutil"
)

// ErrNotFound is returned by Open when no blob is stored at a location.
var ErrNotFound = errors.New("blob not found")

// hashChars is the number of hex characters of the content hash used in
// keys.
const hashChars = 16

// Store writes and reads attachment blobs.
type Store interface {
	// Prepare makes the backend ready for writes. Callers treat a failure
	// as fatal for the current request.
	Prepare(ctx context.Context) error

	// Put stores the content of r under key and returns the location to
	// record along with the number of bytes written.
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, int64, error)

	// Open returns the content stored at location.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Delete removes the content stored at location. A missing blob is
	// not an error.
	Delete(ctx context.Context, location string) error

	// Backend names the storage kind for logs and health output.
	Backend() string
}

// SpaceReporter is implemented by backends that can report free capacity.
type SpaceReporter interface {
	FreeBytes(ctx context.Context) (uint64, error)
}

// New creates the backend enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3(log, &cfg.S3), nil
	case cfg.Local.Enabled:
		owner, err := fsutil.ParseOwner(cfg.Local.Owner)
		if err != nil {
			return nil, fmt.Errorf("parsing storage.local.owner: %w", err)
		}

		local := NewLocal(log, cfg.Local.Dir)
		local.SetOwner(owner)

		return local, nil
	default:
		return nil, errors.New("no attachment storage backend enabled")
	}
}

// Key derives the storage key of an attachment:
// <runID>/<blake3 prefix>-<filename>. Identical content uploaded twice
// for one run under one filename maps to the same key.
func Key(runID, filename string, content []byte) string {
	sum := blake3.Sum256(content)

	return sanitize(runID) + "/" + hex.EncodeToString(sum[:])[:hashChars] + "-" + sanitize(filename)
}

// sanitize reduces s to a single safe path segment.
func sanitize(s string) string {
	s = path.Base(strings.ReplaceAll(s, "\\", "/"))

	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(strings.ReplaceAll(b.String(), "..", "_"), ".")
	if out == "" {
		return "file"
	}

	return out
}

// isAllowedKey rejects empty, absolute, unclean, or traversal keys.
func isAllowedKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}

	if strings.Contains(key, "..") {
		return false
	}

	return path.Clean(key) == key
}

func checkKey(key string) error {
	if !isAllowedKey(key) {
		return fmt.Errorf("key %q is not allowed", key)
	}

	return nil
}
