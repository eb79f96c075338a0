package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/fsutil"
)

// Compile-time interface checks.
var (
	_ Store         = (*Local)(nil)
	_ SpaceReporter = (*Local)(nil)
)

// Local stores blobs as files below a root directory. Locations are keys
// relative to the root.
type Local struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.Owner
}

// NewLocal creates a local backend rooted at dir.
func NewLocal(log logrus.FieldLogger, dir string) *Local {
	return &Local{
		log:  log.WithField("component", "blobstore-local"),
		root: filepath.Clean(dir),
	}
}

// Backend implements Store.
func (l *Local) Backend() string {
	return "local"
}

// SetOwner makes every directory and blob written afterwards owned by
// owner. A nil owner keeps the process ownership.
func (l *Local) SetOwner(owner *fsutil.Owner) {
	l.owner = owner
}

// Root returns the directory blobs are written under.
func (l *Local) Root() string {
	return l.root
}

// Prepare creates the root directory.
func (l *Local) Prepare(_ context.Context) error {
	if err := fsutil.MkdirAll(l.root, 0o755, l.owner); err != nil {
		return fmt.Errorf("creating attachment directory %s: %w", l.root, err)
	}

	return nil
}

func (l *Local) resolve(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	full := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the attachment directory", key)
	}

	return full, nil
}

// Put writes r to a temporary file next to the target and renames it into
// place, so readers never see a partial blob.
func (l *Local) Put(_ context.Context, key, _ string, r io.Reader) (string, int64, error) {
	full, err := l.resolve(key)
	if err != nil {
		return "", 0, err
	}

	dir := filepath.Dir(full)
	if err := fsutil.MkdirAll(dir, 0o755, l.owner); err != nil {
		return "", 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()

		return "", 0, fmt.Errorf("writing %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing %s: %w", key, err)
	}

	if err := fsutil.Rename(tmp.Name(), full, l.owner); err != nil {
		return "", 0, fmt.Errorf("renaming into %s: %w", full, err)
	}

	l.log.WithFields(logrus.Fields{
		"key":  key,
		"size": n,
	}).Debug("Stored attachment")

	return key, n, nil
}

// Open implements Store.
func (l *Local) Open(_ context.Context, location string) (io.ReadCloser, error) {
	full, err := l.resolve(location)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full) //nolint:gosec // path checked by resolve
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}

		return nil, fmt.Errorf("opening %s: %w", location, err)
	}

	return f, nil
}

// Delete implements Store.
func (l *Local) Delete(_ context.Context, location string) error {
	full, err := l.resolve(location)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", location, err)
	}

	return nil
}

// FreeBytes reports the free space of the filesystem holding the root.
func (l *Local) FreeBytes(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, l.root)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage of %s: %w", l.root, err)
	}

	return usage.Free, nil
}
