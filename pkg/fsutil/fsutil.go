// Package fsutil applies a configured ownership to the files and
// directories the server creates.
package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Owner is a numeric UID/GID pair.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. It returns nil for an empty string.
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidText, gidText, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidText, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidText)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidText)
	}

	gid, err := strconv.Atoi(gidText)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidText)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// String renders the owner in ParseOwner's format.
func (o *Owner) String() string {
	if o == nil {
		return ""
	}

	return strconv.Itoa(o.UID) + ":" + strconv.Itoa(o.GID)
}

// Chown sets the ownership of path when o is not nil. Failures are
// ignored: an unprivileged server keeps its own ownership.
func (o *Owner) Chown(path string) {
	if o == nil {
		return
	}

	_ = os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates path with its parents and chowns the leaf directory.
func MkdirAll(path string, perm os.FileMode, owner *Owner) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	owner.Chown(path)

	return nil
}

// Rename moves from to to and chowns the result.
func Rename(from, to string, owner *Owner) error {
	if err := os.Rename(from, to); err != nil {
		return err
	}

	owner.Chown(to)

	return nil
}
