// Package filestore keeps uploaded payment evidence. Both stores implement
// ledger.EvidenceStore.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/friendfund/backend/ledger"
)

// Store puts and removes evidence files.
type Store interface {
	ledger.EvidenceStore
	Delete(ctx context.Context, url string) error
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// cleanSegment keeps a path segment to a safe character set so callers
// cannot escape the store root.
func cleanSegment(s string) (string, error) {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "", fmt.Errorf("%w: empty file name", ledger.ErrInvalidArgument)
	}
	return s, nil
}

// Local stores files on disk under Dir and addresses them below BaseURL.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates dir if needed.
func NewLocal(dir, baseURL string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir is the root directory, for serving files over HTTP.
func (l *Local) Dir() string { return l.dir }

// Put writes data to dir/folder/name and returns its URL.
func (l *Local) Put(ctx context.Context, folder, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := cleanSegment(folder)
	if err != nil {
		return "", err
	}
	n, err := cleanSegment(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(l.dir, f), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUpstreamDegraded, err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, f, n), data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUpstreamDegraded, err)
	}
	return l.baseURL + "/" + f + "/" + n, nil
}

// Delete removes a file previously returned by Put. Missing files are not an
// error.
func (l *Local) Delete(ctx context.Context, url string) error {
	rel := strings.TrimPrefix(url, l.baseURL+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %q is not a stored file", ledger.ErrInvalidArgument, url)
	}
	f, err := cleanSegment(parts[0])
	if err != nil {
		return err
	}
	n, err := cleanSegment(parts[1])
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir, f, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ledger.ErrUpstreamDegraded, err)
	}
	return nil
}
