// Package blobstore stores generated artifacts on the local filesystem and
// hands out URLs under the server's artifact route.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore writes artifact bytes under a directory; the API serves that
// directory at baseURL, so Save returns a URL clients can fetch directly.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore creates the artifact directory if needed and returns a store
// handing out URLs under baseURL (e.g. "/artifacts").
func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &FSStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Save writes the artifact under its name and returns its URL. The name is
// reduced to its base so callers cannot escape the artifact directory.
func (s *FSStore) Save(_ context.Context, name string, data []byte, _ string) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	return s.baseURL + "/" + name, nil
}

// Dir returns the directory artifacts are written to, for mounting the
// static file route.
func (s *FSStore) Dir() string {
	return s.dir
}
