// Package testutil provides shared test utilities and fixtures for bucketd tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/bucketworks/bucketd/internal/access"
)

// TempFile creates a file with the given content under dir and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// WriteTree writes the given path->content map into fs. Parent directories
// are created as needed.
func WriteTree(t *testing.T, fs billy.Filesystem, files map[string]string) {
	t.Helper()
	for path, content := range files {
		if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		if err := util.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

// ZipBytes builds an in-memory zip archive from entry name to content.
// Entry names are used verbatim, so traversal payloads can be constructed.
func ZipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

// StubProjectStore is an in-memory access.ProjectStore.
type StubProjectStore struct {
	Projects map[string]*access.Project
}

// NewStubProjectStore creates an empty stub store.
func NewStubProjectStore() *StubProjectStore {
	return &StubProjectStore{Projects: make(map[string]*access.Project)}
}

// Add registers a project and returns it for further mutation.
func (s *StubProjectStore) Add(id, owner string, buckets ...string) *access.Project {
	p := &access.Project{ID: id, OwnerID: owner, Buckets: buckets}
	s.Projects[id] = p
	return p
}

// GetProject implements access.ProjectStore.
func (s *StubProjectStore) GetProject(_ context.Context, projectID string) (*access.Project, error) {
	p, ok := s.Projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", access.ErrProjectNotFound, projectID)
	}
	return p, nil
}
