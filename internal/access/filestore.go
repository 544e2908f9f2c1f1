package access

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileProject is the on-disk shape of a project record.
type fileProject struct {
	ID            string   `yaml:"id"`
	Owner         string   `yaml:"owner"`
	Collaborators []string `yaml:"collaborators"`
	Buckets       []string `yaml:"buckets"`
}

type projectsFile struct {
	Projects []fileProject `yaml:"projects"`
}

// FileStore is a ProjectStore backed by a YAML file. The file is re-read
// when its mtime changes, so project membership can be edited without a
// restart.
type FileStore struct {
	path string

	mu       sync.RWMutex
	projects map[string]*Project
	loadedAt time.Time
}

// OpenFileStore loads the projects file. The file must exist and parse.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read projects file: %w", err)
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse projects file: %w", err)
	}

	projects := make(map[string]*Project, len(pf.Projects))
	for _, p := range pf.Projects {
		if p.ID == "" {
			return fmt.Errorf("parse projects file: project with empty id")
		}
		projects[p.ID] = &Project{
			ID:            p.ID,
			OwnerID:       p.Owner,
			Collaborators: p.Collaborators,
			Buckets:       p.Buckets,
		}
	}

	s.mu.Lock()
	s.projects = projects
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// maybeReload re-reads the file if it changed since the last load. A stale
// view is kept on read or parse errors rather than dropping all projects.
func (s *FileStore) maybeReload() {
	fi, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	stale := fi.ModTime().After(s.loadedAt)
	s.mu.RUnlock()
	if stale {
		_ = s.reload()
	}
}

// GetProject implements ProjectStore.
func (s *FileStore) GetProject(_ context.Context, projectID string) (*Project, error) {
	s.maybeReload()

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	cp := *p
	return &cp, nil
}
