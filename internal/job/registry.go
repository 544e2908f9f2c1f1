package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the durable job store: one JSON file per job under dir, plus
// an in-memory index. Only the Manager mutates jobs; the registry's own lock
// protects the index and file writes.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// syncedWriteFile writes data and fsyncs so job state survives a crash.
// During tests fsync is skipped (BUCKETD_TEST=1) since temp dirs are
// discarded anyway and fsync dominates test time on some platforms.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if os.Getenv("BUCKETD_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// OpenRegistry loads all persisted jobs from dir and reconciles state left
// over from a previous process: jobs found Running are marked Failed with
// reason "interrupted", since partial state of the underlying operation
// cannot be trusted and locks do not survive a restart.
func OpenRegistry(dir string, logger zerolog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{dir: dir, logger: logger, jobs: make(map[string]*Job)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}
	var interrupted int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read job file %s: %w", entry.Name(), err)
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			logger.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable job file")
			continue
		}
		if j.State == StateRunning {
			now := time.Now().UTC()
			j.State = StateFailed
			j.Reason = ReasonInterrupted
			j.FinishedAt = &now
			interrupted++
			if err := r.persist(&j); err != nil {
				return nil, err
			}
		}
		r.jobs[j.ID] = &j
	}
	if interrupted > 0 {
		logger.Warn().Int("jobs", interrupted).Msg("marked in-flight jobs as interrupted after restart")
	}
	return r, nil
}

func (r *Registry) jobPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Registry) persist(j *Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := syncedWriteFile(r.jobPath(j.ID), data, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

// Put stores a job, replacing any previous version.
func (r *Registry) Put(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(j); err != nil {
		return err
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

// ListProject returns the project's jobs, most recent first.
func (r *Registry) ListProject(projectID string) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.ProjectID == projectID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// QueuedIDs returns the ids of queued jobs in submission order. Used at
// startup to rebuild the scheduler queue.
func (r *Registry) QueuedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var queued []*Job
	for _, j := range r.jobs {
		if j.State == StateQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool { return queued[i].CreatedAt.Before(queued[k].CreatedAt) })
	ids := make([]string, len(queued))
	for i, j := range queued {
		ids[i] = j.ID
	}
	return ids
}

// Evict removes terminal jobs that finished before the cutoff and returns
// how many were evicted.
func (r *Registry) Evict(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, j := range r.jobs {
		if !j.State.Terminal() || j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(r.jobPath(id)); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Str("job", id).Err(err).Msg("failed to evict job file")
			continue
		}
		delete(r.jobs, id)
		evicted++
	}
	return evicted
}
