// Package core exposes the transport-agnostic operation contract: every
// request is authorized, its paths resolved, and then routed either to a
// synchronous engine call or to the job manager.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/rs/zerolog"

	"github.com/bucketworks/bucketd/internal/access"
	"github.com/bucketworks/bucketd/internal/job"
	"github.com/bucketworks/bucketd/internal/storage"
)

// StagedFile describes an uploaded file already written to a staging
// location by the upload mechanism.
type StagedFile struct {
	OriginalName string
	StagedPath   string
	Size         int64
}

// Listing is the result of a directory listing, partitioned by kind.
type Listing struct {
	Files   []storage.Entry `json:"files"`
	Folders []storage.Entry `json:"folders"`
}

// Service wires the access guard, path resolver, storage engine and job
// manager behind typed operations.
type Service struct {
	guard  *access.Guard
	engine *storage.Engine
	jobs   *job.Manager
	logger zerolog.Logger
}

// NewService creates the service facade.
func NewService(guard *access.Guard, engine *storage.Engine, jobs *job.Manager, logger zerolog.Logger) *Service {
	return &Service{guard: guard, engine: engine, jobs: jobs, logger: logger}
}

// bucket loads bucket metadata and hides buckets that do not belong to the
// given project, so probing bucket ids across projects yields NotFound.
func (s *Service) bucket(projectID, bucketID string) (*storage.BucketMeta, error) {
	meta, err := s.engine.HeadBucket(bucketID)
	if err != nil {
		return nil, err
	}
	if meta.ProjectID != projectID {
		return nil, storage.ErrBucketNotFound
	}
	return meta, nil
}

func (s *Service) authorizeRead(ctx context.Context, projectID, bucketID, userID string) (*storage.BucketMeta, error) {
	meta, err := s.bucket(projectID, bucketID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.AuthorizeRead(ctx, projectID, bucketID, userID, meta.Public); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Service) authorizeWrite(ctx context.Context, projectID, bucketID, userID string) error {
	if _, err := s.bucket(projectID, bucketID); err != nil {
		return err
	}
	return s.guard.AuthorizeWrite(ctx, projectID, bucketID, userID)
}

// CreateBucket provisions storage for a project bucket. The caller must be a
// member of the project; bucket membership itself is being established here.
func (s *Service) CreateBucket(ctx context.Context, projectID, bucketID, userID string, public bool) error {
	if err := s.guard.AuthorizeProject(ctx, projectID, userID); err != nil {
		return err
	}
	return s.engine.CreateBucket(bucketID, projectID, public)
}

// StatBucket returns bucket metadata including current usage.
func (s *Service) StatBucket(ctx context.Context, projectID, bucketID, userID string) (*storage.BucketMeta, error) {
	return s.authorizeRead(ctx, projectID, bucketID, userID)
}

// ListDirectory lists a directory's files and folders.
func (s *Service) ListDirectory(ctx context.Context, projectID, bucketID, dir, userID string) (*Listing, error) {
	if _, err := s.authorizeRead(ctx, projectID, bucketID, userID); err != nil {
		return nil, err
	}
	files, folders, err := s.engine.List(bucketID, dir)
	if err != nil {
		return nil, err
	}
	return &Listing{Files: files, Folders: folders}, nil
}

// GetMetadata returns metadata for one path.
func (s *Service) GetMetadata(ctx context.Context, projectID, bucketID, path, userID string) (*storage.Entry, error) {
	if _, err := s.authorizeRead(ctx, projectID, bucketID, userID); err != nil {
		return nil, err
	}
	return s.engine.Stat(bucketID, path)
}

// Download opens a file for streaming. Allowed for public buckets or
// authorized project members.
func (s *Service) Download(ctx context.Context, projectID, bucketID, path, userID string) (io.ReadCloser, *storage.Entry, error) {
	if _, err := s.authorizeRead(ctx, projectID, bucketID, userID); err != nil {
		return nil, nil, err
	}
	return s.engine.OpenRead(bucketID, path)
}

// withSubtreeLocks runs a synchronous mutation while holding the same subtree
// locks the job scheduler uses, so sync writes and running jobs never touch
// overlapping paths at the same time.
func (s *Service) withSubtreeLocks(bucketID string, paths []string, fn func() error) error {
	prefixes, err := resolvePrefixes(paths...)
	if err != nil {
		return err
	}
	lease, ok := s.jobs.AcquireSync(bucketID, prefixes)
	if !ok {
		return fmt.Errorf("%w: subtree locked by a running job", storage.ErrConflict)
	}
	defer s.jobs.ReleaseSync(lease)
	return fn()
}

// Mkdir creates a directory synchronously.
func (s *Service) Mkdir(ctx context.Context, projectID, bucketID, dir, userID string) error {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return err
	}
	return s.withSubtreeLocks(bucketID, []string{dir}, func() error {
		return s.engine.Mkdir(bucketID, dir)
	})
}

// Move renames a file or directory synchronously.
func (s *Service) Move(ctx context.Context, projectID, bucketID, src, dst, userID string) error {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return err
	}
	return s.withSubtreeLocks(bucketID, []string{src, dst}, func() error {
		return s.engine.Move(bucketID, src, dst)
	})
}

// Copy copies a file or directory synchronously.
func (s *Service) Copy(ctx context.Context, projectID, bucketID, src, dst, userID string) error {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return err
	}
	return s.withSubtreeLocks(bucketID, []string{src, dst}, func() error {
		return s.engine.Copy(ctx, bucketID, src, dst)
	})
}

// Remove deletes a file or directory synchronously.
func (s *Service) Remove(ctx context.Context, projectID, bucketID, target, userID string) error {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return err
	}
	return s.withSubtreeLocks(bucketID, []string{target}, func() error {
		return s.engine.Remove(bucketID, target)
	})
}

// SubmitUpload moves staged files into the bucket directory under their
// original names. Each file is ingested atomically; the first failure stops
// the batch and is reported.
func (s *Service) SubmitUpload(ctx context.Context, projectID, bucketID, dir, userID string, staged []StagedFile) error {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return err
	}
	targets := make([]string, 0, len(staged))
	for _, sf := range staged {
		targets = append(targets, path.Join(dir, sf.OriginalName))
	}
	return s.withSubtreeLocks(bucketID, targets, func() error {
		for _, sf := range staged {
			f, err := os.Open(sf.StagedPath)
			if err != nil {
				return fmt.Errorf("open staged file %s: %w", sf.OriginalName, err)
			}
			err = s.engine.Ingest(bucketID, dir, sf.OriginalName, f, sf.Size)
			_ = f.Close()
			if err != nil {
				return err
			}
			_ = os.Remove(sf.StagedPath)
		}
		return nil
	})
}

// SubmitJob validates and enqueues an asynchronous file operation, returning
// the job immediately.
func (s *Service) SubmitJob(ctx context.Context, projectID, bucketID, userID, kind string, params job.Params) (*job.Job, error) {
	if err := s.authorizeWrite(ctx, projectID, bucketID, userID); err != nil {
		return nil, err
	}
	k, err := job.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	lockPaths, err := lockPathsFor(k, params)
	if err != nil {
		return nil, err
	}
	return s.jobs.Submit(projectID, bucketID, userID, k, params, lockPaths)
}

// resolvePrefixes normalizes logical paths into the bucket-relative prefixes
// used for subtree locking. The bucket id is validated separately; a
// placeholder keeps Resolve's checks purely about the logical path.
func resolvePrefixes(paths ...string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := storage.Resolve("b", p)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// lockPathsFor resolves and validates the subtree prefixes a job touches.
// Validation happens at submission so malformed paths are rejected
// synchronously rather than failing the job later.
func lockPathsFor(kind job.Kind, params job.Params) ([]string, error) {
	switch kind {
	case job.KindZip:
		if len(params.Sources) == 0 || params.Dest == "" {
			return nil, fmt.Errorf("%w: zip requires sources and dest", storage.ErrInvalidPath)
		}
		return resolvePrefixes(append(append([]string(nil), params.Sources...), params.Dest)...)
	case job.KindUnzip:
		if len(params.Sources) != 1 || params.Dest == "" {
			return nil, fmt.Errorf("%w: unzip requires one archive and dest", storage.ErrInvalidPath)
		}
		return resolvePrefixes(params.Sources[0], params.Dest)
	case job.KindDownload:
		if params.URL == "" || params.Dest == "" {
			return nil, fmt.Errorf("%w: download requires url and dest", storage.ErrInvalidPath)
		}
		return resolvePrefixes(params.Dest)
	case job.KindMove, job.KindCopy:
		if len(params.Sources) != 1 || params.Dest == "" {
			return nil, fmt.Errorf("%w: %s requires one source and dest", storage.ErrInvalidPath, kind)
		}
		return resolvePrefixes(params.Sources[0], params.Dest)
	case job.KindRemove:
		if len(params.Sources) == 0 {
			return nil, fmt.Errorf("%w: remove requires sources", storage.ErrInvalidPath)
		}
		return resolvePrefixes(params.Sources...)
	}
	return nil, fmt.Errorf("%w: %q", job.ErrUnknownKind, kind)
}

// jobVisible hides jobs in projects the user cannot read.
func (s *Service) jobVisible(ctx context.Context, j *job.Job, userID string) error {
	if err := s.guard.AuthorizeProject(ctx, j.ProjectID, userID); err != nil {
		if errors.Is(err, access.ErrDenied) {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		return err
	}
	return nil
}

// ProjectVisible reports whether the user may observe the project's jobs.
// Used by the event feed to filter transitions per subscriber.
func (s *Service) ProjectVisible(ctx context.Context, projectID, userID string) bool {
	return s.guard.AuthorizeProject(ctx, projectID, userID) == nil
}

// GetJob returns a job's current view.
func (s *Service) GetJob(ctx context.Context, jobID, userID string) (*job.Job, error) {
	j, err := s.jobs.Status(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.jobVisible(ctx, j, userID); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns the project's jobs, most recent first.
func (s *Service) ListJobs(ctx context.Context, projectID, userID string) ([]*job.Job, error) {
	if err := s.guard.AuthorizeProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.jobs.List(projectID), nil
}

// CancelJob requests cancellation of a job.
func (s *Service) CancelJob(ctx context.Context, jobID, userID string) error {
	j, err := s.jobs.Status(jobID)
	if err != nil {
		return err
	}
	if err := s.jobVisible(ctx, j, userID); err != nil {
		return err
	}
	return s.jobs.Cancel(jobID)
}
