package core

import (
	"context"
	"fmt"

	"github.com/bucketworks/bucketd/internal/job"
	"github.com/bucketworks/bucketd/internal/storage"
)

// Executor runs job operations against the storage engine. It implements
// job.Executor; the manager holds the relevant subtree locks around Execute.
type Executor struct {
	engine *storage.Engine
	fetch  storage.FetchOptions
}

// NewExecutor creates the job executor.
func NewExecutor(engine *storage.Engine, fetch storage.FetchOptions) *Executor {
	return &Executor{engine: engine, fetch: fetch}
}

// Execute dispatches one job to the engine. The returned output path is
// recorded on the job for zip/unzip/download results.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (string, error) {
	switch j.Kind {
	case job.KindZip:
		return e.engine.Zip(ctx, j.BucketID, j.Params.Sources, j.Params.Dest)
	case job.KindUnzip:
		if err := e.engine.Unzip(ctx, j.BucketID, j.Params.Sources[0], j.Params.Dest); err != nil {
			return "", err
		}
		return j.Params.Dest, nil
	case job.KindDownload:
		if err := e.engine.FetchRemote(ctx, j.BucketID, j.Params.URL, j.Params.Dest, e.fetch); err != nil {
			return "", err
		}
		return j.Params.Dest, nil
	case job.KindMove:
		return "", e.engine.Move(j.BucketID, j.Params.Sources[0], j.Params.Dest)
	case job.KindCopy:
		return "", e.engine.Copy(ctx, j.BucketID, j.Params.Sources[0], j.Params.Dest)
	case job.KindRemove:
		for _, src := range j.Params.Sources {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if err := e.engine.Remove(j.BucketID, src); err != nil {
				return "", err
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: %q", job.ErrUnknownKind, j.Kind)
}
