package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/util"
)

const metaDir = "meta"

// BucketMeta contains bucket metadata.
type BucketMeta struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"` // Total size of stored files (updated incrementally)
}

func (e *Engine) bucketMetaPath(bucketID string) string {
	return path.Join(metaDir, bucketID+".json")
}

// CreateBucket provisions storage for a bucket. Exactly one root storage
// location exists per bucket id.
func (e *Engine) CreateBucket(bucketID, projectID string, public bool) error {
	if err := validateBucketID(bucketID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if _, err := e.fs.Stat(e.bucketMetaPath(bucketID)); err == nil {
		return ErrBucketExists
	}
	if err := e.fs.MkdirAll(e.treePath(bucketID, ""), 0o755); err != nil {
		return fmt.Errorf("create bucket root: %w", err)
	}

	meta := BucketMeta{
		ID:        bucketID,
		ProjectID: projectID,
		Public:    public,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.writeBucketMeta(&meta); err != nil {
		return err
	}
	e.logger.Info().Str("bucket", bucketID).Str("project", projectID).Bool("public", public).Msg("bucket created")
	return nil
}

// HeadBucket returns bucket metadata, with live usage when tracking is on.
func (e *Engine) HeadBucket(bucketID string) (*BucketMeta, error) {
	if err := validateBucketID(bucketID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	data, err := util.ReadFile(e.fs, e.bucketMetaPath(bucketID))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("read bucket meta: %w", err)
	}
	var meta BucketMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse bucket meta: %w", err)
	}
	if e.usage != nil {
		meta.SizeBytes = e.usage.BucketUsedBytes(bucketID)
	}
	return &meta, nil
}

// ListBucketIDs returns the ids of all provisioned buckets.
func (e *Engine) ListBucketIDs() ([]string, error) {
	infos, err := e.fs.ReadDir(metaDir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read meta dir: %w", err)
	}
	var ids []string
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || path.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

func (e *Engine) writeBucketMeta(meta *BucketMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bucket meta: %w", err)
	}
	if err := util.WriteFile(e.fs, e.bucketMetaPath(meta.ID), data, 0o644); err != nil {
		return fmt.Errorf("write bucket meta: %w", err)
	}
	return nil
}

// recalculateUsage walks every bucket tree and seeds the usage tracker.
// Called during initialization before the engine is shared.
func (e *Engine) recalculateUsage() error {
	ids, err := e.ListBucketIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		root := e.treePath(id, "")
		fi, err := e.fs.Stat(root)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return fmt.Errorf("stat bucket root: %w", err)
		}
		size, err := e.sizeOfTree(root, fi)
		if err != nil {
			return err
		}
		e.usage.SetUsed(id, size)
	}
	return nil
}
