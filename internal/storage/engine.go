// Package storage implements the path resolver and storage operations engine
// for bucket trees backed by a billy.Filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
)

const bucketsDir = "buckets"

// Entry describes a single file or directory produced by List and Stat.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time"`
	Dir     bool      `json:"dir"`
}

// Engine executes filesystem actions against resolved bucket paths.
// All mutation of the storage tree goes through the engine; callers are
// responsible for holding the relevant subtree lock for long-running ops.
type Engine struct {
	fs     billy.Filesystem
	usage  *UsageTracker
	logger zerolog.Logger
}

// NewEngine creates an engine over the given filesystem root.
// If usage is nil, no usage tracking or quota enforcement is applied.
func NewEngine(fs billy.Filesystem, usage *UsageTracker, logger zerolog.Logger) (*Engine, error) {
	if err := fs.MkdirAll(bucketsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create buckets dir: %w", err)
	}
	if err := fs.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create meta dir: %w", err)
	}
	e := &Engine{fs: fs, usage: usage, logger: logger}
	if usage != nil {
		if err := e.recalculateUsage(); err != nil {
			return nil, fmt.Errorf("calculate usage: %w", err)
		}
	}
	return e, nil
}

// resolve maps a logical path to a tree path under buckets/<id>, applying
// lexical normalization and the live symlink escape check.
func (e *Engine) resolve(bucketID, logical string) (string, error) {
	rel, err := Resolve(bucketID, logical)
	if err != nil {
		return "", err
	}
	if err := e.checkSymlinks(bucketID, rel); err != nil {
		return "", err
	}
	return e.treePath(bucketID, rel), nil
}

func (e *Engine) treePath(bucketID, rel string) string {
	if rel == "" {
		return path.Join(bucketsDir, bucketID)
	}
	return path.Join(bucketsDir, bucketID, rel)
}

// checkSymlinks rejects paths that traverse a symbolic link pointing outside
// the bucket root. Components that do not exist yet are fine; only existing
// link components are inspected.
func (e *Engine) checkSymlinks(bucketID, rel string) error {
	if rel == "" {
		return nil
	}
	root := path.Join(bucketsDir, bucketID)
	cur := root
	for _, seg := range strings.Split(rel, "/") {
		cur = path.Join(cur, seg)
		fi, err := e.fs.Lstat(cur)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			// Backends without lstat support cannot hold symlinks.
			if errors.Is(err, billy.ErrNotSupported) {
				return nil
			}
			return fmt.Errorf("lstat %s: %w", cur, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		target, err := e.fs.Readlink(cur)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", cur, err)
		}
		if path.IsAbs(target) {
			return fmt.Errorf("%w: symlink %s escapes bucket root", ErrInvalidPath, seg)
		}
		resolved := path.Clean(path.Join(path.Dir(cur), target))
		if resolved != root && !strings.HasPrefix(resolved, root+"/") {
			return fmt.Errorf("%w: symlink %s escapes bucket root", ErrInvalidPath, seg)
		}
	}
	return nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}

// List returns the files and folders directly under dir, partitioned by kind.
// Kind is captured from the single directory read used to enumerate, never
// re-derived with a second stat pass.
func (e *Engine) List(bucketID, dir string) (files, folders []Entry, err error) {
	p, err := e.resolve(bucketID, dir)
	if err != nil {
		return nil, nil, err
	}
	infos, err := e.fs.ReadDir(p)
	if err != nil {
		if isNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, nil, fmt.Errorf("read dir: %w", err)
	}
	files = []Entry{}
	folders = []Entry{}
	for _, fi := range infos {
		entry := Entry{Name: fi.Name(), ModTime: fi.ModTime(), Dir: fi.IsDir()}
		if fi.IsDir() {
			folders = append(folders, entry)
		} else {
			entry.Size = fi.Size()
			files = append(files, entry)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return files, folders, nil
}

// Stat returns metadata for a single path.
func (e *Engine) Stat(bucketID, logical string) (*Entry, error) {
	p, err := e.resolve(bucketID, logical)
	if err != nil {
		return nil, err
	}
	fi, err := e.fs.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return nil, fmt.Errorf("stat: %w", err)
	}
	entry := &Entry{Name: fi.Name(), ModTime: fi.ModTime(), Dir: fi.IsDir()}
	if !fi.IsDir() {
		entry.Size = fi.Size()
	}
	return entry, nil
}

// Mkdir creates a directory. Creating an existing path fails with ErrConflict.
func (e *Engine) Mkdir(bucketID, logical string) error {
	p, err := e.resolve(bucketID, logical)
	if err != nil {
		return err
	}
	if _, err := e.fs.Stat(p); err == nil {
		return fmt.Errorf("%w: %s", ErrConflict, logical)
	}
	if err := e.fs.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return nil
}

// Move renames src to dst. The destination must not already exist.
func (e *Engine) Move(bucketID, src, dst string) error {
	from, err := e.resolve(bucketID, src)
	if err != nil {
		return err
	}
	to, err := e.resolve(bucketID, dst)
	if err != nil {
		return err
	}
	if _, err := e.fs.Stat(from); err != nil {
		if isNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if _, err := e.fs.Stat(to); err == nil {
		return fmt.Errorf("%w: %s", ErrConflict, dst)
	}
	if err := e.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := e.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Copy recursively copies src to dst. On any failure the partially written
// destination is rolled back before the error is surfaced, so a copy is
// all-or-nothing. Cancellation is checked between files.
func (e *Engine) Copy(ctx context.Context, bucketID, src, dst string) error {
	from, err := e.resolve(bucketID, src)
	if err != nil {
		return err
	}
	to, err := e.resolve(bucketID, dst)
	if err != nil {
		return err
	}
	fi, err := e.fs.Stat(from)
	if err != nil {
		if isNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if _, err := e.fs.Stat(to); err == nil {
		return fmt.Errorf("%w: %s", ErrConflict, dst)
	}

	size, err := e.sizeOfTree(from, fi)
	if err != nil {
		return err
	}
	// Reserve the bytes before copying so concurrent writers cannot jointly
	// overshoot the quota.
	if e.usage != nil && !e.usage.Allocate(bucketID, size) {
		return fmt.Errorf("%w: copy needs %d bytes", ErrQuotaExceeded, size)
	}

	if err := e.copyTree(ctx, from, to, fi); err != nil {
		_ = e.removeTree(to)
		if e.usage != nil {
			e.usage.Release(bucketID, size)
		}
		return err
	}
	return nil
}

func (e *Engine) copyTree(ctx context.Context, from, to string, fi os.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fi.IsDir() {
		if err := e.fs.MkdirAll(to, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", to, err)
		}
		infos, err := e.fs.ReadDir(from)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", from, err)
		}
		for _, child := range infos {
			if err := e.copyTree(ctx, path.Join(from, child.Name()), path.Join(to, child.Name()), child); err != nil {
				return err
			}
		}
		return nil
	}
	return e.copyFile(from, to)
}

func (e *Engine) copyFile(from, to string) error {
	src, err := e.fs.Open(from)
	if err != nil {
		return fmt.Errorf("open %s: %w", from, err)
	}
	defer func() { _ = src.Close() }()

	if err := e.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", to, err)
	}
	dst, err := e.fs.Create(to)
	if err != nil {
		return fmt.Errorf("create %s: %w", to, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s: %w", to, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", to, err)
	}
	return nil
}

// Remove recursively deletes a path. Removing an already-absent path surfaces
// ErrNotFound so the caller can decide retry policy; siblings are untouched.
func (e *Engine) Remove(bucketID, logical string) error {
	p, err := e.resolve(bucketID, logical)
	if err != nil {
		return err
	}
	if p == e.treePath(bucketID, "") {
		return fmt.Errorf("%w: cannot remove bucket root", ErrInvalidPath)
	}
	fi, err := e.fs.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return fmt.Errorf("stat: %w", err)
	}
	size, err := e.sizeOfTree(p, fi)
	if err != nil {
		return err
	}
	if err := e.removeTree(p); err != nil {
		return err
	}
	if e.usage != nil {
		e.usage.Release(bucketID, size)
	}
	return nil
}

// removeTree deletes a path recursively, children first.
func (e *Engine) removeTree(p string) error {
	fi, err := e.fs.Lstat(p)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("lstat %s: %w", p, err)
	}
	if fi.IsDir() {
		infos, err := e.fs.ReadDir(p)
		if err != nil && !isNotExist(err) {
			return fmt.Errorf("read dir %s: %w", p, err)
		}
		for _, child := range infos {
			if err := e.removeTree(path.Join(p, child.Name())); err != nil {
				return err
			}
		}
	}
	if err := e.fs.Remove(p); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// sizeOfTree sums file sizes under a path.
func (e *Engine) sizeOfTree(p string, fi os.FileInfo) (int64, error) {
	if !fi.IsDir() {
		return fi.Size(), nil
	}
	var total int64
	infos, err := e.fs.ReadDir(p)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", p, err)
	}
	for _, child := range infos {
		n, err := e.sizeOfTree(path.Join(p, child.Name()), child)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// OpenRead opens a file for streaming download.
func (e *Engine) OpenRead(bucketID, logical string) (io.ReadCloser, *Entry, error) {
	p, err := e.resolve(bucketID, logical)
	if err != nil {
		return nil, nil, err
	}
	fi, err := e.fs.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return nil, nil, fmt.Errorf("stat: %w", err)
	}
	if fi.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, logical)
	}
	f, err := e.fs.Open(p)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	return f, &Entry{Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Ingest writes an uploaded file into dir under its original name. The data
// is written to a temporary name and renamed into place so a failed upload
// leaves no partial file.
func (e *Engine) Ingest(bucketID, dir, name string, src io.Reader, size int64) error {
	dst, err := e.resolve(bucketID, path.Join(dir, name))
	if err != nil {
		return err
	}
	// Reserve the declared size before writing; released again if the upload
	// fails, settled to the actual byte count once it lands.
	if e.usage != nil && !e.usage.Allocate(bucketID, size) {
		return fmt.Errorf("%w: upload of %d bytes", ErrQuotaExceeded, size)
	}
	unreserve := func() {
		if e.usage != nil {
			e.usage.Release(bucketID, size)
		}
	}
	if err := e.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		unreserve()
		return fmt.Errorf("create parent: %w", err)
	}

	var replaced int64
	if fi, err := e.fs.Stat(dst); err == nil && !fi.IsDir() {
		replaced = fi.Size()
	}

	tmp, err := e.fs.TempFile(path.Dir(dst), ".upload-")
	if err != nil {
		unreserve()
		return fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmp.Name())
		unreserve()
		return fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmp.Name())
		unreserve()
		return fmt.Errorf("close upload: %w", err)
	}
	if err := e.fs.Rename(tmp.Name(), dst); err != nil {
		_ = e.fs.Remove(tmp.Name())
		unreserve()
		return fmt.Errorf("finalize upload: %w", err)
	}
	if e.usage != nil {
		if written != size {
			e.usage.Release(bucketID, size)
			e.usage.Allocate(bucketID, written)
		}
		e.usage.Release(bucketID, replaced)
	}
	e.logger.Debug().Str("bucket", bucketID).Str("path", dst).Int64("bytes", written).Msg("ingested upload")
	return nil
}
