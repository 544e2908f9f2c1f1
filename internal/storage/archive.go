package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Zip packs the given source paths into a new archive at destArchive and
// returns the archive's logical path. The archive is written to a temporary
// name and renamed into place on success; a failed or cancelled run leaves no
// partial archive. Cancellation is checked between entries.
func (e *Engine) Zip(ctx context.Context, bucketID string, sources []string, destArchive string) (string, error) {
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: no sources", ErrInvalidPath)
	}
	dst, err := e.resolve(bucketID, destArchive)
	if err != nil {
		return "", err
	}
	if _, err := e.fs.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrConflict, destArchive)
	}
	if err := e.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create archive parent: %w", err)
	}

	tmp, err := e.fs.TempFile(path.Dir(dst), ".zip-")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	for _, src := range sources {
		p, err := e.resolve(bucketID, src)
		if err != nil {
			cleanup()
			return "", err
		}
		fi, err := e.fs.Stat(p)
		if err != nil {
			cleanup()
			if isNotExist(err) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, src)
			}
			return "", fmt.Errorf("stat source: %w", err)
		}
		if err := e.zipTree(ctx, zw, p, path.Base(p), fi.IsDir()); err != nil {
			cleanup()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := e.fs.Rename(tmpName, dst); err != nil {
		_ = e.fs.Remove(tmpName)
		return "", fmt.Errorf("finalize archive: %w", err)
	}

	if e.usage != nil {
		if fi, err := e.fs.Stat(dst); err == nil {
			if !e.usage.Allocate(bucketID, fi.Size()) {
				_ = e.fs.Remove(dst)
				return "", fmt.Errorf("%w: archive is %d bytes", ErrQuotaExceeded, fi.Size())
			}
		}
	}
	e.logger.Info().Str("bucket", bucketID).Str("archive", destArchive).Int("sources", len(sources)).Msg("archive created")
	return destArchive, nil
}

// zipTree writes one tree into the archive with entry names rooted at base.
func (e *Engine) zipTree(ctx context.Context, zw *zip.Writer, p, entryName string, dir bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir {
		if _, err := zw.Create(entryName + "/"); err != nil {
			return fmt.Errorf("add dir entry %s: %w", entryName, err)
		}
		infos, err := e.fs.ReadDir(p)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", p, err)
		}
		for _, child := range infos {
			childName := path.Join(entryName, child.Name())
			if err := e.zipTree(ctx, zw, path.Join(p, child.Name()), childName, child.IsDir()); err != nil {
				return err
			}
		}
		return nil
	}

	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("add entry %s: %w", entryName, err)
	}
	f, err := e.fs.Open(p)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write entry %s: %w", entryName, err)
	}
	return nil
}

// sanitizeArchiveEntry validates an archive entry name against zip-slip.
// It returns the cleaned destination-relative path, or ErrInvalidArchiveEntry
// if the name is absolute or would escape the destination directory.
func sanitizeArchiveEntry(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: empty or malformed name", ErrInvalidArchiveEntry)
	}
	norm := strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(norm) {
		return "", fmt.Errorf("%w: absolute entry %q", ErrInvalidArchiveEntry, name)
	}
	var stack []string
	for _, seg := range strings.Split(norm, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: entry %q escapes destination", ErrInvalidArchiveEntry, name)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	if len(stack) == 0 {
		return "", fmt.Errorf("%w: entry %q resolves to destination root", ErrInvalidArchiveEntry, name)
	}
	return path.Join(stack...), nil
}

// Unzip extracts archivePath into destDir. Any single malicious or corrupt
// entry fails the whole operation with ErrInvalidArchiveEntry and every
// extracted entry is removed, so no partially-extracted state remains.
// Cancellation is checked between entries.
func (e *Engine) Unzip(ctx context.Context, bucketID, archivePath, destDir string) error {
	src, err := e.resolve(bucketID, archivePath)
	if err != nil {
		return err
	}
	dst, err := e.resolve(bucketID, destDir)
	if err != nil {
		return err
	}
	fi, err := e.fs.Stat(src)
	if err != nil {
		if isNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, archivePath)
		}
		return fmt.Errorf("stat archive: %w", err)
	}

	f, err := e.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchiveEntry, err)
	}

	// Validate every entry before touching the destination.
	var total int64
	for _, entry := range zr.File {
		if _, err := sanitizeArchiveEntry(entry.Name); err != nil {
			return err
		}
		total += int64(entry.UncompressedSize64)
	}

	destCreated := false
	if _, err := e.fs.Stat(dst); err != nil {
		if !isNotExist(err) {
			return fmt.Errorf("stat destination: %w", err)
		}
		if err := e.fs.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
		destCreated = true
	}

	// When extracting into a pre-existing directory, refuse entries that
	// collide with existing paths instead of overwriting them. Directory
	// entries merge into existing directories.
	if !destCreated {
		for _, entry := range zr.File {
			rel, _ := sanitizeArchiveEntry(entry.Name)
			fi, err := e.fs.Stat(path.Join(dst, rel))
			if err != nil {
				if isNotExist(err) {
					continue
				}
				return fmt.Errorf("stat %s: %w", rel, err)
			}
			if entry.FileInfo().IsDir() && fi.IsDir() {
				continue
			}
			return fmt.Errorf("%w: %s", ErrConflict, rel)
		}
	}

	// Reserve the expanded size up front so concurrent writers cannot
	// jointly overshoot the quota.
	if e.usage != nil && !e.usage.Allocate(bucketID, total) {
		if destCreated {
			_ = e.removeTree(dst)
		}
		return fmt.Errorf("%w: archive expands to %d bytes", ErrQuotaExceeded, total)
	}

	var created []string
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			_ = e.removeTree(created[i])
		}
		if destCreated {
			_ = e.removeTree(dst)
		}
		if e.usage != nil {
			e.usage.Release(bucketID, total)
		}
	}

	var written int64
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			rollback()
			return err
		}
		rel, err := sanitizeArchiveEntry(entry.Name)
		if err != nil {
			rollback()
			return err
		}
		target := path.Join(dst, rel)

		if entry.FileInfo().IsDir() {
			if _, err := e.fs.Stat(target); err == nil {
				// Pre-existing directory: merge, and never roll it back.
				continue
			}
			if err := e.fs.MkdirAll(target, 0o755); err != nil {
				rollback()
				return fmt.Errorf("create dir %s: %w", rel, err)
			}
			created = append(created, target)
			continue
		}

		n, err := e.extractEntry(entry, target)
		if err != nil {
			rollback()
			return err
		}
		created = append(created, target)
		written += n
	}

	if e.usage != nil && written != total {
		// Settle the reservation to the bytes actually written.
		e.usage.Release(bucketID, total)
		e.usage.Allocate(bucketID, written)
	}
	e.logger.Info().Str("bucket", bucketID).Str("archive", archivePath).Str("dest", destDir).Int("entries", len(zr.File)).Msg("archive extracted")
	return nil
}

func (e *Engine) extractEntry(entry *zip.File, target string) (int64, error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open entry %q: %v", ErrInvalidArchiveEntry, entry.Name, err)
	}
	defer func() { _ = rc.Close() }()

	if err := e.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", target, err)
	}
	out, err := e.fs.Create(target)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(out, rc)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("%w: extract entry %q: %v", ErrInvalidArchiveEntry, entry.Name, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", target, err)
	}
	return n, nil
}
