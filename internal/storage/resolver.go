package storage

import (
	"fmt"
	"path"
	"strings"
)

// validateBucketID validates a bucket identifier to prevent path traversal.
// This is a defense-in-depth measure that runs at the storage layer even
// though the service facade validates the same identifier at the API layer.
func validateBucketID(id string) error {
	if id == "" {
		return fmt.Errorf("bucket id cannot be empty")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid bucket id")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("separators not allowed in bucket id")
	}
	return nil
}

// Resolve normalizes a logical path inside a bucket and returns its
// bucket-relative slash form. A leading slash is treated as the bucket root.
// Paths whose normalized form would escape the bucket root fail with
// ErrInvalidPath, as do malformed inputs (null bytes, backslash separators).
//
// Resolve is purely lexical; symlink escapes are checked separately by the
// engine against the live filesystem (see checkSymlinks).
func Resolve(bucketID, logical string) (string, error) {
	if err := validateBucketID(bucketID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if strings.ContainsRune(logical, 0) {
		return "", fmt.Errorf("%w: null bytes not allowed", ErrInvalidPath)
	}
	if strings.Contains(logical, "\\") {
		return "", fmt.Errorf("%w: backslash separators not allowed", ErrInvalidPath)
	}

	// Walk segments explicitly rather than relying on path.Clean, which
	// silently drops ".." segments at the root instead of rejecting them.
	var stack []string
	for _, seg := range strings.Split(logical, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: %q escapes bucket root", ErrInvalidPath, logical)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	return path.Join(stack...), nil
}
