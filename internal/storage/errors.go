package storage

import "errors"

// Storage error types.
var (
	ErrInvalidPath         = errors.New("invalid path")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("destination already exists")
	ErrInvalidArchiveEntry = errors.New("invalid archive entry")
	ErrBucketExists        = errors.New("bucket already exists")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
)
