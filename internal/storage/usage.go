package storage

import (
	"sync"
)

// UsageTracker accounts the bytes stored per bucket against an optional
// global ceiling. The quota check and the byte accounting happen inside one
// lock so concurrent writers cannot overshoot the limit between checking and
// recording.
type UsageTracker struct {
	maxBytes  int64 // 0 = unlimited
	usedBytes int64
	perBucket map[string]int64
	mu        sync.RWMutex
}

// NewUsageTracker builds a tracker with a ceiling of maxSizeGB gigabytes.
// Zero disables the ceiling.
func NewUsageTracker(maxSizeGB int) *UsageTracker {
	return &UsageTracker{
		maxBytes:  int64(maxSizeGB) * 1024 * 1024 * 1024,
		perBucket: make(map[string]int64),
	}
}

// MaxBytes reports the configured ceiling in bytes, 0 when unlimited.
func (ut *UsageTracker) MaxBytes() int64 {
	return ut.maxBytes
}

// UsedBytes reports total bytes currently accounted across all buckets.
func (ut *UsageTracker) UsedBytes() int64 {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.usedBytes
}

// BucketUsedBytes reports the bytes accounted to one bucket.
func (ut *UsageTracker) BucketUsedBytes(bucket string) int64 {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.perBucket[bucket]
}

// CanAllocate reports whether bytes would fit under the ceiling right now.
// Advisory only: callers that go on to write must still use Allocate, which
// re-checks under the write lock.
func (ut *UsageTracker) CanAllocate(bytes int64) bool {
	if ut.maxBytes == 0 {
		return true // unlimited
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.usedBytes+bytes <= ut.maxBytes
}

// Allocate accounts bytes to a bucket if they fit under the ceiling, in one
// atomic step. Returns false and records nothing when they do not.
func (ut *UsageTracker) Allocate(bucket string, bytes int64) bool {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if ut.maxBytes > 0 && ut.usedBytes+bytes > ut.maxBytes {
		return false
	}
	ut.usedBytes += bytes
	ut.perBucket[bucket] += bytes
	return true
}

// Release returns bytes previously accounted to a bucket.
func (ut *UsageTracker) Release(bucket string, bytes int64) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.usedBytes -= bytes
	if ut.usedBytes < 0 {
		ut.usedBytes = 0
	}

	ut.perBucket[bucket] -= bytes
	if ut.perBucket[bucket] <= 0 {
		delete(ut.perBucket, bucket)
	}
}

// SetUsed overwrites a bucket's accounted bytes, used when recalculating
// usage from the tree at startup.
func (ut *UsageTracker) SetUsed(bucket string, bytes int64) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	old := ut.perBucket[bucket]
	ut.usedBytes = ut.usedBytes - old + bytes

	if bytes > 0 {
		ut.perBucket[bucket] = bytes
	} else {
		delete(ut.perBucket, bucket)
	}
}

// UsageStats reports usage per bucket and in total.
type UsageStats struct {
	MaxBytes  int64            `json:"max_bytes"`
	UsedBytes int64            `json:"used_bytes"`
	PerBucket map[string]int64 `json:"per_bucket"`
}

// Stats snapshots current usage.
func (ut *UsageTracker) Stats() UsageStats {
	ut.mu.RLock()
	defer ut.mu.RUnlock()

	perBucket := make(map[string]int64, len(ut.perBucket))
	for k, v := range ut.perBucket {
		perBucket[k] = v
	}
	return UsageStats{
		MaxBytes:  ut.maxBytes,
		UsedBytes: ut.usedBytes,
		PerBucket: perBucket,
	}
}
