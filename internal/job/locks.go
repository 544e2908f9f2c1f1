package job

import (
	"strings"
	"sync"
)

// LockTable is the conflict coordinator: it serializes jobs that touch
// overlapping subtrees of the same bucket while letting disjoint subtrees
// proceed concurrently. Locks are in-memory only; after a restart the table
// starts empty and interrupted jobs are reconciled by the registry.
type LockTable struct {
	mu       sync.Mutex
	held     map[string][]string // bucket id -> held prefixes
	released chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		held:     make(map[string][]string),
		released: make(chan struct{}, 1),
	}
}

// Lease represents a set of acquired subtree locks for one job.
type Lease struct {
	bucket   string
	prefixes []string
}

// overlaps reports whether two bucket-relative prefixes conflict: they do
// iff one is an ancestor of (or equal to) the other. The empty prefix is the
// bucket root and conflicts with everything in the bucket.
func overlaps(a, b string) bool {
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// TryAcquire attempts to take every prefix for the bucket without blocking.
// Either all prefixes are acquired or none are.
func (t *LockTable) TryAcquire(bucket string, prefixes []string) (*Lease, bool) {
	if len(prefixes) == 0 {
		return &Lease{bucket: bucket}, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, want := range prefixes {
		for _, have := range t.held[bucket] {
			if overlaps(want, have) {
				return nil, false
			}
		}
	}
	t.held[bucket] = append(t.held[bucket], prefixes...)
	return &Lease{bucket: bucket, prefixes: prefixes}, true
}

// Release returns a lease's prefixes and wakes anyone waiting to retry.
// Releasing is unconditional and idempotent.
func (t *LockTable) Release(l *Lease) {
	if l == nil || len(l.prefixes) == 0 {
		return
	}
	t.mu.Lock()
	held := t.held[l.bucket]
	kept := held[:0]
	for _, have := range held {
		drop := false
		for _, p := range l.prefixes {
			if have == p {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, have)
		}
	}
	if len(kept) == 0 {
		delete(t.held, l.bucket)
	} else {
		t.held[l.bucket] = kept
	}
	t.mu.Unlock()
	l.prefixes = nil

	// Non-blocking signal so the scheduler retries queued jobs.
	select {
	case t.released <- struct{}{}:
	default:
	}
}

// Released returns the channel signalled whenever a lease is released.
func (t *LockTable) Released() <-chan struct{} {
	return t.released
}

// HeldCount returns the number of currently held prefixes across buckets.
func (t *LockTable) HeldCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, prefixes := range t.held {
		n += len(prefixes)
	}
	return n
}
