package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	t.Setenv("BUCKETD_TEST", "1")
	dir := t.TempDir()
	r, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	return r, dir
}

func testJob(id string, state State) *Job {
	return &Job{
		ID:        id,
		ProjectID: "p1",
		BucketID:  "b1",
		Kind:      KindZip,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRegistryPutGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Put(testJob("j1", StateQueued)))

	j, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j.State)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Put(testJob("j1", StateQueued)))

	j, err := r.Get("j1")
	require.NoError(t, err)
	j.State = StateFailed

	again, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, again.State)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, r.Put(testJob("j1", StateQueued)))

	r2, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	j, err := r2.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j.State)
}

func TestReopenMarksRunningAsInterrupted(t *testing.T) {
	r, dir := newTestRegistry(t)
	running := testJob("j1", StateRunning)
	now := time.Now().UTC()
	running.StartedAt = &now
	require.NoError(t, r.Put(running))
	require.NoError(t, r.Put(testJob("j2", StateSucceeded)))

	r2, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)

	j, err := r2.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, ReasonInterrupted, j.Reason)
	require.NotNil(t, j.FinishedAt)

	// Terminal jobs are untouched.
	j2, err := r2.Get("j2")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, j2.State)
}

func TestReopenSkipsCorruptFiles(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, r.Put(testJob("j1", StateQueued)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644))

	r2, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	_, err = r2.Get("j1")
	assert.NoError(t, err)
}

func TestListProjectMostRecentFirst(t *testing.T) {
	r, _ := newTestRegistry(t)
	old := testJob("j-old", StateSucceeded)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, r.Put(old))
	require.NoError(t, r.Put(testJob("j-new", StateQueued)))

	other := testJob("j-other", StateQueued)
	other.ProjectID = "p2"
	require.NoError(t, r.Put(other))

	jobs := r.ListProject("p1")
	require.Len(t, jobs, 2)
	assert.Equal(t, "j-new", jobs[0].ID)
	assert.Equal(t, "j-old", jobs[1].ID)
}

func TestQueuedIDsInSubmissionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i, id := range []string{"j1", "j2", "j3"} {
		j := testJob(id, StateQueued)
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, r.Put(j))
	}
	require.NoError(t, r.Put(testJob("j-done", StateSucceeded)))

	assert.Equal(t, []string{"j1", "j2", "j3"}, r.QueuedIDs())
}

func TestEvict(t *testing.T) {
	r, dir := newTestRegistry(t)

	expired := testJob("j-old", StateSucceeded)
	past := time.Now().UTC().Add(-2 * time.Hour)
	expired.FinishedAt = &past
	require.NoError(t, r.Put(expired))

	fresh := testJob("j-fresh", StateFailed)
	now := time.Now().UTC()
	fresh.FinishedAt = &now
	require.NoError(t, r.Put(fresh))

	require.NoError(t, r.Put(testJob("j-queued", StateQueued)))

	assert.Equal(t, 1, r.Evict(time.Hour))

	_, err := r.Get("j-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("j-fresh")
	assert.NoError(t, err)
	_, err = r.Get("j-queued")
	assert.NoError(t, err)

	// The evicted job's file is gone too.
	_, err = os.Stat(filepath.Join(dir, "j-old.json"))
	assert.True(t, os.IsNotExist(err))
}
