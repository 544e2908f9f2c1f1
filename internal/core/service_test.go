package core

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketworks/bucketd/internal/access"
	"github.com/bucketworks/bucketd/internal/job"
	"github.com/bucketworks/bucketd/internal/storage"
	"github.com/bucketworks/bucketd/testutil"
)

type fixture struct {
	svc    *Service
	fs     billy.Filesystem
	engine *storage.Engine
	jobs   *job.Manager
	store  *testutil.StubProjectStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("BUCKETD_TEST", "1")

	fs := memfs.New()
	engine, err := storage.NewEngine(fs, nil, zerolog.Nop())
	require.NoError(t, err)

	store := testutil.NewStubProjectStore()
	store.Add("p1", "alice", "photos")
	store.Add("p2", "carol", "secrets")
	guard := access.NewGuard(store)

	registry, err := job.OpenRegistry(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	manager := job.NewManager(registry, NewExecutor(engine, storage.FetchOptions{}), job.NewHub(), nil, job.Config{Workers: 1}, zerolog.Nop())
	t.Cleanup(manager.Close)
	manager.Start()

	svc := NewService(guard, engine, manager, zerolog.Nop())
	require.NoError(t, svc.CreateBucket(context.Background(), "p1", "photos", "alice", false))
	require.NoError(t, svc.CreateBucket(context.Background(), "p2", "secrets", "carol", false))
	return &fixture{svc: svc, fs: fs, engine: engine, jobs: manager, store: store}
}

func waitForTerminal(t *testing.T, f *fixture, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := f.svc.GetJob(context.Background(), id, "alice")
		require.NoError(t, err)
		if j.State.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", id)
	return nil
}

func TestCreateBucketRequiresMembership(t *testing.T) {
	f := newFixture(t)
	err := f.svc.CreateBucket(context.Background(), "p1", "more", "mallory", false)
	assert.ErrorIs(t, err, access.ErrDenied)
}

func TestCrossProjectBucketReadsAsNotFound(t *testing.T) {
	f := newFixture(t)

	// The "secrets" bucket exists but belongs to p2; addressing it via p1
	// must be indistinguishable from a missing bucket.
	_, err := f.svc.StatBucket(context.Background(), "p1", "secrets", "alice")
	assert.ErrorIs(t, err, storage.ErrBucketNotFound)

	_, err = f.svc.ListDirectory(context.Background(), "p1", "secrets", "", "alice")
	assert.ErrorIs(t, err, storage.ErrBucketNotFound)
}

func TestSyncOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Mkdir(ctx, "p1", "photos", "cats", "alice"))

	staged := filepath.Join(t.TempDir(), "up.bin")
	require.NoError(t, os.WriteFile(staged, []byte("kitten"), 0o644))
	require.NoError(t, f.svc.SubmitUpload(ctx, "p1", "photos", "cats", "alice", []StagedFile{
		{OriginalName: "tabby.jpg", StagedPath: staged, Size: 6},
	}))

	listing, err := f.svc.ListDirectory(ctx, "p1", "photos", "cats", "alice")
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "tabby.jpg", listing.Files[0].Name)
	assert.Empty(t, listing.Folders)

	entry, err := f.svc.GetMetadata(ctx, "p1", "photos", "cats/tabby.jpg", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), entry.Size)

	rc, entry, err := f.svc.Download(ctx, "p1", "photos", "cats/tabby.jpg", "alice")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "kitten", string(data))
	assert.Equal(t, "tabby.jpg", entry.Name)

	require.NoError(t, f.svc.Move(ctx, "p1", "photos", "cats/tabby.jpg", "cats/moved.jpg", "alice"))
	require.NoError(t, f.svc.Copy(ctx, "p1", "photos", "cats", "cats-copy", "alice"))
	require.NoError(t, f.svc.Remove(ctx, "p1", "photos", "cats", "alice"))

	_, err = f.svc.GetMetadata(ctx, "p1", "photos", "cats-copy/moved.jpg", "alice")
	assert.NoError(t, err)
}

func TestSyncMutationsRespectSubtreeLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Mkdir(ctx, "p1", "photos", "out", "alice"))

	// Hold the subtree lock the way a running job would.
	lease, ok := f.jobs.AcquireSync("photos", []string{"out"})
	require.True(t, ok)

	assert.ErrorIs(t, f.svc.Mkdir(ctx, "p1", "photos", "out/sub", "alice"), storage.ErrConflict)
	assert.ErrorIs(t, f.svc.Remove(ctx, "p1", "photos", "out", "alice"), storage.ErrConflict)
	assert.ErrorIs(t, f.svc.Move(ctx, "p1", "photos", "out", "elsewhere", "alice"), storage.ErrConflict)

	// A disjoint subtree is unaffected.
	assert.NoError(t, f.svc.Mkdir(ctx, "p1", "photos", "free", "alice"))

	f.jobs.ReleaseSync(lease)
	assert.NoError(t, f.svc.Mkdir(ctx, "p1", "photos", "out/sub", "alice"))
}

func TestWriteOperationsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Mkdir(ctx, "p1", "photos", "x", "mallory"), access.ErrDenied)
	assert.ErrorIs(t, f.svc.Remove(ctx, "p1", "photos", "x", ""), access.ErrDenied)
}

func TestPublicBucketAnonymousRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateBucket(ctx, "p1", "pub", "alice", true))
	f.store.Projects["p1"].Buckets = append(f.store.Projects["p1"].Buckets, "pub")

	_, err := f.svc.ListDirectory(ctx, "p1", "pub", "", "")
	assert.NoError(t, err)

	// Anonymous writes stay denied.
	assert.ErrorIs(t, f.svc.Mkdir(ctx, "p1", "pub", "x", ""), access.ErrDenied)
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitJob(ctx, "p1", "photos", "alice", "transmogrify", job.Params{})
	assert.ErrorIs(t, err, job.ErrUnknownKind)

	// Missing required params per kind.
	_, err = f.svc.SubmitJob(ctx, "p1", "photos", "alice", "zip", job.Params{Dest: "out.zip"})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
	_, err = f.svc.SubmitJob(ctx, "p1", "photos", "alice", "unzip", job.Params{Sources: []string{"a.zip", "b.zip"}, Dest: "d"})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
	_, err = f.svc.SubmitJob(ctx, "p1", "photos", "alice", "download", job.Params{Dest: "d"})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
	_, err = f.svc.SubmitJob(ctx, "p1", "photos", "alice", "remove", job.Params{})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)

	// Traversal in a job path is rejected at submission.
	_, err = f.svc.SubmitJob(ctx, "p1", "photos", "alice", "remove", job.Params{Sources: []string{"../escape"}})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestSubmitJobRunsZip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Mkdir(ctx, "p1", "photos", "docs", "alice"))
	staged := filepath.Join(t.TempDir(), "s")
	require.NoError(t, os.WriteFile(staged, []byte("content"), 0o644))
	require.NoError(t, f.svc.SubmitUpload(ctx, "p1", "photos", "docs", "alice", []StagedFile{
		{OriginalName: "a.txt", StagedPath: staged, Size: 7},
	}))

	j, err := f.svc.SubmitJob(ctx, "p1", "photos", "alice", "zip", job.Params{
		Sources: []string{"docs"},
		Dest:    "out.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateQueued, j.State)

	done := waitForTerminal(t, f, j.ID)
	assert.Equal(t, job.StateSucceeded, done.State)
	assert.Equal(t, "out.zip", done.OutputPath)

	_, err = f.svc.GetMetadata(ctx, "p1", "photos", "out.zip", "alice")
	assert.NoError(t, err)
}

func TestSubmitJobRunsUnzip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	archive := testutil.ZipBytes(t, map[string]string{
		"docs/a.txt": "alpha",
		"docs/b.txt": "beta",
	})
	staged := testutil.TempFile(t, t.TempDir(), "bundle.zip", string(archive))
	require.NoError(t, f.svc.SubmitUpload(ctx, "p1", "photos", "", "alice", []StagedFile{
		{OriginalName: "bundle.zip", StagedPath: staged, Size: int64(len(archive))},
	}))

	j, err := f.svc.SubmitJob(ctx, "p1", "photos", "alice", "unzip", job.Params{
		Sources: []string{"bundle.zip"},
		Dest:    "restored",
	})
	require.NoError(t, err)

	done := waitForTerminal(t, f, j.ID)
	require.Equal(t, job.StateSucceeded, done.State)

	entry, err := f.svc.GetMetadata(ctx, "p1", "photos", "restored/docs/a.txt", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Size)
}

func TestListSeededTree(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, map[string]string{
		"buckets/photos/pics/one.jpg": "1",
		"buckets/photos/pics/two.jpg": "22",
	})

	listing, err := f.svc.ListDirectory(context.Background(), "p1", "photos", "pics", "alice")
	require.NoError(t, err)
	require.Len(t, listing.Files, 2)
	assert.Equal(t, "one.jpg", listing.Files[0].Name)
	assert.Equal(t, "two.jpg", listing.Files[1].Name)
}

func TestJobsHiddenAcrossProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.SubmitJob(ctx, "p1", "photos", "alice", "remove", job.Params{Sources: []string{"nothing"}})
	require.NoError(t, err)

	// A member of another project sees NotFound, not Denied.
	_, err = f.svc.GetJob(ctx, j.ID, "carol")
	assert.ErrorIs(t, err, job.ErrNotFound)
	err = f.svc.CancelJob(ctx, j.ID, "carol")
	assert.ErrorIs(t, err, job.ErrNotFound)

	_, err = f.svc.ListJobs(ctx, "p1", "carol")
	assert.ErrorIs(t, err, access.ErrDenied)

	jobs, err := f.svc.ListJobs(ctx, "p1", "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)
}

func TestProjectVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.svc.ProjectVisible(ctx, "p1", "alice"))
	assert.False(t, f.svc.ProjectVisible(ctx, "p1", "carol"))
	assert.False(t, f.svc.ProjectVisible(ctx, "nope", "alice"))
}

func TestUploadCleansStagedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "s")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0o644))
	require.NoError(t, f.svc.SubmitUpload(ctx, "p1", "photos", "", "alice", []StagedFile{
		{OriginalName: "f.txt", StagedPath: staged, Size: 1},
	}))

	_, err := os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}
