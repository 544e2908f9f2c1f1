package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor runs a per-test function, or succeeds immediately.
type stubExecutor struct {
	fn func(ctx context.Context, j *Job) (string, error)
}

func (s *stubExecutor) Execute(ctx context.Context, j *Job) (string, error) {
	if s.fn == nil {
		return "", nil
	}
	return s.fn(ctx, j)
}

func newTestManager(t *testing.T, exec Executor, cfg Config) *Manager {
	t.Helper()
	t.Setenv("BUCKETD_TEST", "1")
	registry, err := OpenRegistry(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	m := NewManager(registry, exec, NewHub(), nil, cfg, zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func waitForState(t *testing.T, m *Manager, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.Status(id)
		require.NoError(t, err)
		if j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := m.Status(id)
	t.Fatalf("job %s never reached %s (last state %s)", id, want, j.State)
	return nil
}

func TestSubmitRunsToSuccess(t *testing.T) {
	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		return "out.zip", nil
	}}, Config{Workers: 2})
	m.Start()

	j, err := m.Submit("p1", "b1", "alice", KindZip, Params{Sources: []string{"docs"}, Dest: "out.zip"}, []string{"docs", "out.zip"})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j.State)

	done := waitForState(t, m, j.ID, StateSucceeded)
	assert.Equal(t, "out.zip", done.OutputPath)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
}

func TestSubmitRecordsFailure(t *testing.T) {
	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		return "", errors.New("disk on fire")
	}}, Config{Workers: 1})
	m.Start()

	j, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"x"}}, []string{"x"})
	require.NoError(t, err)

	done := waitForState(t, m, j.ID, StateFailed)
	assert.Equal(t, "disk on fire", done.Reason)
}

func TestCancelQueuedJob(t *testing.T) {
	// No workers started, so the job stays queued.
	m := newTestManager(t, &stubExecutor{}, Config{Workers: 1})

	j, err := m.Submit("p1", "b1", "alice", KindZip, Params{}, []string{"a"})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(j.ID))

	got, err := m.Status(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	require.NotNil(t, got.FinishedAt)

	// Cancelling again fails: the job is already terminal.
	assert.ErrorIs(t, m.Cancel(j.ID), ErrAlreadyTerminal)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}, Config{Workers: 1})
	m.Start()

	j, err := m.Submit("p1", "b1", "alice", KindCopy, Params{}, []string{"a"})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Cancel(j.ID))

	done := waitForState(t, m, j.ID, StateCancelled)
	assert.Equal(t, "cancelled by user", done.Reason)
}

func TestCancelUnknownJob(t *testing.T) {
	m := newTestManager(t, &stubExecutor{}, Config{Workers: 1})
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
}

func TestMaxQueuedAdmission(t *testing.T) {
	// No workers started, so submissions pile up in the queue.
	m := newTestManager(t, &stubExecutor{}, Config{Workers: 1, MaxQueued: 2})

	_, err := m.Submit("p1", "b1", "alice", KindZip, Params{}, []string{"a"})
	require.NoError(t, err)
	_, err = m.Submit("p1", "b1", "alice", KindZip, Params{}, []string{"b"})
	require.NoError(t, err)

	_, err = m.Submit("p1", "b1", "alice", KindZip, Params{}, []string{"c"})
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestOverlappingJobsSerialize(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxRunning := 0

	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "", nil
	}}, Config{Workers: 4})
	m.Start()

	// All three jobs touch the photos subtree.
	var ids []string
	for _, p := range []string{"photos", "photos/cats", "photos/cats/tabby"} {
		j, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{p}}, []string{p})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		waitForState(t, m, id, StateSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "overlapping jobs must never run concurrently")
}

func TestDisjointJobsRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	bothRunning := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothRunning)
	}()

	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		wg.Done()
		// Hold until the other job is also running, proving concurrency.
		select {
		case <-bothRunning:
			return "", nil
		case <-time.After(5 * time.Second):
			return "", errors.New("peer job never started")
		}
	}}, Config{Workers: 2})
	m.Start()

	j1, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"photos"}}, []string{"photos"})
	require.NoError(t, err)
	j2, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"docs"}}, []string{"docs"})
	require.NoError(t, err)

	waitForState(t, m, j1.ID, StateSucceeded)
	waitForState(t, m, j2.ID, StateSucceeded)
}

func TestBlockedJobDoesNotStarveQueue(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		if j.Params.Sources[0] == "photos" && j.Params.Dest == "" {
			<-release
		}
		return "", nil
	}}, Config{Workers: 2})
	m.Start()

	// First job holds the photos lock until released.
	blocker, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"photos"}}, []string{"photos"})
	require.NoError(t, err)
	// Second job conflicts with the first and must wait.
	blocked, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"photos/cats"}}, []string{"photos/cats"})
	require.NoError(t, err)
	// Third job is disjoint and must overtake the blocked one.
	free, err := m.Submit("p1", "b1", "alice", KindRemove, Params{Sources: []string{"docs"}, Dest: "d"}, []string{"docs"})
	require.NoError(t, err)

	waitForState(t, m, free.ID, StateSucceeded)
	b, err := m.Status(blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, b.State, "conflicting job should still be waiting")

	close(release)
	waitForState(t, m, blocker.ID, StateSucceeded)
	waitForState(t, m, blocked.ID, StateSucceeded)
}

func TestStartRequeuesPersistedJobs(t *testing.T) {
	t.Setenv("BUCKETD_TEST", "1")
	dir := t.TempDir()

	registry, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	queued := testJob("j1", StateQueued)
	require.NoError(t, registry.Put(queued))

	// A fresh manager over the same registry picks the job up.
	reopened, err := OpenRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	m := NewManager(reopened, &stubExecutor{}, NewHub(), nil, Config{Workers: 1}, zerolog.Nop())
	defer m.Close()
	m.Start()

	waitForState(t, m, "j1", StateSucceeded)
}

func TestCloseLeavesQueuedJobsQueued(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	m := newTestManager(t, &stubExecutor{fn: func(ctx context.Context, j *Job) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}}, Config{Workers: 1})
	m.Start()

	// The single worker is pinned on the first job until shutdown.
	blocker, err := m.Submit("p1", "b1", "alice", KindCopy, Params{}, []string{"a"})
	require.NoError(t, err)
	<-started
	waiting, err := m.Submit("p1", "b1", "alice", KindCopy, Params{}, []string{"b"})
	require.NoError(t, err)

	m.Close()

	// The interrupted job records the restart-reconciliation outcome.
	b, err := m.Status(blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, b.State)
	assert.Equal(t, ReasonInterrupted, b.Reason)

	// The job that never started stays Queued so the next Start requeues it.
	w, err := m.Status(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, w.State)
}

func TestAcquireSyncConflictsWithHeldLocks(t *testing.T) {
	m := newTestManager(t, &stubExecutor{}, Config{Workers: 1})

	lease, ok := m.AcquireSync("b1", []string{"out"})
	require.True(t, ok)

	_, ok = m.AcquireSync("b1", []string{"out/sub"})
	assert.False(t, ok, "overlapping prefix must be refused while held")

	m.ReleaseSync(lease)
	again, ok := m.AcquireSync("b1", []string{"out/sub"})
	require.True(t, ok)
	m.ReleaseSync(again)
}

func TestHubReceivesTransitions(t *testing.T) {
	hub := NewHub()
	t.Setenv("BUCKETD_TEST", "1")
	registry, err := OpenRegistry(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	m := NewManager(registry, &stubExecutor{}, hub, nil, Config{Workers: 1}, zerolog.Nop())
	defer m.Close()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	m.Start()
	j, err := m.Submit("p1", "b1", "alice", KindZip, Params{}, []string{"a"})
	require.NoError(t, err)
	waitForState(t, m, j.ID, StateSucceeded)

	var states []State
	timeout := time.After(5 * time.Second)
	for len(states) < 3 {
		select {
		case ev := <-sub.Events:
			require.Equal(t, j.ID, ev.JobID)
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("only saw states %v", states)
		}
	}
	assert.Equal(t, []State{StateQueued, StateRunning, StateSucceeded}, states)
}
