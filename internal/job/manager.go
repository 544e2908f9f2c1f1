package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// retryInterval is the fallback wakeup for workers when no lock-release or
// submission signal arrives.
const retryInterval = 2 * time.Second

// sweepInterval is how often the retention sweeper runs.
const sweepInterval = 10 * time.Minute

// Executor runs a job's file operation. Implementations must honor ctx at
// safe points (between archive entries, between copied files) and return
// ctx.Err() when cancelled.
type Executor interface {
	Execute(ctx context.Context, j *Job) (outputPath string, err error)
}

// Config tunes the manager.
type Config struct {
	Workers   int           // worker pool size (default 4)
	MaxQueued int           // 0 = unbounded admission
	Retention time.Duration // how long terminal jobs are kept (default 24h)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Manager owns the job queue and registry. It accepts submissions, schedules
// execution on a fixed worker pool with lock-aware FIFO dispatch, records
// state transitions and answers status queries.
type Manager struct {
	registry *Registry
	locks    *LockTable
	exec     Executor
	hub      *Hub
	metrics  *Metrics
	logger   zerolog.Logger
	cfg      Config

	mu      sync.Mutex
	queue   []string // job ids in submission order
	cancels map[string]context.CancelFunc

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. If metrics is nil, none are recorded.
func NewManager(registry *Registry, exec Executor, hub *Hub, metrics *Metrics, cfg Config, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		locks:    NewLockTable(),
		exec:     exec,
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start re-enqueues jobs that were still queued at the last shutdown and
// launches the worker pool and retention sweeper.
func (m *Manager) Start() {
	m.mu.Lock()
	m.queue = append(m.queue, m.registry.QueuedIDs()...)
	depth := len(m.queue)
	m.mu.Unlock()
	if depth > 0 {
		m.logger.Info().Int("jobs", depth).Msg("requeued jobs from previous run")
	}
	m.setQueueDepth(depth)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.runWorker(i)
	}
	m.wg.Add(1)
	go m.runSweeper()
}

// Close stops the workers. Running jobs are cancelled and marked Failed with
// reason "interrupted", matching what restart reconciliation would do.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Submit accepts a job and returns immediately with its id. The job is
// visible to Status from this instant.
func (m *Manager) Submit(projectID, bucketID, userID string, kind Kind, params Params, lockPaths []string) (*Job, error) {
	j := &Job{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		BucketID:  bucketID,
		UserID:    userID,
		Kind:      kind,
		Params:    params,
		LockPaths: lockPaths,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.cfg.MaxQueued > 0 && len(m.queue) >= m.cfg.MaxQueued {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d jobs queued", ErrOverloaded, m.cfg.MaxQueued)
	}
	if err := m.registry.Put(j); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.queue = append(m.queue, j.ID)
	depth := len(m.queue)
	m.mu.Unlock()

	m.setQueueDepth(depth)
	if m.metrics != nil {
		m.metrics.SubmittedTotal.WithLabelValues(string(kind)).Inc()
	}
	m.publish(j)
	m.signal()

	m.logger.Info().Str("job", j.ID).Str("kind", string(kind)).Str("bucket", bucketID).Msg("job submitted")
	return j.Clone(), nil
}

// Status returns the job's current view.
func (m *Manager) Status(id string) (*Job, error) {
	return m.registry.Get(id)
}

// List returns the project's jobs, most recent first.
func (m *Manager) List(projectID string) []*Job {
	return m.registry.ListProject(projectID)
}

// Cancel requests cancellation. Queued jobs cancel immediately; running jobs
// are cancelled cooperatively at the next safe point. Cancelling a job that
// already finished fails with ErrAlreadyTerminal.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	switch {
	case j.State.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, j.State)
	case j.State == StateQueued:
		now := time.Now().UTC()
		j.State = StateCancelled
		j.CancelRequested = true
		j.FinishedAt = &now
		if err := m.registry.Put(j); err != nil {
			return err
		}
		m.dropQueued(id)
		m.publish(j)
		m.logger.Info().Str("job", id).Msg("queued job cancelled")
		return nil
	default: // Running
		j.CancelRequested = true
		if err := m.registry.Put(j); err != nil {
			return err
		}
		if cancel, ok := m.cancels[id]; ok {
			cancel()
		}
		m.logger.Info().Str("job", id).Msg("cancellation requested for running job")
		return nil
	}
}

// Sync-path lock acquisition retries briefly before reporting contention, so
// a short synchronous write waits out a job that is about to release rather
// than failing immediately.
const (
	syncLockAttempts = 5
	syncLockBackoff  = 20 * time.Millisecond
)

// AcquireSync takes the subtree locks for a synchronous operation so it never
// overlaps a running job on the same paths. Returns false when the locks stay
// contended after a few retries.
func (m *Manager) AcquireSync(bucketID string, prefixes []string) (*Lease, bool) {
	for attempt := 1; ; attempt++ {
		lease, ok := m.locks.TryAcquire(bucketID, prefixes)
		if ok {
			return lease, true
		}
		if attempt >= syncLockAttempts {
			return nil, false
		}
		time.Sleep(syncLockBackoff)
	}
}

// ReleaseSync returns locks taken with AcquireSync.
func (m *Manager) ReleaseSync(l *Lease) {
	m.locks.Release(l)
}

// dropQueued removes an id from the queue. Caller holds m.mu.
func (m *Manager) dropQueued(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.setQueueDepth(len(m.queue))
}

// signal wakes one waiting worker without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setQueueDepth(depth int) {
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(depth))
	}
}

func (m *Manager) publish(j *Job) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(Event{
		JobID:     j.ID,
		ProjectID: j.ProjectID,
		BucketID:  j.BucketID,
		Kind:      j.Kind,
		State:     j.State,
		Reason:    j.Reason,
		Time:      time.Now().UTC(),
	})
}

// runWorker pulls runnable jobs until shutdown. Dispatch is lock-aware FIFO:
// the oldest queued job whose subtree locks are all free runs first, so a
// lock-blocked head never starves unrelated jobs.
func (m *Manager) runWorker(id int) {
	defer m.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		for {
			claimed := m.dequeue()
			if claimed == nil {
				break
			}
			m.run(claimed)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-m.locks.Released():
		case <-ticker.C:
		}
	}
}

// claim is a job a worker has taken ownership of, with its lease and the
// context its executor must honor.
type claim struct {
	job   *Job
	lease *Lease
	ctx   context.Context
}

// dequeue scans the queue in FIFO order and claims the first job whose locks
// acquire. Jobs cancelled while queued are discarded here.
func (m *Manager) dequeue() *claim {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Shutting down: leave remaining jobs Queued so the next run requeues
	// them instead of failing them with a dead context.
	if m.ctx.Err() != nil {
		return nil
	}

	for i := 0; i < len(m.queue); {
		id := m.queue[i]
		j, err := m.registry.Get(id)
		if err != nil || j.State != StateQueued {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			continue
		}
		lease, ok := m.locks.TryAcquire(j.BucketID, j.LockPaths)
		if !ok {
			i++
			continue
		}

		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		m.setQueueDepth(len(m.queue))

		now := time.Now().UTC()
		j.State = StateRunning
		j.StartedAt = &now
		if err := m.registry.Put(j); err != nil {
			m.logger.Error().Str("job", id).Err(err).Msg("failed to persist running state")
			m.locks.Release(lease)
			continue
		}

		jobCtx, cancel := context.WithCancel(m.ctx)
		m.cancels[id] = cancel

		if m.metrics != nil {
			m.metrics.RunningJobs.Inc()
			m.metrics.LocksHeld.Set(float64(m.locks.HeldCount()))
		}
		m.publish(j)
		return &claim{job: j, lease: lease, ctx: jobCtx}
	}
	return nil
}

// run executes a claimed job and records its terminal state.
func (m *Manager) run(c *claim) {
	j := c.job
	start := time.Now()
	m.logger.Info().Str("job", j.ID).Str("kind", string(j.Kind)).Msg("job started")

	output, execErr := m.exec.Execute(c.ctx, j.Clone())

	m.locks.Release(c.lease)

	m.mu.Lock()
	if cancel, ok := m.cancels[j.ID]; ok {
		cancel()
		delete(m.cancels, j.ID)
	}

	// Re-read so a cancellation flag set while we were executing is seen.
	current, err := m.registry.Get(j.ID)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error().Str("job", j.ID).Err(err).Msg("job vanished during execution")
		return
	}

	now := time.Now().UTC()
	current.FinishedAt = &now
	switch {
	case execErr == nil:
		current.State = StateSucceeded
		current.OutputPath = output
	case errors.Is(execErr, context.Canceled):
		if current.CancelRequested {
			current.State = StateCancelled
			current.Reason = "cancelled by user"
		} else {
			current.State = StateFailed
			current.Reason = ReasonInterrupted
		}
	default:
		current.State = StateFailed
		current.Reason = execErr.Error()
	}
	if err := m.registry.Put(current); err != nil {
		m.logger.Error().Str("job", j.ID).Err(err).Msg("failed to persist terminal state")
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RunningJobs.Dec()
		m.metrics.LocksHeld.Set(float64(m.locks.HeldCount()))
		m.metrics.CompletedTotal.WithLabelValues(string(current.Kind), string(current.State)).Inc()
		m.metrics.Duration.WithLabelValues(string(current.Kind)).Observe(time.Since(start).Seconds())
	}
	m.publish(current)

	evt := m.logger.Info()
	if current.State == StateFailed {
		evt = m.logger.Error()
	}
	evt.Str("job", j.ID).Str("kind", string(j.Kind)).Str("state", string(current.State)).
		Dur("duration", time.Since(start)).Msg("job finished")
}

// runSweeper evicts terminal jobs older than the retention window.
func (m *Manager) runSweeper() {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.registry.Evict(m.cfg.Retention); n > 0 {
				m.logger.Info().Int("jobs", n).Msg("evicted expired jobs")
			}
		}
	}
}
