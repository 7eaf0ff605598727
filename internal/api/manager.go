package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bundlemirror/pkg/types"
)

var (
	// ErrBuildRunning is returned when a sync for the same build is already running.
	ErrBuildRunning = errors.New("build sync already running")
	// ErrMaxConcurrency signals that the global concurrency limit has been reached.
	ErrMaxConcurrency = errors.New("maximum concurrent syncs reached")
	// ErrJobNotFound is returned for unknown job keys.
	ErrJobNotFound = errors.New("job not found")
)

// LiveJobKey names the job that syncs whatever build the upstream serves.
const LiveJobKey = "live"

// Syncer performs build syncs.
type Syncer interface {
	Sync(ctx context.Context, build types.Build) (types.Build, error)
	SyncLive(ctx context.Context) (types.Build, error)
}

// JobManager runs syncs in the background, one job per build hash.
type JobManager struct {
	mu             sync.RWMutex
	jobs           map[string]*Job
	syncer         Syncer
	maxConcurrency int
	running        int
	rootCtx        context.Context
	logger         *slog.Logger
	wg             sync.WaitGroup
}

// NewJobManager constructs a manager. Jobs inherit rootCtx.
func NewJobManager(syncer Syncer, maxConcurrency int, rootCtx context.Context, logger *slog.Logger) *JobManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &JobManager{
		jobs:           make(map[string]*Job),
		syncer:         syncer,
		maxConcurrency: maxConcurrency,
		rootCtx:        rootCtx,
		logger:         logger,
	}
}

// StartSync launches a background sync for the requested build.
func (m *JobManager) StartSync(req SyncRequest) (*Job, error) {
	hash := strings.TrimSpace(req.BuildHash)
	if hash == "" {
		return nil, errors.New("build_hash is required")
	}
	if strings.ContainsAny(hash, `/\`) || hash == LiveJobKey {
		return nil, fmt.Errorf("invalid build_hash %q", hash)
	}
	scripts := make([]string, 0, len(req.Scripts))
	for _, s := range req.Scripts {
		if s = strings.TrimSpace(s); s != "" {
			scripts = append(scripts, s)
		}
	}
	if len(scripts) == 0 {
		return nil, errors.New("scripts must include at least one asset")
	}
	build := types.Build{
		Hash:      hash,
		Channel:   strings.TrimSpace(req.Channel),
		Scripts:   scripts,
		GlobalEnv: req.GlobalEnv,
	}
	if build.Channel == "" {
		build.Channel = "canary"
	}
	return m.start(hash, func(ctx context.Context) (types.Build, error) {
		return m.syncer.Sync(ctx, build)
	})
}

// StartLive launches a background sync of the live upstream build.
func (m *JobManager) StartLive() (*Job, error) {
	return m.start(LiveJobKey, m.syncer.SyncLive)
}

func (m *JobManager) start(key string, run func(context.Context) (types.Build, error)) (*Job, error) {
	m.mu.Lock()
	job, exists := m.jobs[key]
	if exists && job.active() {
		m.mu.Unlock()
		return nil, ErrBuildRunning
	}
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	if !exists {
		job = newJob(key)
		m.jobs[key] = job
	}
	m.running++
	ctx, cancel := context.WithCancel(m.rootCtx)
	job.begin(cancel)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("sync job started", "job", key)
	go func() {
		defer m.wg.Done()
		build, err := run(ctx)
		cancel()
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		job.finish(build, err)
		m.logger.Info("sync job finished", "job", key, "status", job.Snapshot().Status, "error", err)
	}()
	return job, nil
}

// ListJobs returns every job, most recently created first.
func (m *JobManager) ListJobs() []JobSummary {
	m.mu.RLock()
	out := make([]JobSummary, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// GetJob returns the job registered under key.
func (m *JobManager) GetJob(key string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[strings.TrimSpace(key)]
	return job, ok
}

// CancelJob requests cancellation of a running job.
func (m *JobManager) CancelJob(key string) error {
	job, ok := m.GetJob(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrJobNotFound)
	}
	if !job.Cancel("cancel requested via API") {
		return fmt.Errorf("job %q not running", key)
	}
	return nil
}

// Shutdown cancels every running job and waits for them to stop.
func (m *JobManager) Shutdown() {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()
	for _, job := range jobs {
		job.Cancel("manager shutdown")
	}
	m.wg.Wait()
}

// Job tracks one sync run and the outcome of the last one.
type Job struct {
	key string

	mu          sync.Mutex
	buildHash   string
	status      JobStatus
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	message     string
	lastError   string
	result      *types.Build
	cancel      context.CancelFunc
	done        chan struct{}

	subMu       sync.RWMutex
	subscribers map[chan JobEvent]struct{}
}

func newJob(key string) *Job {
	j := &Job{
		key:         key,
		createdAt:   time.Now().UTC(),
		subscribers: make(map[chan JobEvent]struct{}),
	}
	if key != LiveJobKey {
		j.buildHash = key
	}
	return j
}

func (j *Job) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == JobStatusRunning || j.status == JobStatusCancelling
}

func (j *Job) begin(cancel context.CancelFunc) {
	now := time.Now().UTC()
	j.mu.Lock()
	j.status = JobStatusRunning
	j.startedAt = &now
	j.completedAt = nil
	j.message = "running"
	j.lastError = ""
	j.result = nil
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()
	j.broadcast("job_started")
}

func (j *Job) finish(build types.Build, err error) {
	now := time.Now().UTC()
	j.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		j.status = JobStatusCancelled
		j.message = "cancelled"
	case err != nil:
		j.status = JobStatusFailed
		j.message = "failed"
		j.lastError = err.Error()
	default:
		j.status = JobStatusCompleted
		j.message = "completed"
		j.result = &build
	}
	if build.Hash != "" {
		j.buildHash = build.Hash
	}
	j.completedAt = &now
	j.cancel = nil
	done := j.done
	status := j.status
	j.mu.Unlock()

	j.broadcast("job_" + string(status))
	close(done)
}

// Wait blocks until the current run finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the running sync.
func (j *Job) Cancel(reason string) bool {
	j.mu.Lock()
	if j.status != JobStatusRunning || j.cancel == nil {
		j.mu.Unlock()
		return false
	}
	j.status = JobStatusCancelling
	j.message = reason
	cancel := j.cancel
	j.mu.Unlock()
	j.broadcast("job_cancelling")
	cancel()
	return true
}

// BuildHash is the hash being synced, known for live jobs once scraped.
func (j *Job) BuildHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buildHash
}

// Result returns the synced build of the last successful run.
func (j *Job) Result() (types.Build, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		return types.Build{}, false
	}
	return *j.result, true
}

// Snapshot returns a copy of the public job state.
func (j *Job) Snapshot() JobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	summary := JobSummary{
		Key:       j.key,
		BuildHash: j.buildHash,
		Status:    j.status,
		CreatedAt: j.createdAt,
		Message:   j.message,
		Error:     j.lastError,
	}
	if j.startedAt != nil {
		started := *j.startedAt
		summary.StartedAt = &started
	}
	if j.completedAt != nil {
		completed := *j.completedAt
		summary.CompletedAt = &completed
	}
	return summary
}

// Subscribe registers an event subscriber. The first event is a snapshot.
func (j *Job) Subscribe() (<-chan JobEvent, func()) {
	ch := make(chan JobEvent, 16)

	j.subMu.Lock()
	j.subscribers[ch] = struct{}{}
	j.subMu.Unlock()

	select {
	case ch <- JobEvent{Type: "snapshot", Timestamp: time.Now().UTC(), Job: j.Snapshot()}:
	default:
	}

	cancel := func() {
		j.subMu.Lock()
		if _, ok := j.subscribers[ch]; ok {
			delete(j.subscribers, ch)
			close(ch)
		}
		j.subMu.Unlock()
	}
	return ch, cancel
}

func (j *Job) broadcast(eventType string) {
	evt := JobEvent{Type: eventType, Timestamp: time.Now().UTC(), Job: j.Snapshot()}
	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for ch := range j.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
