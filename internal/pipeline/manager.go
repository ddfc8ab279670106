package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/encnode/internal/events"
	"github.com/smazurov/encnode/internal/logging"
)

// Runner executes one encode job. Tests substitute the real pipeline.
type Runner func(ctx context.Context, cfg Config) (*Result, error)

// StateChangeCallback is called when a job state changes.
type StateChangeCallback func(id string, oldState, newState JobState, err error)

// keepFinishedJobs bounds how many done and failed records stay around.
const keepFinishedJobs = 64

// ManagerOptions configures a new Manager.
type ManagerOptions struct {
	// Runner executes jobs. If nil, uses Run.
	Runner Runner

	// OnStateChange is called when job state transitions (optional).
	OnStateChange StateChangeCallback

	// Bus receives job lifecycle events (optional).
	Bus *events.Bus

	// QueueSize caps pending jobs. Default 64.
	QueueSize int

	// Logger for manager operations. If nil, uses the pipeline module logger.
	Logger *slog.Logger
}

// Manager serializes encode jobs onto the device. Jobs run one at a
// time in submission order; the device encoder is exclusive.
type Manager interface {
	// Submit queues a job. Returns error if the ID is already queued or
	// running, or the queue is full.
	Submit(id string, cfg Config) error

	// GetStatus returns job info. Returns nil if the job is unknown.
	GetStatus(id string) *JobInfo

	// Jobs returns every known job, oldest first.
	Jobs() []*JobInfo

	// IsRunning checks if a job is currently encoding.
	IsRunning(id string) bool

	// Close stops the worker. The running job sees its context
	// cancelled; queued jobs never start.
	Close()
}

// managedJob tracks one job within the manager.
type managedJob struct {
	info JobInfo
	cfg  Config
}

// manager implements the Manager interface.
type manager struct {
	opts   ManagerOptions
	runner Runner
	jobs   map[string]*managedJob
	queue  chan string
	mu     sync.RWMutex
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a job manager and starts its worker.
func NewManager(opts *ManagerOptions) Manager {
	if opts == nil {
		opts = &ManagerOptions{}
	}

	runner := opts.Runner
	if runner == nil {
		runner = Run
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		opts:   *opts,
		runner: runner,
		jobs:   make(map[string]*managedJob),
		queue:  make(chan string, queueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.work()
	return m
}

// Submit queues a job.
func (m *manager) Submit(id string, cfg Config) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}

	m.mu.Lock()
	if job, exists := m.jobs[id]; exists {
		if job.info.State == JobStateQueued || job.info.State == JobStateRunning {
			m.mu.Unlock()
			return fmt.Errorf("job %s already active", id)
		}
	}

	cfg.JobID = id
	if cfg.Bus == nil {
		cfg.Bus = m.opts.Bus
	}
	job := &managedJob{
		info: JobInfo{
			ID:       id,
			State:    JobStateQueued,
			Input:    cfg.Input,
			Output:   cfg.Output,
			QueuedAt: time.Now(),
		},
		cfg: cfg,
	}
	m.jobs[id] = job
	m.mu.Unlock()

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		return fmt.Errorf("job queue full, %s rejected", id)
	}

	m.notifyStateChange(id, "", JobStateQueued, nil)
	m.publishQueued(job)
	m.logger.Info("Job queued", "id", id, "input", cfg.Input)
	return nil
}

// work runs queued jobs one after another.
func (m *manager) work() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.runJob(id)
		}
	}
}

// runJob executes one job and handles state transitions.
func (m *manager) runJob(id string) {
	m.mu.Lock()
	job, exists := m.jobs[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	job.info.State = JobStateRunning
	job.info.StartedAt = time.Now()
	cfg := job.cfg
	m.mu.Unlock()

	m.notifyStateChange(id, JobStateQueued, JobStateRunning, nil)
	m.logger.Info("Job started", "id", id)

	res, err := m.runner(m.ctx, cfg)

	m.mu.Lock()
	job.info.FinishedAt = time.Now()
	var newState JobState
	if err != nil {
		job.info.State = JobStateFailed
		job.info.LastError = err
		newState = JobStateFailed
	} else {
		job.info.State = JobStateDone
		job.info.Result = res
		newState = JobStateDone
	}
	m.pruneLocked()
	m.mu.Unlock()

	m.notifyStateChange(id, JobStateRunning, newState, err)
	m.publishFinished(job, res, err)

	if err != nil {
		m.logger.Error("Job failed", "id", id, "error", err)
	} else {
		m.logger.Info("Job finished", "id", id,
			"frames", res.Frames, "packets", res.Packets, "bytes", res.Bytes)
	}
}

// GetStatus returns job info.
func (m *manager) GetStatus(id string) *JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil
	}

	info := job.info
	return &info
}

// Jobs returns every known job, oldest first.
func (m *manager) Jobs() []*JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*JobInfo, 0, len(m.jobs))
	for _, job := range m.jobs {
		info := job.info
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// IsRunning checks if a job is currently encoding.
func (m *manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	return exists && job.info.State == JobStateRunning
}

// Close stops the worker and waits for the running job to return.
func (m *manager) Close() {
	m.logger.Info("Stopping job manager")
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Job manager stopped")
}

// pruneLocked drops the oldest finished records beyond the keep limit.
// Caller must hold the lock.
func (m *manager) pruneLocked() {
	finished := make([]*managedJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.info.State == JobStateDone || job.info.State == JobStateFailed {
			finished = append(finished, job)
		}
	}
	if len(finished) <= keepFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].info.FinishedAt.Before(finished[j].info.FinishedAt)
	})
	for _, job := range finished[:len(finished)-keepFinishedJobs] {
		delete(m.jobs, job.info.ID)
	}
}

// notifyStateChange invokes the OnStateChange callback if configured.
func (m *manager) notifyStateChange(id string, oldState, newState JobState, err error) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(id, oldState, newState, err)
	}
}

func (m *manager) publishQueued(job *managedJob) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(events.JobQueuedEvent{
		JobID:     job.info.ID,
		Input:     job.info.Input,
		Output:    job.info.Output,
		Timestamp: timestamp(),
	})
}

func (m *manager) publishFinished(job *managedJob, res *Result, err error) {
	if m.opts.Bus == nil {
		return
	}
	ev := events.JobFinishedEvent{
		JobID:     job.info.ID,
		Ok:        err == nil,
		Seconds:   job.info.FinishedAt.Sub(job.info.StartedAt).Seconds(),
		Timestamp: timestamp(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if res != nil {
		ev.Frames = res.Frames
		ev.Packets = res.Packets
		ev.Bytes = res.Bytes
		ev.Seconds = res.Seconds
	}
	m.opts.Bus.Publish(ev)
}
