// Package jobs runs transcodes and recordings in the background for serve
// mode and keeps their status, progress and results in memory.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/render"
	"github.com/QVSorrow/low-level-video/internal/storage"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("job manager stopped")
)

// Kind is what a job does.
type Kind string

// Job kinds.
const (
	KindTranscode Kind = "transcode"
	KindRecord    Kind = "record"
)

// Status is where a job is in its life cycle.
type Status string

// Job statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the status is final.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of one job.
type Job struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Status     Status           `json:"status"`
	Input      string           `json:"input,omitempty"`
	Output     string           `json:"output"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Progress   core.Progress    `json:"progress"`
	Frames     int              `json:"frames,omitempty"`
	Error      string           `json:"error,omitempty"`
	Result     *pipeline.Result `json:"result,omitempty"`
}

// TranscodeRequest describes a transcode job. An empty Output gets a
// generated name in the output directory.
type TranscodeRequest struct {
	Input   string
	Output  string
	Options pipeline.Options
}

// RecordRequest describes a recording job.
type RecordRequest struct {
	Output   string
	Options  pipeline.RecordOptions
	Renderer render.Options
}

// Config configures a Manager.
type Config struct {
	Deps pipeline.Deps
	// Outputs is where every job output is written.
	Outputs *storage.Sandbox
	// MaxJobs caps concurrently running jobs; further jobs queue.
	MaxJobs int
	// Retention deletes finished outputs older than this. Zero disables it.
	Retention         time.Duration
	RetentionInterval time.Duration
	// NewRenderer builds recording renderers. Defaults to render.New.
	NewRenderer func(render.Options) (render.Renderer, error)
	Now         func() time.Time
	Logger      *slog.Logger
}

type job struct {
	snap     Job
	cancel   context.CancelFunc
	done     chan struct{}
	tracker  *core.ProgressTracker
	counters *render.Counters
}

// Manager owns the background jobs.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	slots  chan struct{}

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	stop    context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
	stopped bool
}

// NewManager creates a manager. Call Start before submitting jobs.
func NewManager(cfg Config) *Manager {
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRenderer == nil {
		cfg.NewRenderer = render.New
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "jobs")),
		slots:  make(chan struct{}, cfg.MaxJobs),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		stop:   stop,
	}
}

// Start schedules the output retention sweep when retention is enabled.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.cron != nil || m.cfg.Retention <= 0 {
		return nil
	}
	c := cron.New()
	spec := "@every " + m.cfg.RetentionInterval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := m.Sweep(); err != nil {
			m.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling retention sweep %q: %w", spec, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("retention sweep scheduled",
		slog.Duration("retention", m.cfg.Retention),
		slog.Duration("interval", m.cfg.RetentionInterval),
	)
	return nil
}

// Stop cancels every job, waits for them to end and stops the sweep.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.stop()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// StartTranscode validates req and queues the transcode.
func (m *Manager) StartTranscode(req TranscodeRequest) (Job, error) {
	if req.Input == "" {
		return Job{}, errors.New("input is required")
	}
	if err := req.Options.Validate(); err != nil {
		return Job{}, err
	}
	output, err := m.output(req.Output, req.Options.Container)
	if err != nil {
		return Job{}, err
	}
	j := m.newJob(KindTranscode, req.Input, output)
	deps := m.depsFor(j)
	t := pipeline.NewTranscoder(req.Options, deps)
	return m.launch(j, func(ctx context.Context) (*pipeline.Result, error) {
		return t.Run(ctx, req.Input, output)
	})
}

// StartRecording validates req and queues the recording.
func (m *Manager) StartRecording(req RecordRequest) (Job, error) {
	if err := req.Options.Validate(); err != nil {
		return Job{}, err
	}
	renderer, err := m.cfg.NewRenderer(req.Renderer)
	if err != nil {
		return Job{}, err
	}
	output, err := m.output(req.Output, req.Options.Container)
	if err != nil {
		return Job{}, err
	}
	j := m.newJob(KindRecord, "", output)
	r := pipeline.NewRecorder(req.Options, m.depsFor(j))
	j.counters = r.Counters()
	return m.launch(j, func(ctx context.Context) (*pipeline.Result, error) {
		return r.Run(ctx, renderer, output)
	})
}

// Get returns the job with the given id.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.snapshot(), nil
}

// List returns every job, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	m.mu.Unlock()
	// ulids sort by creation time
	slices.SortFunc(out, func(a, b Job) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Cancel stops a queued or running job. Its partial output is discarded.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.snap.Status.Finished() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, j.snap.Status)
	}
	cancel := j.cancel
	m.mu.Unlock()

	cancel()
	m.logger.Info("job cancel requested", slog.String("job_id", id))
	return nil
}

// Wait blocks until the job ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case <-j.done:
		return m.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Sweep deletes finished outputs older than the retention. Outputs of jobs
// that are still queued or running are kept.
func (m *Manager) Sweep() (int, error) {
	if m.cfg.Retention <= 0 || m.cfg.Outputs == nil {
		return 0, nil
	}
	m.mu.Lock()
	active := make(map[string]bool)
	for _, j := range m.jobs {
		if !j.snap.Status.Finished() {
			active[j.snap.Output] = true
		}
	}
	m.mu.Unlock()

	removed, err := m.cfg.Outputs.RemoveOlderThan(m.cfg.Retention, m.cfg.Now(),
		func(o storage.Output) bool { return active[o.Path] })
	for _, o := range removed {
		m.logger.Info("removed expired output",
			slog.String("output", o.Path),
			slog.Duration("age", o.Age(m.cfg.Now()).Round(time.Second)),
		)
	}
	return len(removed), err
}

func (m *Manager) output(name string, f container.Format) (string, error) {
	if m.cfg.Outputs == nil {
		return "", errors.New("no output directory configured")
	}
	if name == "" {
		return container.NewOutputPath(m.cfg.Outputs.BaseDir(), f), nil
	}
	return m.cfg.Outputs.PrepareOutput(name)
}

func (m *Manager) newJob(kind Kind, input, output string) *job {
	return &job{
		snap: Job{
			ID:        ulid.Make().String(),
			Kind:      kind,
			Status:    StatusQueued,
			Input:     input,
			Output:    output,
			CreatedAt: m.cfg.Now(),
		},
		done:    make(chan struct{}),
		tracker: core.NewProgressTracker(nil),
	}
}

func (m *Manager) depsFor(j *job) pipeline.Deps {
	deps := m.cfg.Deps
	sinks := core.MultiProgress{j.tracker}
	if deps.Progress != nil {
		sinks = append(sinks, deps.Progress)
	}
	deps.Progress = sinks
	if deps.Logger == nil {
		deps.Logger = m.cfg.Logger
	}
	deps.Logger = deps.Logger.With(slog.String("job_id", j.snap.ID))
	return deps
}

func (m *Manager) launch(j *job, run func(context.Context) (*pipeline.Result, error)) (Job, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Job{}, ErrStopped
	}
	ctx, cancel := context.WithCancel(m.ctx)
	j.cancel = cancel
	m.jobs[j.snap.ID] = j
	snap := j.snapshot()
	m.wg.Add(1)
	m.mu.Unlock()

	logger := m.logger.With(slog.String("job_id", j.snap.ID), slog.String("kind", string(j.snap.Kind)))
	logger.Info("job queued", slog.String("output", j.snap.Output))

	go func() {
		defer m.wg.Done()
		defer close(j.done)
		defer cancel()

		select {
		case m.slots <- struct{}{}:
		case <-ctx.Done():
			m.finish(j, nil, ctx.Err(), logger)
			return
		}
		defer func() { <-m.slots }()

		m.mu.Lock()
		now := m.cfg.Now()
		j.snap.Status = StatusRunning
		j.snap.StartedAt = &now
		m.mu.Unlock()
		logger.Info("job started")

		res, err := run(ctx)
		m.finish(j, res, err, logger)
	}()
	return snap, nil
}

func (m *Manager) finish(j *job, res *pipeline.Result, err error, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	j.snap.FinishedAt = &now
	j.snap.Result = res
	switch {
	case err == nil:
		j.snap.Status = StatusSucceeded
		logger.Info("job succeeded", slog.Int("samples", res.Samples))
	case errors.Is(err, context.Canceled):
		j.snap.Status = StatusCancelled
		j.snap.Error = err.Error()
		logger.Info("job cancelled")
	default:
		j.snap.Status = StatusFailed
		j.snap.Error = err.Error()
		logger.Warn("job failed", slog.String("error", err.Error()))
	}
}

// snapshot must be called with the manager lock held.
func (j *job) snapshot() Job {
	s := j.snap
	s.Progress = j.tracker.Snapshot()
	if j.counters != nil {
		s.Frames = j.counters.Load().Frames
	}
	return s
}
