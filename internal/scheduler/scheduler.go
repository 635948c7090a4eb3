// Package scheduler is the cron-like caller that drives periodic engine work:
// absorption sweeps, staging expiry, pending evaluations and candidate
// discovery. A file lock keeps two daemons from ticking at once.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	// CategoryWrite jobs write engine state and run one at a time.
	CategoryWrite   JobCategory = "write"
	CategoryDefault JobCategory = "default"
)

// Job defines a schedulable unit of work.
type Job struct {
	Name     string      // Unique job identifier.
	Cron     *CronExpr   // Parsed cron expression.
	Category JobCategory // For semaphore selection.
	Run      func(ctx context.Context) error
}

// RunStatus is the last recorded outcome of a job.
type RunStatus struct {
	Job      string        `json:"job"`
	Status   string        `json:"status"` // dispatched|ok|error|skipped_concurrency
	Error    string        `json:"error,omitempty"`
	Tick     time.Time     `json:"tick"`
	Duration time.Duration `json:"duration"`
	Next     time.Time     `json:"next,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	TickInterval   time.Duration
	MaxConcWrite   int
	MaxConcDefault int
	LockPath       string
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TickInterval:   60 * time.Second,
		MaxConcWrite:   1,
		MaxConcDefault: 4,
		LockPath:       filepath.Join(home, ".kafgenome", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	jobs       map[string]*Job
	mu         sync.RWMutex
	semaphores map[JobCategory]*semaphore.Weighted
	lock       *FileLock
	wg         sync.WaitGroup

	statusMu sync.Mutex
	status   map[string]RunStatus
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcWrite <= 0 {
		cfg.MaxConcWrite = def.MaxConcWrite
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = def.MaxConcDefault
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}

	return &Scheduler{
		cfg:  cfg,
		jobs: make(map[string]*Job),
		semaphores: map[JobCategory]*semaphore.Weighted{
			CategoryWrite:   semaphore.NewWeighted(int64(cfg.MaxConcWrite)),
			CategoryDefault: semaphore.NewWeighted(int64(cfg.MaxConcDefault)),
		},
		lock:   NewFileLock(cfg.LockPath),
		status: make(map[string]RunStatus),
	}
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "category", job.Category,
		"cron", job.Cron.String(), "next", nextRun(job, time.Now()).Format(time.RFC3339))
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Jobs returns the current registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Status returns the last outcome of every job that has run.
func (s *Scheduler) Status() []RunStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make([]RunStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Job < out[k].Job })
	return out
}

// Run starts the scheduler tick loop. Blocks until context is cancelled and
// every dispatched job has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// RunNow dispatches one job immediately, ignoring its cron expression, and
// waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) (RunStatus, bool) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return RunStatus{}, false
	}
	return s.execute(ctx, job, time.Now()), true
}

// Wait blocks until all dispatched jobs have returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// tick is called every TickInterval. Acquires the global file lock, then
// dispatches any matching jobs.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	for _, job := range s.Jobs() {
		if !job.Cron.Matches(now) {
			continue
		}
		s.dispatch(ctx, job, now)
	}
}

// dispatch runs a job asynchronously if a semaphore slot is available.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}

	if !sem.TryAcquire(1) {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		s.record(RunStatus{Job: job.Name, Status: "skipped_concurrency", Tick: now, Next: nextRun(job, now)})
		return
	}

	slog.Info("Scheduler dispatching job", "job", job.Name)
	s.record(RunStatus{Job: job.Name, Status: "dispatched", Tick: now, Next: nextRun(job, now)})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release(1)
		s.execute(ctx, job, now)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) RunStatus {
	start := time.Now()
	st := RunStatus{Job: job.Name, Status: "ok", Tick: now, Next: nextRun(job, now)}
	if err := job.Run(ctx); err != nil {
		st.Status = "error"
		st.Error = err.Error()
		slog.Warn("Scheduler job failed", "job", job.Name, "error", err)
	}
	st.Duration = time.Since(start)
	s.record(st)
	return st
}

func nextRun(job *Job, now time.Time) time.Time {
	if job.Cron == nil {
		return time.Time{}
	}
	return job.Cron.Next(now)
}

func (s *Scheduler) record(st RunStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status[st.Job] = st
}
