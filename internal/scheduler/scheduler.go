package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/pkg/schema"
)

// DefaultInterval is how often the loop looks for due triggers.
const DefaultInterval = 15 * time.Second

// Source lists the latest startable definitions.
type Source interface {
	Definitions() []*registry.Compiled
}

// Starter creates instances. Satisfied by *engine.Engine.
type Starter interface {
	Start(ctx context.Context, workflowID, entityID string, data map[string]any) (*schema.Instance, error)
}

// Job is one cron trigger of one definition version.
type Job struct {
	ID              string
	WorkflowID      string
	WorkflowVersion int
	Cron            string
	EntityID        string
	Data            map[string]any
	NextRunAt       time.Time
	LastRunAt       *time.Time
	LastRunStatus   string
	LastInstanceID  string

	schedule cron.Schedule
}

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Scheduler fires cron start triggers declared by workflow definitions.
type Scheduler struct {
	source   Source
	starter  Starter
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler. Call Sync before Start to load the triggers.
func New(source Source, starter Starter, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		source:   source,
		starter:  starter,
		interval: cfg.Interval,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

func jobID(workflowID string, version, index int) string {
	return fmt.Sprintf("%s@%d#%d", workflowID, version, index)
}

// Sync rebuilds the job table from the current definitions. Jobs whose
// trigger is unchanged keep their next run time; removed triggers are dropped.
// Unparseable expressions are logged and skipped.
func (s *Scheduler) Sync() {
	now := s.now()
	next := make(map[string]*Job)

	for _, c := range s.source.Definitions() {
		for i, t := range c.Def.Triggers {
			id := jobID(c.Def.ID, c.Def.Version, i)
			sched, err := cron.ParseStandard(t.Cron)
			if err != nil {
				s.logger.Error("skipping invalid cron trigger",
					slog.String("job_id", id),
					slog.String("cron", t.Cron),
					slog.String("error", err.Error()),
				)
				continue
			}
			job := &Job{
				ID:              id,
				WorkflowID:      c.Def.ID,
				WorkflowVersion: c.Def.Version,
				Cron:            t.Cron,
				EntityID:        t.EntityID,
				Data:            t.Data,
				NextRunAt:       sched.Next(now),
				schedule:        sched,
			}
			next[id] = job
		}
	}

	s.jobsMu.Lock()
	for id, job := range next {
		if prev, ok := s.jobs[id]; ok && prev.Cron == job.Cron {
			job.NextRunAt = prev.NextRunAt
			job.LastRunAt = prev.LastRunAt
			job.LastRunStatus = prev.LastRunStatus
			job.LastInstanceID = prev.LastInstanceID
		}
	}
	s.jobs = next
	s.jobsMu.Unlock()

	s.logger.Info("scheduler synced", slog.Int("jobs", len(next)))
}

// Jobs returns a snapshot of the job table sorted by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job that is due and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.jobsMu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].ID < due[k].ID })

	fired := 0
	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		fired++
	}
	return fired
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("running cron trigger",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("entity_id", job.EntityID),
	)

	inst, err := s.starter.Start(ctx, job.WorkflowID, job.EntityID, schema.DeepCopyMap(job.Data))
	status, instanceID := "success", ""
	if err != nil {
		status = "error"
		s.logger.Error("cron trigger failed",
			slog.String("job_id", job.ID),
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()),
		)
	} else {
		instanceID = inst.ID
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	// Sync may have replaced the job while it ran; update whichever is current.
	cur, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	ran := now
	cur.LastRunAt = &ran
	cur.LastRunStatus = status
	if instanceID != "" {
		cur.LastInstanceID = instanceID
	}
	cur.NextRunAt = cur.schedule.Next(now)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop shuts down the loop and waits for an in-progress tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// CalculateNextRun computes the next run time for a standard 5-field cron
// expression (descriptors such as @hourly are accepted).
func CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}
