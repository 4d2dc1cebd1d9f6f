package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arvensis/weft/internal/store"
)

// SubWorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the executor (avoids import cycle).
type SubWorkflowRunner interface {
	RunFromTemplate(ctx context.Context, templateName, version string, params map[string]any, agentID string) error
}

// backoffState tracks a scheduled job's consecutive-failure streak so a job
// stuck failing on every tick doesn't retry a sub_workflow run once a
// minute forever.
type backoffState struct {
	consecutiveFailures int
	retryAfter          time.Time
}

const (
	minBackoff = time.Minute
	maxBackoff = 30 * time.Minute
)

// nextBackoff doubles the previous delay (capped at maxBackoff) per
// consecutive failure, starting at minBackoff.
func nextBackoff(consecutiveFailures int) time.Duration {
	d := minBackoff
	for i := 0; i < consecutiveFailures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store  store.Store
	runner SubWorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	stateMu  sync.Mutex
	inflight map[string]struct{}     // job IDs currently executing (dedup)
	backoff  map[string]*backoffState // job ID -> failure streak
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner SubWorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
		backoff:  make(map[string]*backoffState),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if s.inBackoff(job.ID, now) {
				continue
			}
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			ranOK, err := s.runJob(ctx, job, now)
			if err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("template", job.TemplateName),
					slog.String("error", err.Error()),
				)
			}
			if ranOK {
				s.recordSuccess(job.ID)
			} else {
				s.recordFailure(job.ID, now)
			}
			s.releaseJob(job.ID)
		}
	}
}

// runJob executes a scheduled job, updates its timestamps, and reports
// whether the run itself succeeded (independent of any bookkeeping error
// returned) so the caller can drive failure backoff.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) (ranOK bool, err error) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("template", job.TemplateName),
	)

	// Parse params.
	var params map[string]any
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return false, s.updateJobStatus(ctx, job, now, "error")
		}
	}

	// Run via runner.
	runErr := s.runner.RunFromTemplate(ctx, job.TemplateName, job.TemplateVersion, params, job.AgentID)
	status := "success"
	if runErr != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("template", job.TemplateName),
			slog.String("error", runErr.Error()),
		)
	}

	return runErr == nil, s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.inflight, jobID)
}

// inBackoff reports whether jobID is still serving a failure backoff window.
func (s *Scheduler) inBackoff(jobID string, now time.Time) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	b, ok := s.backoff[jobID]
	return ok && now.Before(b.retryAfter)
}

// recordFailure bumps jobID's consecutive-failure streak and sets its next
// eligible retry time.
func (s *Scheduler) recordFailure(jobID string, now time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	b, ok := s.backoff[jobID]
	if !ok {
		b = &backoffState{}
		s.backoff[jobID] = b
	}
	b.consecutiveFailures++
	delay := nextBackoff(b.consecutiveFailures)
	b.retryAfter = now.Add(delay)
	s.logger.Warn("scheduled job entering backoff",
		slog.String("job_id", jobID),
		slog.Int("consecutive_failures", b.consecutiveFailures),
		slog.Duration("retry_after", delay),
	)
}

// recordSuccess clears jobID's failure streak.
func (s *Scheduler) recordSuccess(jobID string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.backoff, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
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

// RecoverMissed checks for jobs that missed their next_run_at and runs them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if s.inBackoff(job.ID, now) {
				continue
			}
			if !s.tryAcquire(job.ID) {
				continue
			}
			ranOK, err := s.runJob(ctx, job, now)
			if err != nil {
				s.logger.Error("failed to recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			if ranOK {
				s.recordSuccess(job.ID)
				recovered++
			} else {
				s.recordFailure(job.ID, now)
			}
			s.releaseJob(job.ID)
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
