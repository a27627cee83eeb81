/*
scheduler.go - Background ledger maintenance

PURPOSE:
  Runs the conservation audit and the overdue-loan sweep on cron schedules.

JOBS:
  - audit:   recompute every campaign's counted sum; discrepancies are logged
             at level=error for an operator to investigate
  - overdue: announce pending loans past their due date (once per loan)

CONFIGURATION:
  AUDIT_SCHEDULE and OVERDUE_SCHEDULE, standard 5-field cron expressions.
  An empty schedule disables that job.

USAGE:
  s, err := scheduler.New(svc, scheduler.Config{...})
  s.Start()
  // ... later
  <-s.Stop().Done()
*/
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/friendfund/backend/ledger"
)

// Jobs is the ledger work the scheduler drives.
type Jobs interface {
	Audit(ctx context.Context) (ledger.AuditReport, error)
	SweepOverdueLoans(ctx context.Context, now time.Time) ([]ledger.Contribution, error)
}

// Config holds the cron expressions.
type Config struct {
	AuditSchedule   string
	OverdueSchedule string
	// JobTimeout bounds a single run. Defaults to 5 minutes.
	JobTimeout time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates the schedules and registers the jobs.
func New(jobs Jobs, cfg Config) (*Scheduler, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.Default())),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	s := &Scheduler{cron: c, jobs: jobs, timeout: cfg.JobTimeout, now: time.Now}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	if cfg.AuditSchedule != "" {
		if _, err := c.AddFunc(cfg.AuditSchedule, func() { s.RunAudit() }); err != nil {
			return nil, fmt.Errorf("schedule audit job %q: %w", cfg.AuditSchedule, err)
		}
		log.Printf("[Scheduler] Scheduled audit job: %s", cfg.AuditSchedule)
	}
	if cfg.OverdueSchedule != "" {
		if _, err := c.AddFunc(cfg.OverdueSchedule, func() { s.RunOverdueSweep() }); err != nil {
			return nil, fmt.Errorf("schedule overdue job %q: %w", cfg.OverdueSchedule, err)
		}
		log.Printf("[Scheduler] Scheduled overdue sweep job: %s", cfg.OverdueSchedule)
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if len(s.cron.Entries()) == 0 {
		log.Println("[Scheduler] No jobs configured, not starting")
		return
	}
	s.cron.Start()
	s.running = true
	log.Printf("[Scheduler] Started with %d jobs", len(s.cron.Entries()))
}

// Stop stops scheduling; the returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.cron.Stop()
	if s.running {
		s.running = false
		log.Println("[Scheduler] Stopped")
	}
	return ctx
}

// NextRuns reports when each job fires next.
func (s *Scheduler) NextRuns() []time.Time {
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}

// RunAudit runs the conservation audit once.
func (s *Scheduler) RunAudit() (ledger.AuditReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log.Printf("[Scheduler] Running audit at %v", s.now())
	report, err := s.jobs.Audit(ctx)
	if err != nil {
		log.Printf("[Scheduler] Audit failed: %v", err)
		return report, err
	}
	for _, d := range report.Discrepancies {
		log.Printf("level=error component=scheduler msg=\"conservation violated\" campaign_id=%s stored=%s computed=%s stored_count=%d computed_count=%d",
			d.CampaignID, d.StoredCollected.StringFixed(ledger.MoneyPlaces), d.ComputedCollected.StringFixed(ledger.MoneyPlaces),
			d.StoredCount, d.ComputedCount)
	}
	log.Printf("[Scheduler] Audit completed: %d campaigns checked, %d discrepancies",
		report.CampaignsChecked, len(report.Discrepancies))
	return report, nil
}

// RunOverdueSweep announces newly overdue loans once.
func (s *Scheduler) RunOverdueSweep() ([]ledger.Contribution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := s.now()
	overdue, err := s.jobs.SweepOverdueLoans(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Overdue sweep failed: %v", err)
		return overdue, err
	}
	if len(overdue) > 0 {
		log.Printf("[Scheduler] Overdue sweep completed: %d loans notified", len(overdue))
	}
	return overdue, nil
}

// RunNow runs every job immediately (for admin tooling and tests).
func (s *Scheduler) RunNow() error {
	if _, err := s.RunAudit(); err != nil {
		return err
	}
	_, err := s.RunOverdueSweep()
	return err
}
