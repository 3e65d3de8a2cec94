package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultSweepCron = "0 0 0 * * *"
	DefaultSweepZone = "Europe/Moscow"
)

// Job is one scheduled task.
type Job struct {
	Name string
	Spec string // Cron expression with a leading seconds field.
	Run  func(ctx context.Context)
}

// Scheduler runs jobs on cron schedules in one time zone.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	zone    *time.Location
	running bool
}

// NewScheduler resolves zone, falling back to UTC when it is unknown.
func NewScheduler(zone string) *Scheduler {
	if zone == "" {
		zone = DefaultSweepZone
	}
	loc, errLoc := time.LoadLocation(zone)
	if errLoc != nil {
		log.WithError(errLoc).Warnf("scheduler: unknown zone %q, using UTC", zone)
		loc = time.UTC
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		zone: loc,
	}
}

// ValidateSpec checks a six-field cron expression.
func ValidateSpec(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, errParse := parser.Parse(spec); errParse != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, errParse)
	}
	return nil
}

// Add registers a job. Jobs never overlap with themselves.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if errSpec := ValidateSpec(job.Spec); errSpec != nil {
		return errSpec
	}
	var (
		mu      sync.Mutex
		running bool
	)
	_, errAdd := s.cron.AddFunc(job.Spec, func() {
		mu.Lock()
		if running {
			mu.Unlock()
			log.Warnf("scheduler: %s still running, skipping tick", job.Name)
			return
		}
		running = true
		mu.Unlock()
		defer func() {
			mu.Lock()
			running = false
			mu.Unlock()
		}()

		started := time.Now()
		job.Run(ctx)
		log.Debugf("scheduler: %s finished in %s", job.Name, time.Since(started))
	})
	if errAdd != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, errAdd)
	}
	log.Infof("scheduler: %s scheduled (cron=%q zone=%s)", job.Name, job.Spec, s.zone)
	return nil
}

// Start launches the scheduler and stops it when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	log.Info("scheduler stopped")
}

// NextRun returns the earliest upcoming run, or the zero time when nothing is scheduled.
func (s *Scheduler) NextRun() time.Time {
	var next time.Time
	for _, entry := range s.cron.Entries() {
		if next.IsZero() || (!entry.Next.IsZero() && entry.Next.Before(next)) {
			next = entry.Next
		}
	}
	return next
}

// SweepJob wraps a Sweeper as a scheduled job.
func SweepJob(spec string, sweeper *Sweeper) Job {
	if spec == "" {
		spec = DefaultSweepCron
	}
	return Job{
		Name: "limits-sweep",
		Spec: spec,
		Run: func(ctx context.Context) {
			started := time.Now()
			rolled, err := sweeper.SweepExpiredBuckets(ctx)
			if err != nil {
				log.WithError(err).Error("limits sweep failed")
				return
			}
			log.Infof("limits sweep finished: rolled=%d took=%s", rolled, time.Since(started).Round(time.Millisecond))
		},
	}
}

// LedgerRetentionJob wraps a LedgerRetentionCleaner as a scheduled job.
func LedgerRetentionJob(spec string, cleaner *LedgerRetentionCleaner) Job {
	return Job{
		Name: "ledger-retention",
		Spec: spec,
		Run: func(ctx context.Context) {
			cleaner.CleanupOnce(ctx)
		},
	}
}
