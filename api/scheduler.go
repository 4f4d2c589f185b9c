/*
scheduler.go - Background recovery and relay scheduler

PURPOSE:
  Periodically runs the background jobs the engine depends on:
  - Recovery: settles intents left behind by crashed or abandoned requests
  - Relay: pushes undelivered receipts to the fulfillment broker

DESIGN:
  - One goroutine per job, each on its own ticker
  - Every job runs once immediately on Start
  - A job error is logged and the next tick tries again
  - Stop cancels in-flight jobs and waits for the goroutines

USAGE:
  scheduler := NewScheduler(log)
  scheduler.Add("recovery", time.Minute, RecoveryJob(recoverer, 2*time.Minute))
  scheduler.Add("relay", 5*time.Second, RelayJob(relay))
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual recovery)
  - redemption/recovery.go: Recoverer
  - fulfillment/relay.go: Relay
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/fulfillment"
	"github.com/taiyaki/reward-engine/redemption"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type scheduledJob struct {
	name     string
	interval time.Duration
	run      Job
}

// Scheduler runs jobs on fixed intervals.
type Scheduler struct {
	log  logrus.FieldLogger
	jobs []scheduledJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	return &Scheduler{log: log.WithField("component", "scheduler")}
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(name string, interval time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{name: name, interval: interval, run: job})
}

// Start begins running every registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
		s.log.WithFields(logrus.Fields{
			"job":      job.name,
			"interval": job.interval,
		}).Info("scheduler job started")
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job scheduledJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runOnce(ctx, job)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job scheduledJob) {
	if err := job.run(ctx); err != nil && ctx.Err() == nil {
		s.log.WithFields(logrus.Fields{
			"job":   job.name,
			"error": err,
		}).Error("scheduled job failed")
	}
}

// =============================================================================
// JOBS
// =============================================================================

// RecoveryJob settles intents older than staleAfter.
func RecoveryJob(recoverer *redemption.Recoverer, staleAfter time.Duration) Job {
	return func(ctx context.Context) error {
		_, err := recoverer.Reconcile(ctx, staleAfter)
		return err
	}
}

// RelayJob drains the fulfillment outbox.
func RelayJob(relay *fulfillment.Relay) Job {
	return func(ctx context.Context) error {
		_, err := relay.Drain(ctx)
		return err
	}
}
