// Package scheduler implements the trigger engine of spec §4.12:
// interval, one-shot, and cron-style triggers, each with a per-job
// missed-run policy, publishing onto the event bus (C8) so handlers
// benefit from its retry and dead-letter machinery rather than running
// inline. The per-job goroutine-with-stopCh/doneCh shape, the
// sync.RWMutex-guarded running flag, and the "[scheduler]"-prefixed
// log.Printf calls are a direct generalization of
// jra3-linear-fuse/internal/sync.Worker's Start/run/Stop lifecycle —
// that worker ran exactly one interval loop; this one runs N
// independently keyed loops, one per scheduled job, under a shared
// registry.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jra3/vaultd/internal/eventbus"
)

// MissedRunPolicy governs behavior when one or more scheduled fire
// times elapse before the scheduler gets a chance to run the job
// again (e.g. the process was stopped or a prior run overran).
type MissedRunPolicy string

const (
	// Coalesce runs the job once regardless of how many occurrences
	// were missed.
	Coalesce MissedRunPolicy = "coalesce"
	// Skip drops a batch of missed occurrences entirely, running
	// nothing for that catch-up window.
	Skip MissedRunPolicy = "skip"
	// RunAll executes the job once per missed occurrence, in order.
	RunAll MissedRunPolicy = "run_all"
)

// Trigger computes a job's fire schedule.
type Trigger interface {
	// First returns the first fire time at or after now.
	First(now time.Time) time.Time
	// Next returns the fire time after prev, or the zero Time if the
	// trigger does not recur (one-shot).
	Next(prev time.Time) time.Time
}

// Interval fires every d starting d after registration.
type Interval struct {
	Every time.Duration
}

func (t Interval) First(now time.Time) time.Time { return now.Add(t.Every) }
func (t Interval) Next(prev time.Time) time.Time { return prev.Add(t.Every) }

// OneShot fires exactly once, at At.
type OneShot struct {
	At time.Time
}

func (t OneShot) First(now time.Time) time.Time { return t.At }
func (t OneShot) Next(prev time.Time) time.Time { return time.Time{} }

// Cron fires on a standard five-field cron schedule, evaluated in Zone
// (defaults to UTC if nil).
type Cron struct {
	Schedule cron.Schedule
	Zone     *time.Location
}

// NewCron parses a standard five-field cron expression (e.g. "0 8 * * *"
// for "every day at 08:00").
func NewCron(spec string, zone *time.Location) (Cron, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Cron{}, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	if zone == nil {
		zone = time.UTC
	}
	return Cron{Schedule: sched, Zone: zone}, nil
}

func (t Cron) First(now time.Time) time.Time { return t.Schedule.Next(now.In(t.Zone)) }
func (t Cron) Next(prev time.Time) time.Time { return t.Schedule.Next(prev.In(t.Zone)) }

// Job is a scheduled unit of work. Execution does not invoke a handler
// directly; it publishes an envelope of Type EventType on the bus, so
// dispatch, retry, and dead-lettering are all C8's responsibility.
type Job struct {
	Key       string
	Trigger   Trigger
	Policy    MissedRunPolicy
	EventType string
	Payload   map[string]any
}

type scheduledJob struct {
	job    Job
	stopCh chan struct{}
	doneCh chan struct{}
}

// Scheduler runs a registry of Jobs, each on its own loop, publishing
// fire events onto bus.
type Scheduler struct {
	bus *eventbus.Bus
	now func() time.Time

	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	started bool
}

// New constructs a Scheduler that publishes job firings onto bus.
func New(bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		bus:  bus,
		now:  time.Now,
		jobs: make(map[string]*scheduledJob),
	}
}

// Schedule registers job, replacing any existing job with the same
// Key rather than duplicating it (spec §4.12). If the scheduler is
// already running, the new job's loop is started immediately and the
// old one (if any) is stopped.
func (s *Scheduler) Schedule(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.Key]; ok {
		// Only a started scheduler has a run loop that will close doneCh.
		if s.started {
			close(existing.stopCh)
			<-existing.doneCh
		}
		delete(s.jobs, job.Key)
	}

	sj := &scheduledJob{job: job, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	s.jobs[job.Key] = sj

	if s.started {
		go s.run(sj)
	}
}

// Cancel stops and removes a job by key. Returns false if no such job
// was registered.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	sj, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	close(sj.stopCh)
	<-sj.doneCh
	return true
}

// Start begins running every currently-registered job's loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]*scheduledJob, 0, len(s.jobs))
	for _, sj := range s.jobs {
		jobs = append(jobs, sj)
	}
	s.mu.Unlock()

	for _, sj := range jobs {
		go s.run(sj)
	}
}

// Stop gracefully stops every job's loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	jobs := make([]*scheduledJob, 0, len(s.jobs))
	for _, sj := range s.jobs {
		jobs = append(jobs, sj)
	}
	s.mu.Unlock()

	for _, sj := range jobs {
		close(sj.stopCh)
	}
	for _, sj := range jobs {
		<-sj.doneCh
	}
}

func (s *Scheduler) run(sj *scheduledJob) {
	defer close(sj.doneCh)

	job := sj.job
	expected := job.Trigger.First(s.now())

	for {
		wait := time.Until(expected)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-sj.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		now := s.now()
		occurrences, next := catchUp(expected, now, job.Trigger, job.Policy)
		for range occurrences {
			s.fire(job)
		}

		if next.IsZero() {
			// One-shot trigger: fire once, then this job retires itself.
			s.mu.Lock()
			delete(s.jobs, job.Key)
			s.mu.Unlock()
			return
		}
		expected = next
	}
}

// catchUp enumerates every fire time in (-inf, now] starting at
// expected (inclusive), applying policy to decide how many of them
// actually run, and returns the next expected fire time after now.
func catchUp(expected, now time.Time, trigger Trigger, policy MissedRunPolicy) (occurrences []time.Time, next time.Time) {
	cursor := expected
	for !cursor.After(now) {
		occurrences = append(occurrences, cursor)
		n := trigger.Next(cursor)
		if n.IsZero() {
			return occurrences, time.Time{}
		}
		cursor = n
	}
	next = cursor

	if len(occurrences) <= 1 {
		return occurrences, next
	}

	switch policy {
	case Skip:
		return nil, next
	case RunAll:
		return occurrences, next
	case Coalesce:
		fallthrough
	default:
		return occurrences[len(occurrences)-1:], next
	}
}

func (s *Scheduler) fire(job Job) {
	ctx := context.Background()
	log.Printf("[scheduler] firing job %s (%s)", job.Key, job.EventType)
	s.bus.Publish(ctx, eventbus.Envelope{
		EventID: job.Key + "-" + s.now().Format(time.RFC3339Nano),
		EventTS: s.now(),
		Source:  "scheduler",
		Type:    job.EventType,
		Payload: job.Payload,
	})
}
