package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultIdlePoll   = 60 * time.Second
	DefaultSleepFloor = 50 * time.Millisecond
	DefaultCycleDelay = 5 * time.Second
)

var parser = robfigcron.NewParser(
	robfigcron.SecondOptional | robfigcron.Minute | robfigcron.Hour |
		robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
)

// Clock abstracts time so the loop can be driven by a fake in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options tunes the scheduler loop. Zero values fall back to the defaults above.
type Options struct {
	IdlePoll   time.Duration
	SleepFloor time.Duration
	CycleDelay time.Duration
	Clock      Clock
	// OnJobDone is called after every job run, e.g. to record metrics.
	OnJobDone func(jobID string, elapsed time.Duration, err error)
}

type entry struct {
	job      Job
	expr     string
	schedule robfigcron.Schedule
}

// Scheduler runs a fixed set of jobs forever. Each cycle it picks the earliest
// next occurrence across all jobs, sleeps until then and runs every job due at
// that instant concurrently, waiting for all of them before the next cycle.
type Scheduler struct {
	entries []entry
	opts    Options
}

// NewScheduler parses every job's schedule. A schedule that fails to parse or
// yields no future occurrence is returned as a *ConfigurationError.
func NewScheduler(jobs []Job, opts Options) (*Scheduler, error) {
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	if opts.SleepFloor <= 0 {
		opts.SleepFloor = DefaultSleepFloor
	}
	if opts.CycleDelay <= 0 {
		opts.CycleDelay = DefaultCycleDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	now := opts.Clock.Now()
	entries := make([]entry, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.ID] {
			return nil, fmt.Errorf("duplicate job id %q", job.ID)
		}
		seen[job.ID] = true
		if job.Action == nil {
			return nil, fmt.Errorf("job %q has no action", job.ID)
		}

		expr, err := toCronExpr(job.Schedule)
		if err != nil {
			return nil, &ConfigurationError{JobID: job.ID, Expression: job.Schedule.Expression, Err: err}
		}
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, &ConfigurationError{JobID: job.ID, Expression: expr, Err: err}
		}
		if sched.Next(now).IsZero() {
			return nil, &ConfigurationError{JobID: job.ID, Expression: expr}
		}
		entries = append(entries, entry{job: job, expr: expr, schedule: sched})
	}

	return &Scheduler{entries: entries, opts: opts}, nil
}

// NextRuns returns every job's next occurrence strictly after now, in job order.
func (s *Scheduler) NextRuns(now time.Time) []Occurrence {
	out := make([]Occurrence, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Occurrence{JobID: e.job.ID, At: s.next(e, now)})
	}
	return out
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	clock := s.opts.Clock
	slog.Info("scheduler started", "jobs", len(s.entries))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := clock.Now()
		at, batch := s.pendingBatch(now)

		wait := s.opts.IdlePoll
		if len(batch) > 0 {
			wait = max(at.Sub(now), 0)
			slog.Debug("scheduler: next batch", "at", at, "jobs", len(batch))
		}

		if wait > s.opts.SleepFloor {
			select {
			case <-clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.runBatch(ctx, batch)

		select {
		case <-clock.After(s.opts.CycleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pendingBatch returns the earliest next occurrence and every job due at exactly
// that instant. Later jobs are dropped and recomputed on the next cycle.
func (s *Scheduler) pendingBatch(now time.Time) (time.Time, []entry) {
	var (
		earliest time.Time
		batch    []entry
	)
	for _, e := range s.entries {
		t := s.next(e, now)
		switch {
		case batch == nil || t.Before(earliest):
			earliest = t
			batch = []entry{e}
		case t.Equal(earliest):
			batch = append(batch, e)
		}
	}
	return earliest, batch
}

func (s *Scheduler) next(e entry, now time.Time) time.Time {
	t := e.schedule.Next(now)
	if t.IsZero() {
		// validated in NewScheduler; robfig schedules never run dry afterwards
		panic(fmt.Sprintf("cron: job %q (%s) has no future occurrence", e.job.ID, e.expr))
	}
	return t
}

func (s *Scheduler) runBatch(ctx context.Context, batch []entry) {
	if len(batch) == 0 {
		return
	}
	var g errgroup.Group
	for _, e := range batch {
		g.Go(func() error {
			s.runJob(ctx, e.job)
			return nil
		})
	}
	_ = g.Wait()
}

// runJob is the per-job error boundary: errors and panics are logged, never returned.
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := s.opts.Clock.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := s.opts.Clock.Now().Sub(start)
		if err != nil {
			slog.Error("cron job failed", "job", job.ID, "elapsed", elapsed, "error", err)
		} else {
			slog.Debug("cron job finished", "job", job.ID, "elapsed", elapsed)
		}
		if s.opts.OnJobDone != nil {
			s.opts.OnJobDone(job.ID, elapsed, err)
		}
	}()
	err = job.Action(ctx)
}
