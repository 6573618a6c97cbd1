// Package scheduler runs the named cron jobs (bus prefetch, rail prefetch,
// forecast, cleanup, quality check) and ad-hoc retry/one-shot jobs on a
// civil-time tick loop, with at-most-one-concurrent-run-per-id and a
// startup catch-up pass for missed runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ibbtransit/crowdcast/internal/validate"
	"github.com/robfig/cron/v3"
)

const (
	defaultTickInterval = 5 * time.Second
	catchUpWindow       = 24 * time.Hour
)

// JobFunc is the callback a job runs. It receives the civil date the run
// targets (for cron jobs, "today" in the scheduler's timezone at fire time).
type JobFunc func(ctx context.Context, runAt time.Time) error

// jobDef is the scheduler's internal bookkeeping for one named job.
type jobDef struct {
	id           string
	fn           JobFunc
	schedule     cron.Schedule // nil for one-shot jobs
	oneShotAt    time.Time     // valid when schedule is nil
	misfireGrace time.Duration
	coalesce     bool

	nextRun    time.Time
	lastRun    time.Time
	lastStatus string
	runCount   int64
	errorCount int64
	running    bool
	cancelFn   context.CancelFunc
}

// Status is a point-in-time snapshot of one job's bookkeeping, returned by
// Service.Status.
type Status struct {
	ID         string
	NextRun    time.Time
	LastRun    time.Time
	LastStatus string
	RunCount   int64
	ErrorCount int64
	Running    bool
}

// Service is the job scheduler. The zero value is not usable; construct
// with New.
type Service struct {
	loc          *time.Location
	tickInterval time.Duration

	mu   sync.Mutex
	jobs map[string]*jobDef

	paused bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a scheduler anchored to loc (normally Europe/Istanbul).
func New(loc *time.Location, tickInterval time.Duration) *Service {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	return &Service{
		loc:          loc,
		tickInterval: tickInterval,
		jobs:         make(map[string]*jobDef),
	}
}

// AddCron registers or replaces a cron-triggered job. A job triggered again
// under the same id replaces any pending/running instance's bookkeeping
// (the in-flight run, if any, is left to finish; its result is recorded on
// the replaced definition and does not appear in Status).
func (s *Service) AddCron(id, cronExpr string, fn JobFunc, misfireGrace time.Duration, coalesce bool) error {
	sched, err := validate.ParseCron(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jd := &jobDef{id: id, fn: fn, schedule: sched, misfireGrace: misfireGrace, coalesce: coalesce}
	jd.nextRun = sched.Next(time.Now().In(s.loc))
	s.jobs[id] = jd
	return nil
}

// AddOneshot registers a job to run once at runAt.
func (s *Service) AddOneshot(id string, runAt time.Time, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &jobDef{id: id, fn: fn, oneShotAt: runAt, nextRun: runAt}
}

// Remove cancels and deletes a job by id. A running invocation is left to
// finish but will not be rescheduled.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Pause stops the tick loop from dispatching any job until Resume is called.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables dispatch.
func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Status returns a snapshot of every registered job's bookkeeping.
func (s *Service) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, jd := range s.jobs {
		out = append(out, Status{
			ID:         jd.id,
			NextRun:    jd.nextRun,
			LastRun:    jd.lastRun,
			LastStatus: jd.lastStatus,
			RunCount:   jd.runCount,
			ErrorCount: jd.errorCount,
			Running:    jd.running,
		})
	}
	return out
}

// Start begins the tick loop in a background goroutine.
func (s *Service) Start(parent context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.stopFn = cancel
		s.doneCh = make(chan struct{})

		go func() {
			defer close(s.doneCh)
			s.catchUpMissedRuns(ctx)

			ticker := time.NewTicker(s.tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx)
				}
			}
		}()
	})
}

// Stop cancels the tick loop and waits for in-flight jobs to finish or for
// ctx to be done, whichever comes first.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
		if s.doneCh != nil {
			select {
			case <-s.doneCh:
			case <-ctx.Done():
			}
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

func (s *Service) tick(ctx context.Context) {
	now := time.Now().In(s.loc)

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	var due []*jobDef
	for _, jd := range s.jobs {
		if jd.running {
			continue
		}
		if !jd.nextRun.IsZero() && !jd.nextRun.After(now) {
			due = append(due, jd)
		}
	}
	s.mu.Unlock()

	for _, jd := range due {
		s.dispatch(ctx, jd, now)
	}
}

// dispatch runs one job instance in its own goroutine, at-most-one per id.
func (s *Service) dispatch(ctx context.Context, jd *jobDef, scheduledAt time.Time) {
	s.mu.Lock()
	if jd.running {
		s.mu.Unlock()
		return
	}
	jd.running = true
	runCtx, cancel := context.WithCancel(ctx)
	jd.cancelFn = cancel
	s.advanceSchedule(jd, scheduledAt)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		err := jd.fn(runCtx, scheduledAt)

		s.mu.Lock()
		jd.running = false
		jd.lastRun = time.Now().UTC()
		jd.runCount++
		if err != nil {
			jd.errorCount++
			jd.lastStatus = "FAILED"
			slog.Warn("scheduler job failed", "job", jd.id, "err", err)
		} else {
			jd.lastStatus = "SUCCESS"
		}
		s.mu.Unlock()
	}()
}

// advanceSchedule computes a job's next fire time after dispatching it.
// Must be called with s.mu held.
func (s *Service) advanceSchedule(jd *jobDef, scheduledAt time.Time) {
	if jd.schedule == nil {
		// One-shot: never fires again; remove from the map.
		delete(s.jobs, jd.id)
		return
	}
	jd.nextRun = jd.schedule.Next(scheduledAt.Add(time.Second))
}

// catchUpMissedRuns runs once at startup. Any job whose computed next-run
// instant is in the past (the process was down through it) fires once
// within misfireGrace of the catch-up pass; if coalesce is true, multiple
// missed instances collapse into a single run instead of one per instance
// (the scheduler never persisted individual missed instants, so coalescing
// is the only representable behavior here).
func (s *Service) catchUpMissedRuns(ctx context.Context) {
	now := time.Now().In(s.loc)

	s.mu.Lock()
	var due []*jobDef
	for _, jd := range s.jobs {
		if jd.nextRun.IsZero() || jd.nextRun.After(now) {
			continue
		}
		overdue := now.Sub(jd.nextRun)
		if jd.misfireGrace > 0 && overdue > jd.misfireGrace+catchUpWindow {
			// Too old even for the grace window; just advance past it.
			s.advanceSchedule(jd, now)
			continue
		}
		due = append(due, jd)
	}
	s.mu.Unlock()

	for _, jd := range due {
		slog.Info("scheduler catching up missed run", "job", jd.id, "missed_at", jd.nextRun)
		s.dispatch(ctx, jd, now)
	}
}
