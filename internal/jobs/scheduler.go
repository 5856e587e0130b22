package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

var (
	ErrJobRunning = errors.New("job is already running")
	ErrJobUnknown = errors.New("job not found")
	ErrStopped    = errors.New("scheduler is stopped")
)

// Job is a named unit of work run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RunStore persists the last run time of each job so a restart resumes the
// job's cadence instead of starting a fresh interval.
type RunStore interface {
	LastRun(ctx context.Context, key string) (time.Time, bool, error)
	SaveLastRun(ctx context.Context, key string, at time.Time) error
}

// CacheKey is the persisted key for a job's last run.
func CacheKey(name string) string {
	return "scheduler:last_run:" + name
}

// NextRunAt returns when a job should next run given its last recorded run.
// A job that never ran is due immediately.
func NextRunAt(now time.Time, interval time.Duration, lastRun time.Time, ran bool) time.Time {
	if !ran {
		return now
	}
	elapsed := now.Sub(lastRun)
	if elapsed < 0 {
		elapsed = 0
	}
	wait := interval - elapsed
	if wait < 0 {
		wait = 0
	}
	return now.Add(wait)
}

type entry struct {
	job    Job
	mu     sync.Mutex // held for the duration of one execution
	cron   *gocron.Job
	status JobStatus
}

// Scheduler runs a fixed list of jobs. Each job executes at most once at a
// time; different jobs run concurrently.
type Scheduler struct {
	state   RunStore
	entries map[string]*entry
	order   []string
	cron    *gocron.Scheduler
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	stopping bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler validates the job list and builds a scheduler for it.
func NewScheduler(state RunStore, jobList []Job) (*Scheduler, error) {
	s := &Scheduler{
		state:   state,
		entries: make(map[string]*entry, len(jobList)),
		cron:    gocron.NewScheduler(time.UTC),
		now:     time.Now,
	}
	for _, job := range jobList {
		switch {
		case job.Name == "":
			return nil, fmt.Errorf("job without a name")
		case job.Interval <= 0:
			return nil, fmt.Errorf("job '%s' needs a positive interval, got %s", job.Name, job.Interval)
		case job.Run == nil:
			return nil, fmt.Errorf("job '%s' has no function", job.Name)
		}
		if _, dup := s.entries[job.Name]; dup {
			return nil, fmt.Errorf("job '%s' registered twice", job.Name)
		}
		s.entries[job.Name] = &entry{
			job:    job,
			status: JobStatus{Name: job.Name, Status: StatusIdle, Interval: job.Interval.String()},
		}
		s.order = append(s.order, job.Name)
	}
	return s, nil
}

// Start schedules every job from its persisted last run and starts the timers.
// ctx is handed to job functions and is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	now := s.now()
	for _, name := range s.order {
		e := s.entries[name]
		last, ran, err := s.state.LastRun(ctx, CacheKey(name))
		if err != nil {
			log.Printf("Scheduler: could not read last run of '%s', running it now: %v", name, err)
			ran = false
		}
		next := NextRunAt(now, e.job.Interval, last, ran)

		sch := s.cron.Every(e.job.Interval).Name(name).SingletonMode()
		if next.After(now) {
			sch = sch.StartAt(next)
		} else {
			sch = sch.StartImmediately()
		}
		cj, err := sch.Do(func() { s.tick(e) })
		if err != nil {
			s.cancel()
			return fmt.Errorf("schedule job '%s': %w", name, err)
		}
		e.cron = cj
		e.status.NextRun = next
		log.Printf("Scheduling job: '%s' to run every %s, next run at %s.", name, e.job.Interval, next.Format(time.RFC3339))
	}

	log.Println("Starting background job scheduler...")
	s.cron.StartAsync()
	s.started = true
	return nil
}

// Stop cancels the job context, stops all timers and waits for in-flight
// executions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.cancel()
	s.cron.Stop()
	s.wg.Wait()
	log.Println("Background job scheduler stopped.")
}

// RunNow executes a job out of band. It fails if that job is running.
func (s *Scheduler) RunNow(name string) error {
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("job '%s': %w", name, ErrJobUnknown)
	}
	if !e.mu.TryLock() {
		return fmt.Errorf("job '%s': %w", name, ErrJobRunning)
	}
	if !s.track() {
		e.mu.Unlock()
		return ErrStopped
	}
	go func() {
		defer s.wg.Done()
		defer e.mu.Unlock()
		s.execute(e)
	}()
	return nil
}

// track registers an execution with the wait group unless Stop has begun.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) tick(e *entry) {
	if !s.track() {
		return
	}
	defer s.wg.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	s.execute(e)
}

// execute runs one job. Callers hold e.mu.
func (s *Scheduler) execute(e *entry) {
	name := e.job.Name
	started := s.now()
	s.setStatus(e, func(st *JobStatus) {
		st.Status = StatusRunning
		st.Message = "Job started..."
		st.StartTime = started
	})

	err := s.safeRun(e)

	// The start time is recorded even when the run failed so a broken job does
	// not run again straight after a restart.
	if perr := s.state.SaveLastRun(context.Background(), CacheKey(name), started); perr != nil {
		log.Printf("Scheduler: could not persist last run of '%s': %v", name, perr)
	}

	s.setStatus(e, func(st *JobStatus) {
		st.EndTime = s.now()
		st.Runs++
		if err != nil {
			st.Status = StatusFailed
			st.Message = err.Error()
		} else {
			st.Status = StatusSuccess
			st.Message = "Job completed successfully."
		}
		if e.cron != nil {
			st.NextRun = e.cron.NextRun()
		}
	})
}

func (s *Scheduler) safeRun(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job '%s' panicked: %v", e.job.Name, r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if err = e.job.Run(s.ctx); err != nil {
		log.Printf("Job '%s' failed: %v", e.job.Name, err)
	}
	return err
}

func (s *Scheduler) setStatus(e *entry, fn func(*JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&e.status)
}

// Status returns a snapshot of every job's status, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		statuses = append(statuses, e.status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
