// Package checkpoint runs OxiDB's background checkpoint on a fixed or
// cron schedule: one goroutine drives the ticker or cron loop, a stop
// channel handles graceful shutdown, and a results channel reports each
// run's outcome to the caller.
package checkpoint

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Checkpointer is satisfied by *oxidb.Engine. Defined here (rather than
// depending on the root package directly) so this package stays usable
// against anything that can checkpoint itself.
type Checkpointer interface {
	Checkpoint() error
}

// Result reports the outcome of one scheduled checkpoint run.
type Result struct {
	RunID uuid.UUID
	At    time.Time
	Err   error
}

// Options configures a Scheduler. Exactly one of Interval or CronExpr
// should be set; CronExpr takes precedence if both are non-zero.
type Options struct {
	Interval time.Duration
	CronExpr string
	Logger   *log.Logger
	// ResultBuffer sizes the Results() channel. Defaults to 16.
	ResultBuffer int
}

// Scheduler drives target.Checkpoint() on a fixed interval or cron
// schedule and reports each run's outcome on Results().
type Scheduler struct {
	target  Checkpointer
	logger  *log.Logger
	results chan Result

	interval time.Duration
	cronExpr string
	cronJob  *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs a Scheduler. Call Start to begin running.
func New(target Checkpointer, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	buf := opts.ResultBuffer
	if buf <= 0 {
		buf = 16
	}
	return &Scheduler{
		target:   target,
		logger:   logger,
		results:  make(chan Result, buf),
		interval: opts.Interval,
		cronExpr: opts.CronExpr,
		stopCh:   make(chan struct{}),
	}
}

// Results returns the channel scheduled-run outcomes are published on.
// Sends never block the scheduler: when the buffer is full, the new result
// is dropped and the drop is logged, rather than stalling the checkpoint loop.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Start begins the schedule. Returns an error if a cron expression is
// supplied and fails to parse.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if s.cronExpr != "" {
		loc, _ := time.LoadLocation("UTC")
		s.cronJob = cron.New(cron.WithLocation(loc), cron.WithSeconds())
		if _, err := s.cronJob.AddFunc(s.cronExpr, s.runOnce); err != nil {
			s.started = false
			return err
		}
		s.cronJob.Start()
		return nil
	}

	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	id := uuid.New()
	err := s.target.Checkpoint()
	if err != nil {
		s.logger.Printf("checkpoint: run %s failed: %v", id, err)
	}
	res := Result{RunID: id, At: time.Now(), Err: err}
	select {
	case s.results <- res:
	default:
		s.logger.Printf("checkpoint: run %s result dropped, results channel full", id)
	}
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.cronJob != nil {
		ctx := s.cronJob.Stop()
		<-ctx.Done()
	} else {
		close(s.stopCh)
		s.wg.Wait()
	}
	s.started = false
}
