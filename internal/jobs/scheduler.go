// Package jobs runs the best-effort background work: the expiry sweep and the
// outbox relay. Neither is needed for correctness of the queue itself.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Task is one unit of periodic work. The int is the number of items handled
// and is only logged.
type Task func(ctx context.Context) (int, error)

type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      Task
}

type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewScheduler(loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{scheduler: s, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Add registers a job. Runs never overlap: a run still in progress when the
// next one is due causes that one to be skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(func() { s.run(job, timeout) }),
		gocron.WithName(job.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) run(job Job, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	count, err := job.Run(ctx)
	if err != nil {
		s.logger.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Info("job finished",
			zap.String("job", job.Name),
			zap.Int("count", count),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}
