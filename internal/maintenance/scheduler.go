package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/shopsync/internal/logger"
)

// DefaultSchedule runs maintenance once an hour.
const DefaultSchedule = "@hourly"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner is the work a Scheduler triggers.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler triggers a Runner on a cron schedule. A run still in progress
// makes the next tick a no-op.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	logger   *logger.Logger
}

// NewScheduler parses spec (five-field or a descriptor such as "@hourly")
// and registers task. It does not start the scheduler.
func NewScheduler(task Runner, spec string, log *logger.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.GetDefault()
	}
	log = log.WithField(logger.FieldComponent, "maintenance")

	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.PrintfLogger(log)), cron.SkipIfStillRunning(cron.PrintfLogger(log))),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := task.Run(context.Background()); err != nil {
			log.WithError(err).Error("Maintenance run failed")
		}
	}))

	return &Scheduler{cron: c, schedule: schedule, logger: log}, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("next_run", s.NextRun(time.Now())).Info("Maintenance scheduler started")
}

// Stop stops scheduling and waits for a running task or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns the first activation after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}
