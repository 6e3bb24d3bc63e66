// Package scheduler runs recurring maintenance jobs, such as backups, on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Job is one unit of scheduled work. The context is canceled when the scheduler stops.
type Job func(ctx context.Context) error

type Scheduler struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	log       logrus.FieldLogger
}

// New creates and starts a scheduler using UTC.
func New(log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.New()
	}
	log = log.WithField("component", "scheduler")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(&gocronLogger{log: log}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{scheduler: s, ctx: ctx, cancel: cancel, log: log}, nil
}

// AddJob schedules job on a five-field cron expression. A run that is still going when
// the next one is due makes the next one wait for the following slot.
func (s *Scheduler) AddJob(name, cronExpr string, job Job) error {
	if name == "" {
		return errors.New("empty job name")
	}
	if cronExpr == "" {
		return errors.New("empty cron expression")
	}
	if job == nil {
		return errors.New("nil job function")
	}

	log := s.log.WithField("job_name", name)
	wrapped := func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			log.WithError(err).Warn("scheduled job failed")
			return
		}
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("scheduled job finished")
	}

	scheduled, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(wrapped),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	entry := log.WithField("cron", cronExpr)
	if nextRun, err := scheduled.NextRun(); err == nil {
		entry = entry.WithField("next_run", nextRun.Format(time.RFC3339))
	}
	entry.Info("job scheduled")
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

type gocronLogger struct {
	log logrus.FieldLogger
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l *gocronLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l *gocronLogger) with(args []any) logrus.FieldLogger {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		fields[key] = args[i+1]
	}
	return l.log.WithFields(fields)
}
