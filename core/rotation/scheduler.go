package rotation

import (
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/imgflow/credentials/pkg/logger"
)

// DefaultSchedule fires every Saturday at 00:00 UTC; runOnce then keeps only
// the first and third Saturday of the month.
const DefaultSchedule = "0 0 * * 6"

// Scheduler runs the recurring rotation task. Singleton mode plus the
// rotator's own mutex guarantee invocations never overlap.
type Scheduler struct {
	scheduler gocron.Scheduler
	rotator   *Rotator
	logger    logger.Logger

	// onComplete, when set, observes each scheduled run's outcome
	onComplete func(report *Report, err error)
}

func NewScheduler(rotator *Rotator, l logger.Logger, cronExpr string) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create rotation scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: scheduler,
		rotator:   rotator,
		logger:    logger.EnsureLogger(l),
	}

	if cronExpr == "" {
		cronExpr = DefaultSchedule
	}

	job, err := scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.runOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule rotation job: %w", err)
	}

	nextRun, _ := job.NextRun()
	s.logger.Info("rotation scheduled", "cron_expression", cronExpr, "next_run", nextRun)

	return s, nil
}

// OnComplete registers an observer for rotation outcomes (metrics hook).
func (s *Scheduler) OnComplete(fn func(report *Report, err error)) {
	s.onComplete = fn
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// firstOrThirdWeek reports whether t falls in the first or third
// seven-day window of its month.
func firstOrThirdWeek(t time.Time) bool {
	day := t.Day()
	return (day >= 1 && day <= 7) || (day >= 15 && day <= 21)
}

func (s *Scheduler) runOnce() {
	now := time.Now().UTC()
	if !firstOrThirdWeek(now) {
		s.logger.Debug("skipping rotation outside first/third week", "day", now.Day())
		return
	}

	report, err := s.rotator.RotateAndPrune()
	if err != nil {
		s.logger.Error("scheduled rotation failed", "error", err)
	}
	if s.onComplete != nil {
		s.onComplete(report, err)
	}
}
