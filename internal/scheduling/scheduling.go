// Package scheduling runs the daemon's periodic jobs.
package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// JobName represents the name of a periodic job.
type JobName string

// Jobs run by the update daemon.
const (
	JobUpdateCheck JobName = "update-check"
	JobCleanup     JobName = "download-cleanup"
)

// Scheduler represents a background job scheduler.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[JobName]uuid.UUID
	scheduler gocron.Scheduler
}

// JobFunc represents the type of function that executes a scheduled job.
type JobFunc func(context.Context) error

// ErrInvalidCronTab is returned when an invalid crontab expression is provided.
var ErrInvalidCronTab = errors.New("invalid crontab expression")

// ErrInvalidInterval is returned when a job interval isn't positive.
var ErrInvalidInterval = errors.New("invalid job interval")

// NewScheduler creates a new Scheduler.
func NewScheduler() (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		jobs:      map[JobName]uuid.UUID{},
		scheduler: scheduler,
	}, nil
}

// ValidateCronTab checks a five field crontab expression.
func ValidateCronTab(crontab string) error {
	err := gocron.NewDefaultCron(false).IsValid(crontab, time.UTC, time.Now())
	if err != nil {
		return ErrInvalidCronTab
	}

	return nil
}

// RegisterJob registers a job run on a crontab schedule.
//
// If the job does not exist, it is created. If it already exists, it is updated.
func (s *Scheduler) RegisterJob(name JobName, crontab string, jobFunc JobFunc) error {
	err := ValidateCronTab(crontab)
	if err != nil {
		return err
	}

	return s.register(name, gocron.CronJob(crontab, false), jobFunc)
}

// RegisterIntervalJob registers a job run every interval.
//
// If the job does not exist, it is created. If it already exists, it is updated.
func (s *Scheduler) RegisterIntervalJob(name JobName, interval time.Duration, jobFunc JobFunc) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	return s.register(name, gocron.DurationJob(interval), jobFunc)
}

// RemoveJob stops and forgets a job. Unknown jobs are ignored.
func (s *Scheduler) RemoveJob(name JobName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if !ok {
		return nil
	}

	err := s.scheduler.RemoveJob(id)
	if err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return err
	}

	delete(s.jobs, name)

	return nil
}

// HasJob reports whether a job is registered.
func (s *Scheduler) HasJob(name JobName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[name]

	return ok
}

// NextRun returns when a job runs next.
func (s *Scheduler) NextRun(name JobName) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}

	for _, job := range s.scheduler.Jobs() {
		if job.ID() != id {
			continue
		}

		next, err := job.NextRun()
		if err != nil {
			return time.Time{}, false
		}

		return next, true
	}

	return time.Time{}, false
}

// Start starts the scheduler and its registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown shuts down the scheduler and its registered jobs.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

func (s *Scheduler) register(name JobName, definition gocron.JobDefinition, jobFunc JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if ok {
		_, err := s.scheduler.Update(id,
			definition,
			gocron.NewTask(wrapJob(name, jobFunc)),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName(string(name)),
		)

		return err
	}

	job, err := s.scheduler.NewJob(
		definition,
		gocron.NewTask(wrapJob(name, jobFunc)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(string(name)),
	)
	if err != nil {
		return err
	}

	s.jobs[name] = job.ID()

	return nil
}

func wrapJob(name JobName, jobFunc JobFunc) func(context.Context) {
	return func(ctx context.Context) {
		select {
		// If the context is already cancelled, don't start the job.
		case <-ctx.Done():
			return

		default:
			slog.InfoContext(ctx, "Executing periodic job", slog.String("job", string(name)))

			err := jobFunc(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Error running periodic job", slog.String("job", string(name)), slog.Any("error", err))
			}
		}
	}
}
