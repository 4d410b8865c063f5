package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one periodic engine operation.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Service fires jobs on their cron specs. A job still running when its next
// slot comes up is skipped rather than overlapped.
type Service struct {
	cron *cron.Cron
	jobs []Job
}

func NewService() *Service {
	logger := cronLogger{}
	return &Service{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers a job. Spec takes a standard five-field expression or a
// descriptor such as "@every 30s".
func (s *Service) Add(ctx context.Context, job Job) error {
	if job.Spec == "" {
		return nil
	}
	if err := ValidateCronExpression(job.Spec); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
			return
		}
		log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("scheduled job done")
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	log.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
	return nil
}

func (s *Service) Jobs() []Job { return s.jobs }

func (s *Service) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("schedule service started")
}

// Stop halts the cron and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("schedule service stop timed out")
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	ev := log.Debug()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	ev := log.Error().Err(err)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg("cron: " + msg)
}
