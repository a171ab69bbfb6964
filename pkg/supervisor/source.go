package supervisor

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/config"
	"github.com/autarkd/autark/pkg/task"
)

// TaskSource feeds tasks into the supervisor from outside the event
// loop. Start is called once with a submit function that is safe to call
// from any goroutine.
type TaskSource interface {
	Start(submit func(task.Task)) error
	Stop()
}

// CronSource turns schedule entries into recurring task submissions.
// Self-improvement entries are additionally gated so that a new cycle is
// only submitted when no previous one is still pending or running.
type CronSource struct {
	entries []config.ScheduleEntry
	// gate reports whether a task of the given type may be submitted
	// right now. Nil admits everything.
	gate   func(typ task.Type) bool
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewCronSource creates a source from config schedule entries.
func NewCronSource(entries []config.ScheduleEntry, gate func(task.Type) bool, logger zerolog.Logger) *CronSource {
	return &CronSource{
		entries: entries,
		gate:    gate,
		logger:  logger,
	}
}

// Start registers all entries and starts the cron runner.
func (s *CronSource) Start(submit func(task.Task)) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	runner := cron.New(cron.WithParser(parser))

	for _, entry := range s.entries {
		typ := task.Type(entry.Type)
		if typ == "" {
			typ = task.TypeScheduled
		}
		text := entry.Text

		spec := entry.Cron
		if _, err := runner.AddFunc(spec, func() {
			if s.gate != nil && !s.gate(typ) {
				s.logger.Debug().Str("type", string(typ)).Msg("Scheduled task gated; skipping cycle")
				return
			}
			t := task.New(typ, text)
			s.logger.Info().Str("task_id", t.ID).Str("type", string(typ)).Msg("Scheduled task submitted")
			submit(t)
		}); err != nil {
			return fmt.Errorf("register schedule %q: %w", spec, err)
		}
	}

	runner.Start()
	s.cron = runner
	return nil
}

// Stop halts the cron runner. Jobs already firing finish.
func (s *CronSource) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
