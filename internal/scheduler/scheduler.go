// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/finclaw/internal/state"
)

// Handler is the callback invoked when a scheduled refresh fires. It is
// expected to route the prompt into the project's conversation so the
// refreshed valuation lands in the thread log.
type Handler func(projectID, prompt string)

// Scheduler evaluates cron expressions from the task store and fires refresh
// prompts through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled refresh fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		projectID := task.ProjectID
		prompt := task.Prompt
		name := task.Name

		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing refresh", "name", name, "project_id", projectID)
			s.handler(projectID, prompt)
		})
		if err != nil {
			slog.Warn("skipping task with bad schedule", "name", name, "schedule", task.Schedule, "error", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron ticker. Running handlers finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
