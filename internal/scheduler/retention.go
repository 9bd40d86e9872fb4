package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"flowline/internal/store"
)

const retentionBatch = 1000

// Retention hard-deletes old terminal task rows and long-soft-deleted
// schedules on a cron timetable. A task still referenced as a schedule's
// last spawned task is kept regardless of age.
type Retention struct {
	store  *store.Store
	spec   cron.Schedule
	days   int
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewRetention parses a standard 5-field cron expression for the firing
// times. days is the age threshold for reaping.
func NewRetention(st *store.Store, cronExpr string, days int, log zerolog.Logger) (*Retention, error) {
	spec, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Retention{
		store:  st,
		spec:   spec,
		days:   days,
		log:    log,
		stopCh: make(chan struct{}),
	}, nil
}

// Start sleeps until each next firing time and runs one reaping pass.
func (r *Retention) Start(ctx context.Context) {
	r.log.Info().Int("days", r.days).Time("next_run", r.spec.Next(time.Now())).Msg("retention job started")
	for {
		timer := time.NewTimer(time.Until(r.spec.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			r.reap(ctx)
		}
	}
}

func (r *Retention) Stop() {
	close(r.stopCh)
}

func (r *Retention) reap(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -r.days)

	var totalTasks int64
	for {
		n, err := r.store.DeleteTerminatedBefore(ctx, cutoff, retentionBatch)
		if err != nil {
			r.log.Error().Err(err).Msg("reaping old tasks")
			break
		}
		totalTasks += n
		if n < retentionBatch {
			break
		}
	}

	schedules, err := r.store.DeleteSchedulesRemovedBefore(ctx, cutoff, retentionBatch)
	if err != nil {
		r.log.Error().Err(err).Msg("reaping old schedules")
	}

	r.log.Info().
		Int64("tasks", totalTasks).
		Int64("schedules", schedules).
		Time("cutoff", cutoff).
		Msg("retention pass complete")
}
