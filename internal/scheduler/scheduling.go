package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"flowline/internal/domain"
	"flowline/internal/store"
)

// SchedulingDaemon polls for due schedules and materializes one task per
// schedule through the facade. The poll interval is independent of any
// schedule's frequency; it just bounds the jitter on the tightest one.
type SchedulingDaemon struct {
	store     *store.Store
	scheduler *Scheduler
	interval  time.Duration
	log       zerolog.Logger
	stopCh    chan struct{}
}

func NewSchedulingDaemon(st *store.Store, sched *Scheduler, interval time.Duration, log zerolog.Logger) *SchedulingDaemon {
	if interval <= 0 {
		interval = time.Second
	}
	return &SchedulingDaemon{
		store:     st,
		scheduler: sched,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the polling loop until the context is cancelled or Stop is
// called.
func (d *SchedulingDaemon) Start(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	d.log.Info().Dur("interval", d.interval).Msg("scheduling daemon started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case now := <-t.C:
			d.pass(ctx, now)
		}
	}
}

func (d *SchedulingDaemon) Stop() {
	close(d.stopCh)
}

// pass runs one materialization sweep. One schedule's error never blocks the
// others.
func (d *SchedulingDaemon) pass(ctx context.Context, now time.Time) {
	if _, err := d.store.UpdateLastScheduledTaskState(ctx, nil); err != nil {
		d.log.Error().Err(err).Msg("syncing last task states")
	}

	due, err := d.store.DueSchedules(ctx, now)
	if err != nil {
		d.log.Error().Err(err).Msg("querying due schedules")
		return
	}

	for _, sch := range due {
		if err := d.materialize(ctx, sch); err != nil {
			d.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("materializing schedule")
		}
	}
}

func (d *SchedulingDaemon) materialize(ctx context.Context, sch domain.Schedule) error {
	scheduleID := sch.ID
	task, err := d.scheduler.Schedule(ctx, Immediate, domain.TaskProps{
		Name:                          sch.Name,
		Payload:                       sch.Payload,
		GroupKey:                      sch.GroupKey,
		RetryMax:                      sch.RetryMax,
		ScheduleID:                    &scheduleID,
		CreatedToStartedTimeoutSecs:   sch.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: sch.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          sch.HeartbeatTimeoutSecs,
	})
	if err != nil {
		return err
	}
	if err := d.store.SetLastScheduledTask(ctx, sch.ID, task.ID, task.State); err != nil {
		return err
	}
	d.log.Info().
		Str("schedule_id", sch.ID).
		Str("schedule_name", sch.Name).
		Str("task_id", task.ID).
		Msg("scheduled task materialized")
	return nil
}
